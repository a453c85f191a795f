package cacheengine

import (
	"sync"
	"sync/atomic"
)

// numTileShards partitions the tile table's lookup map by
// TileID.Hash(), the way alexhholmes-fredb's page cache partitions by a
// hash of PageID across a freelru.ShardedLRU: independent locks per
// shard cut read/insert contention between goroutines touching
// unrelated files. Eviction still runs as one global clock sweep (via
// evictMu) against the table-wide resident byte budget, so the memory
// limit from spec §4.E is enforced exactly as a single unsharded table
// would enforce it.
const numTileShards = 16

type tileShard struct {
	mu    sync.RWMutex
	items map[TileID]*TileRecord
}

// TileTable maps TileID to TileRecord, sharded by TileID.Hash() for the
// lookup/insert path. A single sweep cursor drives table-wide
// clock-sweep eviction and an atomic byte counter tracks resident tile
// memory without needing any shard lock for reads.
type TileTable struct {
	shards [numTileShards]tileShard

	evictMu  sync.Mutex
	sweepIDs []TileID
	sweepIdx int

	residentBytes atomic.Int64

	engine *CacheEngine
}

func newTileTable(engine *CacheEngine) *TileTable {
	t := &TileTable{engine: engine}
	for i := range t.shards {
		t.shards[i].items = make(map[TileID]*TileRecord)
	}
	return t
}

func (t *TileTable) shardFor(id TileID) *tileShard {
	return &t.shards[id.Hash()%numTileShards]
}

// findOrInsert implements spec §4.E: read-lock lookup first; on miss,
// read and allocate the tile with no table lock held (the per-file
// reader mutex is what actually serializes the I/O); then enforce the
// memory limit, take the owning shard's write lock, and insert — on
// collision with a tile another goroutine already inserted, the
// earlier entry wins.
func (t *TileTable) findOrInsert(id TileID, threadInfo *PerThreadInfo) *TileRecord {
	s := t.shardFor(id)

	s.mu.RLock()
	if existing, ok := s.items[id]; ok {
		s.mu.RUnlock()
		existing.Touch()
		return existing
	}
	s.mu.RUnlock()

	tile := newReadTile(id, threadInfo)

	t.enforceMemoryLimit()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[id]; ok {
		return existing
	}

	s.items[id] = tile
	t.residentBytes.Add(tile.memsize())
	return tile
}

// insertIfAbsent is used by the untiled row-prefetch path: it inserts a
// tile record that was already decoded as a side effect of satisfying a
// different tile's read, without going through the read path again.
func (t *TileTable) insertIfAbsent(tile *TileRecord) {
	s := t.shardFor(tile.ID())

	s.mu.RLock()
	if _, ok := s.items[tile.ID()]; ok {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	t.enforceMemoryLimit()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[tile.ID()]; ok {
		return
	}
	s.items[tile.ID()] = tile
	t.residentBytes.Add(tile.memsize())
}

// peek looks up without affecting LRU state or inserting; used to avoid
// duplicate work in the untiled row-prefetch path.
func (t *TileTable) peek(id TileID) *TileRecord {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[id]
}

// enforceMemoryLimit runs the two-pass clock sweep from spec §4.E
// against the table-wide resident byte budget. Building the sweep
// snapshot briefly read-locks each shard in turn (never more than one
// at a time), and eviction of a chosen tile briefly write-locks just
// that tile's shard. That may be the shard the caller is about to insert
// into; this is safe because it runs before the caller takes that lock.
func (t *TileTable) enforceMemoryLimit() {
	maxBytes := t.engine.configSnapshot().maxMemoryBytes()
	if maxBytes <= 0 {
		return
	}

	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	for t.residentBytes.Load() >= maxBytes {
		if len(t.sweepIDs) == 0 || t.sweepIdx >= len(t.sweepIDs) {
			t.sweepIDs = t.sweepIDs[:0]
			for i := range t.shards {
				s := &t.shards[i]
				s.mu.RLock()
				for id := range s.items {
					t.sweepIDs = append(t.sweepIDs, id)
				}
				s.mu.RUnlock()
			}
			t.sweepIdx = 0
			if len(t.sweepIDs) == 0 {
				return
			}
		}
		id := t.sweepIDs[t.sweepIdx]
		t.sweepIdx++

		s := t.shardFor(id)
		s.mu.Lock()
		tile, ok := s.items[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if tile.clearUsed() {
			s.mu.Unlock()
			continue
		}
		delete(s.items, id)
		s.mu.Unlock()
		t.residentBytes.Add(-tile.memsize())
	}
}

// removeFile drops every entry whose file matches, used by invalidate.
func (t *TileTable) removeFile(file *FileRecord) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, tile := range s.items {
			if id.File() == file {
				delete(s.items, id)
				t.residentBytes.Add(-tile.memsize())
			}
		}
		s.mu.Unlock()
	}
}

func (t *TileTable) ResidentBytes() int64 { return t.residentBytes.Load() }

func (t *TileTable) Len() int {
	var total int
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
