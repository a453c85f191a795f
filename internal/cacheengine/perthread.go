package cacheengine

import (
	"sync"
	"sync/atomic"
)

// PerThreadInfo is a per-goroutine-caller microcache: the last two tiles
// looked up, an MRU of depth 2, consulted lock-free before the global
// TileTable. Go has no first-class concept of "the calling OS thread",
// so callers obtain one explicitly via CacheEngine.PerThread and are
// expected to keep reusing it across calls made from the same
// goroutine — exactly analogous to the reference design's thread-local
// storage, just made an explicit handle instead of implicit TLS.
type PerThreadInfo struct {
	engine *CacheEngine

	current  atomic.Pointer[TileRecord]
	previous atomic.Pointer[TileRecord]

	purge atomic.Bool

	// Stats counters are atomic, not mutex-guarded: the owning
	// goroutine writes them on its hot path, while MergeStats may read
	// them concurrently from another goroutine at any time.
	findTileCalls            atomic.Int64
	findTileMicrocacheMisses atomic.Int64
	findTileCacheMisses      atomic.Int64
	bytesRead                atomic.Int64

	errMu  sync.Mutex
	errors []string
}

// ThreadStats accumulates this thread's contribution to the merged
// cache-wide statistics (spec §2 component I).
type ThreadStats struct {
	FindTileMicrocacheMisses int64
	FindTileCacheMisses      int64
	FindTileCalls            int64
	BytesRead                int64
}

func newPerThreadInfo(engine *CacheEngine) *PerThreadInfo {
	return &PerThreadInfo{engine: engine}
}

// checkPurge is run at the entry of every engine operation: if another
// thread's invalidate()/invalidate_all() set our purge flag since our
// last call, drop both microcache slots and clear the flag. This is the
// only mechanism reconciling thread-local caches with global
// invalidation (spec §4.F).
func (p *PerThreadInfo) checkPurge() {
	if p.purge.CompareAndSwap(true, false) {
		p.current.Store(nil)
		p.previous.Store(nil)
	}
}

func (p *PerThreadInfo) setPurge() { p.purge.Store(true) }

// lookup implements the wait-free fast path: current match, else
// previous match (swapping them), else a global-table miss.
func (p *PerThreadInfo) lookup(id TileID) *TileRecord {
	p.findTileCalls.Add(1)
	cur := p.current.Load()
	if cur != nil && cur.ID() == id {
		return cur
	}
	if prev := p.previous.Load(); prev != nil && prev.ID() == id {
		p.current.Store(prev)
		p.previous.Store(cur)
		return prev
	}
	p.findTileMicrocacheMisses.Add(1)
	return nil
}

// remember records a freshly looked-up tile as "current", demoting the
// old current to "previous".
func (p *PerThreadInfo) remember(tile *TileRecord) {
	old := p.current.Load()
	p.current.Store(tile)
	p.previous.Store(old)
}

func (p *PerThreadInfo) recordMiss() { p.findTileCacheMisses.Add(1) }

func (p *PerThreadInfo) Stats() ThreadStats {
	return ThreadStats{
		FindTileCalls:            p.findTileCalls.Load(),
		FindTileMicrocacheMisses: p.findTileMicrocacheMisses.Load(),
		FindTileCacheMisses:      p.findTileCacheMisses.Load(),
		BytesRead:                p.bytesRead.Load(),
	}
}

func (p *PerThreadInfo) addError(msg string) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.errors = append(p.errors, msg)
}

// geterror concatenates and clears this thread's pending error messages,
// matching spec §7: "concatenates multiple errors with newlines and
// clears on read".
func (p *PerThreadInfo) geterror() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if len(p.errors) == 0 {
		return ""
	}
	out := p.errors[0]
	for _, e := range p.errors[1:] {
		out += "\n" + e
	}
	p.errors = nil
	return out
}
