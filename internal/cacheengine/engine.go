package cacheengine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// CacheEngine is the public entry point orchestrating every other
// component (spec §2, component G / §4.G). One instance may be shared
// across arbitrarily many concurrent goroutines with no external
// coordination — see SPEC_FULL.md §5 for the lock hierarchy every
// operation below respects.
type CacheEngine struct {
	files *FileTable
	tiles *TileTable

	config *configBox

	factory ReaderFactory

	perthreadMu sync.Mutex
	perthreads  map[*PerThreadInfo]struct{}
}

// New constructs an independent cache instance. Use Shared for the
// process-wide singleton instead when the caller wants the
// create(shared=true) semantics from spec §6.
func New(factory ReaderFactory) *CacheEngine {
	e := &CacheEngine{
		config:     newConfigBox(DefaultConfig()),
		factory:    factory,
		perthreads: make(map[*PerThreadInfo]struct{}),
	}
	e.files = newFileTable(e)
	e.tiles = newTileTable(e)
	return e
}

func (e *CacheEngine) configSnapshot() Config { return e.config.snapshot() }

func (e *CacheEngine) searchpath() string { return e.configSnapshot().SearchPath }

// PerThread returns a fresh PerThreadInfo registered with the engine.
// Callers should obtain one per logical worker (e.g. once per
// goroutine that will issue a stream of queries) and reuse it across
// calls: the whole point of the microcache is repeat lookups on the
// same handle. Call ClosePerThread when the goroutine is done so the engine
// stops tracking it for invalidation broadcasts.
func (e *CacheEngine) PerThread() *PerThreadInfo {
	p := newPerThreadInfo(e)
	e.perthreadMu.Lock()
	e.perthreads[p] = struct{}{}
	e.perthreadMu.Unlock()
	return p
}

// ClosePerThread deregisters a PerThreadInfo obtained from PerThread.
func (e *CacheEngine) ClosePerThread(p *PerThreadInfo) {
	e.perthreadMu.Lock()
	delete(e.perthreads, p)
	e.perthreadMu.Unlock()
}

// ResolveFilename applies searchpath resolution: if filename is absolute
// or already exists relative to the working directory, it is returned
// unchanged; otherwise each ':'- or ';'-separated directory in
// searchpath is tried in order.
func (e *CacheEngine) ResolveFilename(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	sp := e.searchpath()
	if sp == "" {
		return filename
	}
	sep := ":"
	if strings.Contains(sp, ";") {
		sep = ";"
	}
	for _, dir := range strings.Split(sp, sep) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filename
}

func (e *CacheEngine) resolveFile(filename string, threadInfo *PerThreadInfo) *FileRecord {
	resolved := e.ResolveFilename(filename)
	return e.files.findOrCreate(resolved, threadInfo, e.factory)
}

// GetImageSpec returns subimage's spec, opening the file lazily.
func (e *CacheEngine) GetImageSpec(threadInfo *PerThreadInfo, filename string, subimage int) (ImageSpec, error) {
	threadInfo.checkPurge()
	file := e.resolveFile(filename, threadInfo)
	if err := file.Open(threadInfo); err != nil {
		threadInfo.addError(err.Error())
		return ImageSpec{}, err
	}
	if subimage < 0 || subimage >= file.SubimageCount() {
		err := fmt.Errorf("%w: %s subimage %d", ErrBadSubimage, filename, subimage)
		threadInfo.addError(err.Error())
		return ImageSpec{}, err
	}
	return file.SubimageSpec(subimage), nil
}

// GetImageInfo answers the well-known-name queries from spec §4.G plus
// fall-through to arbitrary spec attributes, coercing int to float when
// requestedFloat is set and the stored attribute is an int.
func (e *CacheEngine) GetImageInfo(threadInfo *PerThreadInfo, filename string, name string, requestedFloat bool) (any, error) {
	spec, err := e.GetImageSpec(threadInfo, filename, 0)
	if err != nil {
		return nil, err
	}
	file := e.resolveFile(filename, threadInfo)

	switch name {
	case "resolution":
		return [2]int{spec.Width, spec.Height}, nil
	case "texturetype":
		if spec.CubeFace {
			return "Cube Face Environment", nil
		}
		return "Plain Texture", nil
	case "textureformat":
		return spec.TextureFormat, nil
	case "fileformat":
		return file.FormatName(), nil
	case "channels":
		if requestedFloat {
			return float64(spec.Channels), nil
		}
		return spec.Channels, nil
	case "format":
		return int(spec.Format), nil
	case "cachedformat":
		return int(spec.Format), nil
	}

	if v, ok := spec.Attributes[name]; ok {
		if requestedFloat {
			if iv, ok := v.(int); ok {
				return float64(iv), nil
			}
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown attribute %q", ErrTypeMismatch, name)
}

// GetPixels copies the requested box, iterating in (z,y,x) order as
// spec §4.G prescribes, zero-filling any pixel whose tile misses or is
// invalid, and returning the AND of every tile fetch's success.
func (e *CacheEngine) GetPixels(threadInfo *PerThreadInfo, filename string, subimage int,
	xbegin, xend, ybegin, yend, zbegin, zend int, outFormat PixelFormat, out []byte) bool {

	threadInfo.checkPurge()
	file := e.resolveFile(filename, threadInfo)
	if err := file.Open(threadInfo); err != nil {
		threadInfo.addError(err.Error())
		zeroFill(out)
		return false
	}
	return e.getPixelsFromFile(threadInfo, file, subimage, xbegin, xend, ybegin, yend, zbegin, zend, outFormat, out)
}

func (e *CacheEngine) getPixelsFromFile(threadInfo *PerThreadInfo, file *FileRecord, subimage int,
	xbegin, xend, ybegin, yend, zbegin, zend int, outFormat PixelFormat, out []byte) bool {

	if subimage < 0 || subimage >= file.SubimageCount() {
		zeroFill(out)
		return false
	}
	spec := file.SubimageSpec(subimage)
	pixelBytes := spec.Channels * outFormat.BytesPerChannel()
	width := xend - xbegin
	height := yend - ybegin

	ok := true
	for z := zbegin; z < zend; z++ {
		for y := ybegin; y < yend; y++ {
			for x := xbegin; x < xend; x++ {
				offset := ((z-zbegin)*height+(y-ybegin))*width*pixelBytes + (x-xbegin)*pixelBytes
				dst := out[offset : offset+pixelBytes]

				tile := e.findTile(threadInfo, file, subimage, x, y, z)
				if tile == nil || !tile.Valid() {
					zeroFill(dst)
					ok = false
					continue
				}
				tx := (x / spec.TileWidth) * spec.TileWidth
				ty := (y / spec.TileHeight) * spec.TileHeight
				tz := z
				if spec.TileDepth > 0 {
					tz = (z / spec.TileDepth) * spec.TileDepth
				}
				src := tile.Data(x-tx, y-ty, z-tz)
				if src == nil {
					zeroFill(dst)
					ok = false
					continue
				}
				convertPixel(src, tile.Format(), dst, outFormat, spec.Channels)
				threadInfo.bytesRead.Add(int64(pixelBytes))
			}
		}
	}
	return ok
}

// samplePixel is the single-pixel helper read_unmipped recurses through:
// it fetches the tile containing (x,y,z) of subimage and copies one
// pixel out as float32, treating out-of-range coordinates as the nearest
// in-range pixel (clamp), matching standard bilinear-at-the-edge
// behavior.
func (e *CacheEngine) samplePixel(threadInfo *PerThreadInfo, file *FileRecord, subimage, x, y, z int, out []float32) bool {
	spec := file.SubimageSpec(subimage)
	if spec.Width == 0 {
		return false
	}
	if x < 0 {
		x = 0
	}
	if x >= spec.Width {
		x = spec.Width - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= spec.Height {
		y = spec.Height - 1
	}

	tile := e.findTile(threadInfo, file, subimage, x, y, z)
	if tile == nil || !tile.Valid() {
		return false
	}
	tx := (x / spec.TileWidth) * spec.TileWidth
	ty := (y / spec.TileHeight) * spec.TileHeight
	src := tile.Data(x-tx, y-ty, 0)
	if src == nil {
		return false
	}
	readPixelAsFloat(src, tile.Format(), out)
	return true
}

// findTile is the microcache fast path from spec §4.F: check current,
// then previous (swapping), then fall through to the global TileTable.
func (e *CacheEngine) findTile(threadInfo *PerThreadInfo, file *FileRecord, subimage, x, y, z int) *TileRecord {
	spec := file.SubimageSpec(subimage)
	if spec.TileWidth <= 0 || spec.TileHeight <= 0 {
		return nil
	}
	tx := (x / spec.TileWidth) * spec.TileWidth
	ty := (y / spec.TileHeight) * spec.TileHeight
	tz := z
	if spec.TileDepth > 0 {
		tz = (z / spec.TileDepth) * spec.TileDepth
	}
	id := NewTileID(file.canonical(), subimage, tx, ty, tz)

	if threadInfo != nil {
		if tile := threadInfo.lookup(id); tile != nil {
			return tile
		}
		threadInfo.recordMiss()
	}

	tile := e.tiles.findOrInsert(id, threadInfo)
	if threadInfo != nil {
		threadInfo.remember(tile)
	}
	return tile
}

// Tile is the opaque handle returned by GetTile. It carries no refcount
// and does not pin the tile: the memory clock sweep may remove the
// underlying TileRecord from the TileTable while the caller still holds
// the handle. Because TileRecord pixel buffers are immutable once built
// and eviction only ever removes table entries (never mutates a live
// buffer), the handle's pixels stay valid and unchanged in Go for as
// long as the caller keeps it, before or after ReleaseTile.
type Tile struct {
	record *TileRecord
}

func (e *CacheEngine) GetTile(threadInfo *PerThreadInfo, filename string, subimage, x, y, z int) (*Tile, error) {
	threadInfo.checkPurge()
	file := e.resolveFile(filename, threadInfo)
	if err := file.Open(threadInfo); err != nil {
		threadInfo.addError(err.Error())
		return nil, err
	}
	if subimage < 0 || subimage >= file.SubimageCount() {
		err := fmt.Errorf("%w: %s subimage %d", ErrBadSubimage, filename, subimage)
		threadInfo.addError(err.Error())
		return nil, err
	}
	tile := e.findTile(threadInfo, file, subimage, x, y, z)
	if tile == nil || !tile.Valid() {
		err := fmt.Errorf("%w: %s (%d,%d,%d,%d)", ErrReadFailed, filename, subimage, x, y, z)
		threadInfo.addError(err.Error())
		return nil, err
	}
	return &Tile{record: tile}, nil
}

// ReleaseTile drops the caller's logical reference. See Tile's doc
// comment for why this is a no-op in Go beyond API-shape fidelity.
func (e *CacheEngine) ReleaseTile(t *Tile) {}

// TilePixels yields the raw buffer and its in-cache pixel format.
func (e *CacheEngine) TilePixels(t *Tile) ([]byte, PixelFormat) {
	if t == nil || t.record == nil {
		return nil, FormatUnknown
	}
	return t.record.pixel, t.record.Format()
}

// Invalidate drops every TileTable entry for filename, reopens the
// FileRecord, and sets every live per-thread record's purge flag so no
// goroutine observes stale microcached tiles afterward (spec §4.G,
// ordering guarantee (i) in §5).
func (e *CacheEngine) Invalidate(filename string) {
	file, ok := e.files.find(e.ResolveFilename(filename))
	if !ok {
		return
	}
	e.tiles.removeFile(file)
	file.invalidate(nil)
	e.broadcastPurge()
}

// InvalidateAll snapshots every known filename; for each, invalidates it
// if force is set or its on-disk mtime has changed since it was opened;
// then clears the fingerprint index and broadcasts purge.
func (e *CacheEngine) InvalidateAll(force bool) {
	for _, name := range e.files.filenames() {
		file, ok := e.files.find(name)
		if !ok {
			continue
		}
		if force || mtimeChanged(file) {
			e.tiles.removeFile(file)
			file.invalidate(nil)
		}
	}
	e.files.clearFingerprints()
	e.broadcastPurge()
}

func mtimeChanged(f *FileRecord) bool {
	info, err := os.Stat(f.Filename())
	if err != nil {
		return true
	}
	return !info.ModTime().Equal(f.lastModified)
}

func (e *CacheEngine) broadcastPurge() {
	e.perthreadMu.Lock()
	defer e.perthreadMu.Unlock()
	for p := range e.perthreads {
		p.setPurge()
	}
}

// Attribute sets a named configuration attribute. Returns false on
// type/name mismatch, per spec §7: "soft: attribute returns false,
// nothing changes."
func (e *CacheEngine) Attribute(name string, value any) bool {
	ok := true
	e.config.update(func(c *Config) {
		switch name {
		case "max_open_files":
			if v, okv := toInt(value); okv {
				c.MaxOpenFiles = v
			} else {
				ok = false
			}
		case "max_memory_MB":
			if v, okv := toFloat(value); okv {
				c.MaxMemoryMB = v
			} else {
				ok = false
			}
		case "searchpath":
			if v, okv := value.(string); okv {
				c.SearchPath = v
			} else {
				ok = false
			}
		case "statistics:level":
			if v, okv := toInt(value); okv {
				c.StatsLevel = v
			} else {
				ok = false
			}
		case "autotile":
			if v, okv := toInt(value); okv {
				c.AutoTile = v
			} else {
				ok = false
			}
		case "automip":
			if v, okv := toBool(value); okv {
				c.AutoMip = v
			} else {
				ok = false
			}
		case "forcefloat":
			if v, okv := toBool(value); okv {
				c.ForceFloat = v
			} else {
				ok = false
			}
		case "accept_untiled":
			if v, okv := toBool(value); okv {
				c.AcceptUntiled = v
			} else {
				ok = false
			}
		default:
			ok = false
		}
	})
	return ok
}

// GetAttribute reads a named configuration attribute, including the
// read-only worldtocommon/commontoworld transforms.
func (e *CacheEngine) GetAttribute(name string) (any, bool) {
	c := e.configSnapshot()
	switch name {
	case "max_open_files":
		return c.MaxOpenFiles, true
	case "max_memory_MB":
		return c.MaxMemoryMB, true
	case "searchpath":
		return c.SearchPath, true
	case "statistics:level":
		return c.StatsLevel, true
	case "autotile":
		return c.AutoTile, true
	case "automip":
		return c.AutoMip, true
	case "forcefloat":
		return c.ForceFloat, true
	case "accept_untiled":
		return c.AcceptUntiled, true
	case "worldtocommon":
		return c.WorldToCommon, true
	case "commontoworld":
		return c.CommonToWorld, true
	}
	return nil, false
}

// GetError drains this thread's pending error messages.
func (e *CacheEngine) GetError(threadInfo *PerThreadInfo) string {
	return threadInfo.geterror()
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int:
		return x != 0, true
	}
	return false, false
}

// numCPUHint reports GOMAXPROCS as a default worker-pool size, kept next
// to the rest of the engine's process-wide defaults. Nothing in this
// repository calls it.
func numCPUHint() int { return runtime.GOMAXPROCS(0) }
