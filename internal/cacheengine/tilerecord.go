package cacheengine

import (
	"sync/atomic"
)

// TileRecord holds one cached tile's pixels. Once constructed and
// inserted into the TileTable its pixel buffer never changes — only the
// used flag mutates, via atomics, so a read of Data never races with a
// concurrent touch from another goroutine's lookup.
type TileRecord struct {
	id    TileID
	pixel []byte
	valid bool
	used  atomic.Bool

	format                  PixelFormat
	width, height, depth    int
	channels                int
}

// newReadTile allocates a tile buffer sized for the file's tile extents
// and asks the FileRecord to populate it. A failed read still returns a
// TileRecord — with valid=false and a correctly sized (but zeroed)
// buffer, per spec: memsize must stay stable for eviction accounting
// even when the read failed, and used starts cleared so it is first in
// line for eviction.
func newReadTile(id TileID, threadInfo *PerThreadInfo) *TileRecord {
	file := id.File()
	spec := file.SubimageSpec(id.Subimage())

	t := &TileRecord{
		id:       id,
		format:   spec.Format,
		width:    spec.TileWidth,
		height:   spec.TileHeight,
		depth:    spec.TileDepth,
		channels: spec.Channels,
	}
	if t.depth < 1 {
		t.depth = 1
	}
	t.pixel = make([]byte, t.memsizeUnlocked())

	ok := file.readTile(threadInfo, id.Subimage(), id.X(), id.Y(), id.Z(), t.format, t.pixel)
	t.valid = ok
	if ok {
		t.used.Store(true)
	}
	return t
}

// newTileFromMemory builds a tile by copying from a foreign-format
// source buffer already resident in memory — used by the untiled
// row-prefetch path (FileRecord.readUntiledLocked), which decodes a whole
// tile-row at once and carves neighbor tiles out of it without a second
// disk read.
func newTileFromMemory(id TileID, src []byte, srcFormat PixelFormat, srcStride, width, height, depth, channels int) *TileRecord {
	t := &TileRecord{
		id:       id,
		format:   srcFormat,
		width:    width,
		height:   height,
		depth:    depth,
		channels: channels,
	}
	if t.depth < 1 {
		t.depth = 1
	}
	t.pixel = make([]byte, t.memsizeUnlocked())

	rowBytes := width * channels * srcFormat.BytesPerChannel()
	for y := 0; y < height; y++ {
		srcOff := y * srcStride
		dstOff := y * rowBytes
		if srcOff+rowBytes > len(src) || dstOff+rowBytes > len(t.pixel) {
			break
		}
		copy(t.pixel[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
	t.valid = true
	t.used.Store(true)
	return t
}

// Data returns a pointer (slice view) to the single pixel at (x,y,z)
// within the tile, or nil if out of bounds.
func (t *TileRecord) Data(x, y, z int) []byte {
	if x < 0 || y < 0 || z < 0 || x >= t.width || y >= t.height || z >= t.depth {
		return nil
	}
	bpc := t.format.BytesPerChannel()
	pixelBytes := t.channels * bpc
	planeBytes := t.width * t.height * pixelBytes
	offset := z*planeBytes + (y*t.width+x)*pixelBytes
	if offset+pixelBytes > len(t.pixel) {
		return nil
	}
	return t.pixel[offset : offset+pixelBytes]
}

// Touch marks the tile used, the single signal the clock-sweep eviction
// reads before deciding whether to spare an entry another cycle.
func (t *TileRecord) Touch() { t.used.Store(true) }

func (t *TileRecord) clearUsed() bool { return t.used.CompareAndSwap(true, false) }

func (t *TileRecord) isUsed() bool { return t.used.Load() }

// Valid reports whether the underlying read succeeded.
func (t *TileRecord) Valid() bool { return t.valid }

func (t *TileRecord) ID() TileID { return t.id }

func (t *TileRecord) Format() PixelFormat { return t.format }

// memsize is the tile's fixed, constructor-time-determined footprint —
// stable for the lifetime of the record so the TileTable's resident byte
// counter never drifts from the sum of live entries.
func (t *TileRecord) memsize() int64 { return int64(len(t.pixel)) }

func (t *TileRecord) memsizeUnlocked() int {
	return t.width * t.height * t.depth * t.channels * t.format.BytesPerChannel()
}
