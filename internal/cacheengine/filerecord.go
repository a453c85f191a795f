package cacheengine

import (
	"crypto/sha1"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// FileRecord is one opened image's metadata and lazy-open state machine.
// Its reader handle is opened on first access and may be closed and
// reopened repeatedly by the clock sweep (FileTable.enforceOpenFileLimit)
// without losing the discovered spec list — only invalidate() forgets
// the spec and forces full re-discovery.
//
// State machine: {unopened} --open_attempt--> {open, broken}; from open,
// release()/eviction returns to {closed-but-known-spec} which re-enters
// open on next access; invalidate() resets to unopened then reopens.
type FileRecord struct {
	engine *CacheEngine

	filename string
	factory  ReaderFactory

	// readerMu serializes every call into reader. Go offers no native
	// recursive mutex, so unlike the spec's reference design we follow
	// its own documented fallback (SPEC_FULL.md §9 / spec.md §9): the
	// unmipped read path drops readerMu before its reentrant calls back
	// into CacheEngine.samplePixel and reacquires it afterward, rather
	// than assuming the lock can be taken twice by the same goroutine.
	readerMu sync.Mutex

	reader Reader

	specs []ImageSpec

	formatName string
	broken     bool
	untiled    bool
	unmipped   bool
	mipUsed    bool // true once a tile of any subimage > 0 (native or synthesized) has been read

	fingerprint string
	duplicate   atomic.Pointer[FileRecord]

	used atomic.Bool

	timesOpened atomic.Int64
	tilesRead   atomic.Int64
	bytesRead   atomic.Int64
	ioTime      atomic.Int64 // nanoseconds

	lastModified time.Time

	mu sync.Mutex // guards specs/formatName/broken/untiled/unmipped/mipUsed/fingerprint above during open/invalidate
}

func newFileRecord(engine *CacheEngine, filename string, factory ReaderFactory) *FileRecord {
	return &FileRecord{engine: engine, filename: filename, factory: factory}
}

func (f *FileRecord) Filename() string { return f.filename }

// Duplicate returns the canonical record this one redirects to, or nil
// if this record is itself canonical.
func (f *FileRecord) Duplicate() *FileRecord { return f.duplicate.Load() }

// canonical follows the duplicate pointer. Spec invariant #3 guarantees
// this terminates in at most one hop, so no loop is needed, but we loop
// defensively in case a future change chains duplicates.
func (f *FileRecord) canonical() *FileRecord {
	cur := f
	for {
		d := cur.duplicate.Load()
		if d == nil {
			return cur
		}
		cur = d
	}
}

func (f *FileRecord) Broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *FileRecord) Untiled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.untiled
}

func (f *FileRecord) Unmipped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unmipped
}

// MipUsed reports whether a subimage above 0 has ever been queried.
// Distinct from Unmipped: a file can have a real native pyramid that was
// simply never asked for a higher level, per the original's m_mipused flag.
func (f *FileRecord) MipUsed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mipUsed
}

func (f *FileRecord) Fingerprint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprint
}

func (f *FileRecord) FormatName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formatName
}

func (f *FileRecord) touch() { f.used.Store(true) }

func (f *FileRecord) SubimageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// SubimageSpec returns a copy of subimage i's spec. Callers must ensure
// Open has already succeeded; out-of-range i returns the zero value.
func (f *FileRecord) SubimageSpec(i int) ImageSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.specs) {
		return ImageSpec{}
	}
	return f.specs[i]
}

// Open idempotently ensures the file is open (or permanently broken).
// Safe to call repeatedly and concurrently: the reader mutex serializes
// concurrent openers of the *same* file, and the second caller simply
// observes the first caller's already-completed work.
func (f *FileRecord) Open(threadInfo *PerThreadInfo) error {
	f.readerMu.Lock()
	defer f.readerMu.Unlock()
	return f.openLocked(threadInfo)
}

func (f *FileRecord) openLocked(threadInfo *PerThreadInfo) error {
	f.mu.Lock()
	alreadyOpen := f.reader != nil
	alreadyBroken := f.broken
	haveSpecs := len(f.specs) > 0
	f.mu.Unlock()

	if alreadyBroken {
		return fmt.Errorf("%w: %s", ErrBroken, f.filename)
	}
	if alreadyOpen {
		return nil
	}
	if haveSpecs {
		// Closed-but-known-spec: reopen the handle without rediscovering.
		return f.reopenLocked(threadInfo)
	}
	return f.discoverLocked(threadInfo)
}

func (f *FileRecord) reopenLocked(threadInfo *PerThreadInfo) error {
	start := time.Now()
	r, err := f.factory(f.filename, f.engine.searchpath())
	f.ioTime.Add(int64(time.Since(start)))
	if err != nil {
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		setLastReaderError(err.Error())
		return fmt.Errorf("%w: %s: %v", ErrBroken, f.filename, err)
	}
	if _, err := r.Open(f.filename); err != nil {
		r.Close()
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrBroken, f.filename, err)
	}
	f.mu.Lock()
	f.reader = r
	f.mu.Unlock()
	f.timesOpened.Add(1)
	return nil
}

// discoverLocked performs the full first-open sequence: construct the
// reader, enumerate subimages, synthesize tile extents / MIP levels,
// parse format metadata, and compute the fingerprint.
func (f *FileRecord) discoverLocked(threadInfo *PerThreadInfo) error {
	start := time.Now()
	r, err := f.factory(f.filename, f.engine.searchpath())
	f.ioTime.Add(int64(time.Since(start)))
	if err != nil {
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		setLastReaderError(err.Error())
		return fmt.Errorf("%w: %s: %v", ErrNotFound, f.filename, err)
	}

	spec0, err := r.Open(f.filename)
	if err != nil {
		r.Close()
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrBroken, f.filename, err)
	}

	specs := []ImageSpec{spec0}
	for i := 1; ; i++ {
		spec, ok := r.SeekSubimage(i)
		if !ok {
			break
		}
		specs = append(specs, spec)
	}
	// Leave the reader positioned back on subimage 0 for the first real
	// read that follows discovery.
	r.SeekSubimage(0)

	cfg := f.engine.configSnapshot()

	untiled := false
	for i := range specs {
		s := &specs[i]
		if s.TileWidth <= 0 || s.TileHeight <= 0 {
			untiled = true
			if cfg.AutoTile > 0 {
				tw := cfg.AutoTile
				if tw < 8 {
					tw = 8
				}
				s.TileWidth, s.TileHeight = tw, tw
			} else {
				s.TileWidth = nextPowerOfTwo(s.Width)
				s.TileHeight = nextPowerOfTwo(s.Height)
			}
		}
		if s.TileDepth <= 0 {
			s.TileDepth = 1
		}
		if s.FullWidth == 0 {
			s.FullWidth = s.Width
		}
		if s.FullHeight == 0 {
			s.FullHeight = s.Height
		}
	}

	if untiled && !cfg.AcceptUntiled {
		r.Close()
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		return fmt.Errorf("%w: %s: untiled files rejected by accept_untiled=false", ErrUnsupportedConfig, f.filename)
	}

	unmipped := false
	if len(specs) == 1 && cfg.AutoMip {
		if _, hasTextureFormat := specs[0].Attributes["textureformat"]; !hasTextureFormat {
			unmipped = true
			specs = append(specs, synthesizeMipChain(specs[0])...)
		}
	}

	textureFormat, _ := specs[0].Attributes["textureformat"].(string)
	wrapS, _ := specs[0].Attributes["wrapmodes_s"].(string)
	wrapT, _ := specs[0].Attributes["wrapmodes_t"].(string)
	cubeFace := isCubeLayout(specs[0].Width, specs[0].Height)
	yUp := r.FormatName() == "openexr"
	desc, _ := specs[0].Attributes["ImageDescription"].(string)
	fingerprint := computeFingerprint(specs, desc)

	inCacheFormat := FormatFloat32
	if !cfg.ForceFloat && specs[0].Format == FormatUInt8 {
		inCacheFormat = FormatUInt8
	}
	for i := range specs {
		specs[i].Format = inCacheFormat
		if specs[i].TextureFormat == "" {
			specs[i].TextureFormat = textureFormat
		}
		specs[i].WrapModes = [2]string{wrapS, wrapT}
		specs[i].CubeFace = cubeFace
		specs[i].YUp = yUp
	}

	f.mu.Lock()
	f.reader = r
	f.specs = specs
	f.formatName = r.FormatName()
	f.untiled = untiled
	f.unmipped = unmipped
	f.fingerprint = fingerprint
	f.broken = false
	f.mu.Unlock()

	if info, err := os.Stat(f.filename); err == nil {
		f.lastModified = info.ModTime()
	}

	f.timesOpened.Add(1)
	return nil
}

// synthesizeMipChain builds the pyramid levels below base, halving each
// dimension down to 1x1 (spec §3 FileRecord invariant: "each subsequent
// entry has dimensions ceil(prev/2) down to 1x1").
func synthesizeMipChain(base ImageSpec) []ImageSpec {
	var out []ImageSpec
	w, h, d := base.Width, base.Height, base.Depth
	if d < 1 {
		d = 1
	}
	for w > 1 || h > 1 {
		w = ceilDiv(w, 2)
		if w < 1 {
			w = 1
		}
		h = ceilDiv(h, 2)
		if h < 1 {
			h = 1
		}
		level := base
		level.Width, level.Height, level.Depth = w, h, d
		level.FullWidth, level.FullHeight = w, h
		tw, th := base.TileWidth, base.TileHeight
		if tw > w {
			tw = nextPowerOfTwo(w)
		}
		if th > h {
			th = nextPowerOfTwo(h)
		}
		if tw < 1 {
			tw = 1
		}
		if th < 1 {
			th = 1
		}
		level.TileWidth, level.TileHeight = tw, th
		level.Attributes = nil
		out = append(out, level)
	}
	return out
}

func isCubeLayout(w, h int) bool {
	if h == 0 {
		return false
	}
	ratio := float64(w) / float64(h)
	return approxEqual(ratio, 3.0/2.0) || approxEqual(ratio, 1.0/6.0)
}

func approxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}

func computeFingerprint(specs []ImageSpec, description string) string {
	if description == "" {
		return ""
	}
	h := sha1.New()
	for _, s := range specs {
		fmt.Fprintf(h, "%d,%d,%d,%d|", s.Width, s.Height, s.Depth, s.Channels)
	}
	h.Write([]byte(description))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// readTile dispatches to one of the three read paths described in
// spec §4.C: normal tiled, unmipped synthesized level, or untiled.
func (f *FileRecord) readTile(threadInfo *PerThreadInfo, subimage, x, y, z int, outFormat PixelFormat, out []byte) bool {
	if canon := f.duplicate.Load(); canon != nil {
		return canon.readTile(threadInfo, subimage, x, y, z, outFormat, out)
	}

	f.readerMu.Lock()
	if err := f.openLocked(threadInfo); err != nil {
		f.readerMu.Unlock()
		return false
	}
	f.touch()

	if subimage > 0 {
		f.mu.Lock()
		f.mipUsed = true
		f.mu.Unlock()
	}

	if f.Unmipped() && subimage > 0 {
		// readUnmippedLocked drops and reacquires readerMu itself
		// around its reentrant engine calls; it returns with the lock
		// held so this defer-free Unlock below is always correct.
		ok := f.readUnmippedLocked(threadInfo, subimage, x, y, z, outFormat, out)
		f.readerMu.Unlock()
		return ok
	}
	if f.Untiled() {
		ok := f.readUntiledLocked(threadInfo, subimage, x, y, z, outFormat, out)
		f.readerMu.Unlock()
		return ok
	}
	ok := f.readNormalLocked(subimage, x, y, z, outFormat, out)
	f.readerMu.Unlock()
	return ok
}

func (f *FileRecord) readNormalLocked(subimage, x, y, z int, outFormat PixelFormat, out []byte) bool {
	if f.reader.CurrentSubimage() != subimage {
		if _, ok := f.reader.SeekSubimage(subimage); !ok {
			return false
		}
	}
	start := time.Now()
	err := f.reader.ReadTile(x, y, z, outFormat, out)
	f.ioTime.Add(int64(time.Since(start)))
	if err != nil {
		return false
	}
	f.tilesRead.Add(1)
	f.bytesRead.Add(int64(len(out)))
	return true
}

// readUnmippedLocked generates a tile of a synthesized MIP level by
// bilinear-filtering a 2x2 neighborhood of the next-finer level, via a
// reentrant call back into the owning engine (CacheEngine.samplePixel,
// which is get_pixels's single-sample cousin). Called with readerMu
// held; drops it for the duration of each reentrant call since that
// call may need the same mutex again.
func (f *FileRecord) readUnmippedLocked(threadInfo *PerThreadInfo, subimage, x, y, z int, outFormat PixelFormat, out []byte) bool {
	spec := f.SubimageSpec(subimage)
	upper := f.SubimageSpec(subimage - 1)
	if spec.Width == 0 || upper.Width == 0 {
		return false
	}

	bpc := outFormat.BytesPerChannel()
	channels := spec.Channels
	ok := true

	for j := 0; j < spec.TileHeight; j++ {
		oy := y + j
		if oy >= spec.Height {
			continue
		}
		yf := (float64(oy) + 0.5) / float64(spec.FullHeight)
		ylowF := yf*float64(upper.FullHeight) - 0.5
		ylow := int(floorFloat(ylowF))
		yfrac := ylowF - floorFloat(ylowF)

		for i := 0; i < spec.TileWidth; i++ {
			ox := x + i
			if ox >= spec.Width {
				continue
			}
			xf := (float64(ox) + 0.5) / float64(spec.FullWidth)
			xlowF := xf*float64(upper.FullWidth) - 0.5
			xlow := int(floorFloat(xlowF))
			xfrac := xlowF - floorFloat(xlowF)

			px := make([]float32, channels)
			var p00, p10, p01, p11 [4]float32
			// Drop the reader mutex before the reentrant engine call:
			// it may need to take this same mutex again (a different
			// subimage read) or another file's, and Go has no native
			// recursive lock to fall back on (see the field comment
			// on readerMu).
			f.readerMu.Unlock()
			s1 := f.engine.samplePixel(threadInfo, f, subimage-1, xlow, ylow, 0, p00[:channels])
			s2 := f.engine.samplePixel(threadInfo, f, subimage-1, xlow+1, ylow, 0, p10[:channels])
			s3 := f.engine.samplePixel(threadInfo, f, subimage-1, xlow, ylow+1, 0, p01[:channels])
			s4 := f.engine.samplePixel(threadInfo, f, subimage-1, xlow+1, ylow+1, 0, p11[:channels])
			f.readerMu.Lock()
			if !s1 || !s2 || !s3 || !s4 {
				ok = false
			}
			for c := 0; c < channels; c++ {
				top := p00[c]*float32(1-xfrac) + p10[c]*float32(xfrac)
				bot := p01[c]*float32(1-xfrac) + p11[c]*float32(xfrac)
				px[c] = top*float32(1-yfrac) + bot*float32(yfrac)
			}

			pixelBytes := channels * bpc
			rowBytes := spec.TileWidth * pixelBytes
			offset := j*rowBytes + i*pixelBytes
			if offset+pixelBytes > len(out) {
				continue
			}
			writePixel(out[offset:offset+pixelBytes], px, outFormat)
		}
	}

	f.tilesRead.Add(1)
	f.bytesRead.Add(int64(len(out)))
	return ok
}

// readUntiledLocked implements spec §4.C path 3. If autotile is on, a
// whole tile-row of scanlines is decoded at once and every tile that
// falls entirely within it is carved out and inserted into the global
// TileTable so later lookups amortize the forced row read. If autotile
// is off, "a tile" is the whole image.
func (f *FileRecord) readUntiledLocked(threadInfo *PerThreadInfo, subimage, x, y, z int, outFormat PixelFormat, out []byte) bool {
	spec := f.SubimageSpec(subimage)
	cfg := f.engine.configSnapshot()

	if spec.Depth > 1 && spec.TileDepth > 1 {
		// Volumes of scanline files are not supported: the read fails
		// and the file is marked broken, so later queries report
		// ErrBroken until it is invalidated.
		f.mu.Lock()
		f.broken = true
		f.mu.Unlock()
		return false
	}

	if f.reader.CurrentSubimage() != subimage {
		if _, ok := f.reader.SeekSubimage(subimage); !ok {
			return false
		}
	}

	if cfg.AutoTile <= 0 {
		start := time.Now()
		err := f.reader.ReadImage(outFormat, out)
		f.ioTime.Add(int64(time.Since(start)))
		if err != nil {
			return false
		}
		f.tilesRead.Add(1)
		f.bytesRead.Add(int64(len(out)))
		return true
	}

	rowY := (y / spec.TileHeight) * spec.TileHeight
	bpc := outFormat.BytesPerChannel()
	rowBytes := spec.Width * spec.Channels * bpc
	scratch := make([]byte, rowBytes*spec.TileHeight)

	start := time.Now()
	for row := 0; row < spec.TileHeight; row++ {
		sy := rowY + row
		if sy >= spec.Height {
			break
		}
		if err := f.reader.ReadScanline(sy, z, outFormat, scratch[row*rowBytes:(row+1)*rowBytes]); err != nil {
			f.ioTime.Add(int64(time.Since(start)))
			return false
		}
	}
	f.ioTime.Add(int64(time.Since(start)))

	copyTileFromRow(scratch, rowBytes, spec, x, rowY, outFormat, out)
	f.tilesRead.Add(1)
	f.bytesRead.Add(int64(len(scratch)))

	cols := spec.TileColCount()
	for tx := 0; tx < cols; tx++ {
		ox := tx * spec.TileWidth
		if ox == x {
			continue // already the tile the caller asked for
		}
		if ox+spec.TileWidth > spec.Width {
			continue // doesn't fall entirely inside the row
		}
		id := NewTileID(f.canonical(), subimage, ox, rowY, z)
		if f.engine.tiles.peek(id) != nil {
			continue
		}
		buf := make([]byte, spec.TileWidth*spec.TileHeight*spec.Channels*bpc)
		copyTileFromRow(scratch, rowBytes, spec, ox, rowY, outFormat, buf)
		tr := newTileFromMemory(id, buf, outFormat, spec.TileWidth*spec.Channels*bpc, spec.TileWidth, spec.TileHeight, 1, spec.Channels)
		f.engine.tiles.insertIfAbsent(tr)
	}
	return true
}

func copyTileFromRow(scratch []byte, rowBytes int, spec ImageSpec, tileX, rowY int, format PixelFormat, out []byte) {
	bpc := format.BytesPerChannel()
	pixelBytes := spec.Channels * bpc
	tileRowBytes := spec.TileWidth * pixelBytes

	for row := 0; row < spec.TileHeight; row++ {
		sy := rowY + row
		if sy >= spec.Height {
			break
		}
		srcOff := row*rowBytes + tileX*pixelBytes
		width := spec.TileWidth
		if tileX+width > spec.Width {
			width = spec.Width - tileX
		}
		if width <= 0 {
			continue
		}
		n := width * pixelBytes
		dstOff := row * tileRowBytes
		if srcOff+n > len(scratch) || dstOff+n > len(out) {
			continue
		}
		copy(out[dstOff:dstOff+n], scratch[srcOff:srcOff+n])
	}
}

// release implements the cooperative two-chance eviction scheme: if used
// is set, clear it and keep the handle open (first pass); otherwise
// close it (second pass). Idempotent when already closed.
func (f *FileRecord) release() {
	f.readerMu.Lock()
	defer f.readerMu.Unlock()

	if f.used.CompareAndSwap(true, false) {
		return
	}
	f.mu.Lock()
	r := f.reader
	f.reader = nil
	f.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

func (f *FileRecord) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reader != nil
}

// invalidate fully resets the record: closes the reader, forgets the
// spec list, clears broken/fingerprint, then reopens to refresh.
func (f *FileRecord) invalidate(threadInfo *PerThreadInfo) {
	f.readerMu.Lock()
	f.mu.Lock()
	r := f.reader
	f.reader = nil
	f.specs = nil
	f.broken = false
	f.fingerprint = ""
	f.untiled = false
	f.unmipped = false
	f.mipUsed = false
	f.mu.Unlock()
	if r != nil {
		r.Close()
	}
	f.discoverLocked(threadInfo)
	f.readerMu.Unlock()
}

func (f *FileRecord) Stats() (opens, tiles, bytes int64, ioTime time.Duration) {
	return f.timesOpened.Load(), f.tilesRead.Load(), f.bytesRead.Load(), time.Duration(f.ioTime.Load())
}

func floorFloat(x float64) float64 {
	i := int64(x)
	if x < 0 && float64(i) != x {
		i--
	}
	return float64(i)
}

func writePixel(dst []byte, px []float32, format PixelFormat) {
	switch format {
	case FormatFloat32:
		for i, v := range px {
			putFloat32(dst[i*4:i*4+4], v)
		}
	case FormatUInt8:
		for i, v := range px {
			iv := int(v*255.0 + 0.5)
			if iv < 0 {
				iv = 0
			}
			if iv > 255 {
				iv = 255
			}
			dst[i] = byte(iv)
		}
	}
}

func putFloat32(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}
