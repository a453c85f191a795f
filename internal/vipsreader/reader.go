// Package vipsreader implements cacheengine.Reader on top of libvips via
// cshum/vipsgen, the same binding the teacher renderer used for on-demand
// tile extraction. Unlike the teacher's one-shot ExtractArea/Resize/Embed
// pipeline, a cacheengine.Reader must answer many independent tile/scanline
// reads against one open file, so every read here starts from a fresh
// vips pipeline rooted at the same loader call: libvips' own operation
// cache (vips_cache) makes repeating the load cheap, which is what lets
// this reader avoid holding a mutable *vips.Image across calls.
package vipsreader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"

	"tilecache/internal/cacheengine"
)

// Factory is a cacheengine.ReaderFactory backed by vipsreader. searchpath
// is accepted for interface symmetry with spec §4.H; resolution already
// happened in CacheEngine.ResolveFilename before the factory is called.
func Factory(filename, searchpath string) (cacheengine.Reader, error) {
	r := &Reader{path: filename}
	return r, nil
}

// Reader holds no live *vips.Image between calls — only the metadata
// discovered at Open/SeekSubimage time. Every ReadTile/ReadScanline/
// ReadImage call reopens the file through the same vips loader, relying
// on libvips' operation cache to make the repeated decode cheap.
type Reader struct {
	path   string
	format string // "tiff", "jpeg", "png", "webp"

	mu        sync.Mutex
	subimage  int
	pageCount int

	width, height, channels int
	tileWidth, tileHeight   int // 0,0 means untiled

	lastErr string
}

func loaderFor(format string) (string, error) {
	switch format {
	case ".tif", ".tiff":
		return "tiff", nil
	case ".jpg", ".jpeg":
		return "jpeg", nil
	case ".png":
		return "png", nil
	case ".webp":
		return "webp", nil
	default:
		return "", fmt.Errorf("vipsreader: unsupported image format %q", format)
	}
}

func (r *Reader) load(page int) (*vips.Image, error) {
	switch r.format {
	case "tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = vips.AccessRandom
		opts.Page = page
		return vips.NewTiffload(r.path, opts)
	case "jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = vips.AccessRandom
		return vips.NewJpegload(r.path, opts)
	case "png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = vips.AccessRandom
		return vips.NewPngload(r.path, opts)
	case "webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = vips.AccessRandom
		opts.Page = page
		return vips.NewWebpload(r.path, opts)
	default:
		return nil, fmt.Errorf("vipsreader: reader not initialized")
	}
}

// Open loads subimage 0 and reports its spec.
func (r *Reader) Open(filename string) (cacheengine.ImageSpec, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	format, err := loaderFor(ext)
	if err != nil {
		r.lastErr = err.Error()
		return cacheengine.ImageSpec{}, err
	}
	r.path = filename
	r.format = format

	img, err := r.load(0)
	if err != nil {
		r.lastErr = err.Error()
		return cacheengine.ImageSpec{}, err
	}
	defer img.Close()

	r.pageCount = pageCount(img)
	spec := r.specFromImage(img)
	r.subimage = 0
	r.width, r.height, r.channels = spec.Width, spec.Height, spec.Channels
	r.tileWidth, r.tileHeight = spec.TileWidth, spec.TileHeight
	return spec, nil
}

// SeekSubimage moves to page i (multi-page TIFF/WebP only; every other
// format reports ok=false for any i != 0).
func (r *Reader) SeekSubimage(i int) (cacheengine.ImageSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= r.pageCount {
		return cacheengine.ImageSpec{}, false
	}
	img, err := r.load(i)
	if err != nil {
		r.lastErr = err.Error()
		return cacheengine.ImageSpec{}, false
	}
	defer img.Close()

	spec := r.specFromImage(img)
	r.subimage = i
	r.width, r.height, r.channels = spec.Width, spec.Height, spec.Channels
	r.tileWidth, r.tileHeight = spec.TileWidth, spec.TileHeight
	return spec, true
}

func (r *Reader) CurrentSubimage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subimage
}

// ReadTile extracts a tileWidth x tileHeight region at (x,y) out of the
// current subimage. Only ever called by FileRecord when the discovered
// spec reported real (non-zero) tile extents — i.e. genuinely tiled
// source files — so r.tileWidth/r.tileHeight are always valid here.
func (r *Reader) ReadTile(x, y, z int, outFormat cacheengine.PixelFormat, out []byte) error {
	r.mu.Lock()
	page, tw, th, imgW, imgH := r.subimage, r.tileWidth, r.tileHeight, r.width, r.height
	r.mu.Unlock()

	img, err := r.load(page)
	if err != nil {
		r.lastErr = err.Error()
		return err
	}
	defer img.Close()

	w, h := tw, th
	if x+w > imgW {
		w = imgW - x
	}
	if y+h > imgH {
		h = imgH - y
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("vipsreader: tile (%d,%d) out of bounds", x, y)
	}

	if err := img.ExtractArea(x, y, w, h); err != nil {
		r.lastErr = err.Error()
		return err
	}
	return extractPixels(img, outFormat, tw, th, out)
}

// ReadScanline reads one full-width row of the current subimage, used
// only on the untiled path (FileRecord.readUntiledLocked).
func (r *Reader) ReadScanline(y, z int, outFormat cacheengine.PixelFormat, out []byte) error {
	r.mu.Lock()
	page, imgW := r.subimage, r.width
	r.mu.Unlock()

	img, err := r.load(page)
	if err != nil {
		r.lastErr = err.Error()
		return err
	}
	defer img.Close()

	if err := img.ExtractArea(0, y, imgW, 1); err != nil {
		r.lastErr = err.Error()
		return err
	}
	return extractPixels(img, outFormat, imgW, 1, out)
}

// ReadImage reads the entire current subimage, used on the untiled path
// when autotile is disabled.
func (r *Reader) ReadImage(outFormat cacheengine.PixelFormat, out []byte) error {
	r.mu.Lock()
	page, imgW, imgH := r.subimage, r.width, r.height
	r.mu.Unlock()

	img, err := r.load(page)
	if err != nil {
		r.lastErr = err.Error()
		return err
	}
	defer img.Close()

	return extractPixels(img, outFormat, imgW, imgH, out)
}

func (r *Reader) Close() error { return nil }

func (r *Reader) FormatName() string { return r.format }

func (r *Reader) ErrorMessage() string { return r.lastErr }

// extractPixels pulls img's raw pixel memory and copies width*height
// pixels into out, casting to outFormat first if the native band format
// disagrees (libvips' own vips_cast, rather than a hand-rolled sample
// converter, since the pipeline is already built from vips operations).
func extractPixels(img *vips.Image, outFormat cacheengine.PixelFormat, width, height int, out []byte) error {
	target := vips.BandFormatUchar
	if outFormat == cacheengine.FormatFloat32 {
		target = vips.BandFormatFloat
	}
	if img.Format() != target {
		if err := img.Cast(target); err != nil {
			return fmt.Errorf("vipsreader: cast: %w", err)
		}
	}

	buf, err := img.ToBytes()
	if err != nil {
		return fmt.Errorf("vipsreader: export: %w", err)
	}
	// The extracted region may be narrower than width (an edge tile), so
	// copy row by row into out's width-pixel rows.
	pixelBytes := img.Bands() * outFormat.BytesPerChannel()
	srcRow := img.Width() * pixelBytes
	dstRow := width * pixelBytes
	n := srcRow
	if n > dstRow {
		n = dstRow
	}
	for y := 0; y < height && y < img.Height(); y++ {
		so, do := y*srcRow, y*dstRow
		if so+n > len(buf) || do+n > len(out) {
			break
		}
		copy(out[do:do+n], buf[so:so+n])
	}
	return nil
}

// specFromImage builds an ImageSpec from a freshly loaded vips image,
// probing the libvips header for tiff-tilewidth/tiff-tileheight to tell
// a genuinely tiled source from one the engine must autotile itself
// (spec §4.C path 3).
func (r *Reader) specFromImage(img *vips.Image) cacheengine.ImageSpec {
	w, h, ch := img.Width(), img.Height(), img.Bands()

	spec := cacheengine.ImageSpec{
		Width:      w,
		Height:     h,
		Depth:      1,
		Channels:   ch,
		FullWidth:  w,
		FullHeight: h,
		FileFormat: r.format,
		Attributes: map[string]any{},
	}

	if tw, ok := headerInt(img, "tiff-tilewidth"); ok {
		if th, ok2 := headerInt(img, "tiff-tileheight"); ok2 {
			spec.TileWidth, spec.TileHeight = tw, th
		}
	}

	if desc, ok := headerString(img, "image-description"); ok {
		spec.Attributes["ImageDescription"] = desc
	}

	switch img.Format() {
	case vips.BandFormatFloat, vips.BandFormatDouble:
		spec.Format = cacheengine.FormatFloat32
	default:
		spec.Format = cacheengine.FormatUInt8
	}

	return spec
}

func pageCount(img *vips.Image) int {
	if n, ok := headerInt(img, "n-pages"); ok && n > 0 {
		return n
	}
	return 1
}

func headerInt(img *vips.Image, field string) (int, bool) {
	v, err := img.GetInt(field)
	if err != nil {
		return 0, false
	}
	return v, true
}

func headerString(img *vips.Image, field string) (string, bool) {
	v, err := img.GetString(field)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}
