package cacheengine

import (
	"fmt"
	"sync"
)

// fakeReader is an in-memory Reader used by the tests in this package: a
// single procedurally generated subimage whose pixel value at (x,y) is
// x+16*y, tiled 2x2, one uint8 channel. It never touches the filesystem,
// so the tests exercise FileRecord/FileTable/TileTable/CacheEngine logic
// without depending on libvips or real image files.
type fakeReader struct {
	mu          sync.Mutex
	width       int
	height      int
	tw, th      int
	channels    int
	subimage    int
	description string
	broken      bool
	closed      bool
}

func newFakeReaderFactory(broken bool) ReaderFactory {
	return func(filename, searchpath string) (Reader, error) {
		if broken {
			return nil, fmt.Errorf("fake: cannot open %s", filename)
		}
		return &fakeReader{width: 8, height: 8, tw: 2, th: 2, channels: 1}, nil
	}
}

// fakeReaderSpec configures one named file's shape for tests that need more
// than the default 8x8/2x2 single-subimage shape: a non-empty description
// drives fingerprint-based dedup (FileTable.findOrCreate), and tw/th <= 0
// reports an untiled source (FileRecord.readUntiledLocked).
type fakeReaderSpec struct {
	width, height int
	tw, th        int
	channels      int
	description   string
}

// newConfiguredFakeReaderFactory looks up each filename's shape in specs,
// falling back to the default 8x8/2x2 shape for any name not listed.
func newConfiguredFakeReaderFactory(specs map[string]fakeReaderSpec) ReaderFactory {
	return func(filename, searchpath string) (Reader, error) {
		s, ok := specs[filename]
		if !ok {
			s = fakeReaderSpec{width: 8, height: 8, tw: 2, th: 2, channels: 1}
		}
		if s.channels == 0 {
			s.channels = 1
		}
		return &fakeReader{
			width: s.width, height: s.height,
			tw: s.tw, th: s.th,
			channels:    s.channels,
			description: s.description,
		}, nil
	}
}

func (f *fakeReader) Open(filename string) (ImageSpec, error) {
	if f.broken {
		return ImageSpec{}, fmt.Errorf("broken")
	}
	return f.spec(), nil
}

func (f *fakeReader) spec() ImageSpec {
	attrs := map[string]any{}
	if f.description != "" {
		attrs["ImageDescription"] = f.description
	}
	return ImageSpec{
		Width: f.width, Height: f.height, Depth: 1,
		Channels:   f.channels,
		TileWidth:  f.tw, TileHeight: f.th, TileDepth: 1,
		FullWidth: f.width, FullHeight: f.height,
		Format:     FormatUInt8,
		FileFormat: "fake",
		Attributes: attrs,
	}
}

func (f *fakeReader) SeekSubimage(i int) (ImageSpec, bool) {
	if i != 0 {
		return ImageSpec{}, false
	}
	f.subimage = i
	return f.spec(), true
}

func (f *fakeReader) ReadTile(x, y, z int, outFormat PixelFormat, out []byte) error {
	if outFormat != FormatUInt8 {
		return fmt.Errorf("fake reader only emits uint8")
	}
	idx := 0
	for j := 0; j < f.th; j++ {
		for i := 0; i < f.tw; i++ {
			val := (x + i) + (y+j)*16
			out[idx] = byte(val)
			idx++
		}
	}
	return nil
}

func (f *fakeReader) ReadScanline(y, z int, outFormat PixelFormat, out []byte) error {
	for x := 0; x < f.width; x++ {
		out[x] = byte(x + y*16)
	}
	return nil
}

func (f *fakeReader) ReadImage(outFormat PixelFormat, out []byte) error {
	idx := 0
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			out[idx] = byte(x + y*16)
			idx++
		}
	}
	return nil
}

func (f *fakeReader) Close() error { f.closed = true; return nil }

func (f *fakeReader) FormatName() string { return "fake" }

func (f *fakeReader) CurrentSubimage() int { return f.subimage }

func (f *fakeReader) ErrorMessage() string { return "" }
