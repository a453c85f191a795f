package cacheengine

import "sync"

// Reader is the contract the cache requires of any external image-format
// plugin. Implementations are never assumed to be thread-safe: the cache
// always holds the owning FileRecord's reader mutex across every call
// listed here. See internal/vipsreader for the concrete implementation
// wired into this repo, and §4.H of SPEC_FULL.md for the full contract.
type Reader interface {
	// Open opens filename (resolved against searchpath by the caller)
	// and returns the spec of subimage 0.
	Open(filename string) (ImageSpec, error)

	// SeekSubimage moves to subimage i and returns its spec. ok is
	// false once i runs past the last subimage; the reader's position
	// is left on the final valid subimage when that happens.
	SeekSubimage(i int) (spec ImageSpec, ok bool)

	// ReadTile reads one tile of the current subimage into out, which
	// is pre-sized for tile_width*tile_height*tile_depth*channels
	// samples in outFormat.
	ReadTile(x, y, z int, outFormat PixelFormat, out []byte) error

	// ReadScanline reads one scanline (z fixed, all x, one y) of the
	// current subimage into out.
	ReadScanline(y, z int, outFormat PixelFormat, out []byte) error

	// ReadImage reads the entire current subimage into out.
	ReadImage(outFormat PixelFormat, out []byte) error

	Close() error

	FormatName() string
	CurrentSubimage() int
	ErrorMessage() string
}

// ReaderFactory constructs a new Reader for a filename. The cache never
// assumes readers are reusable across files, so a fresh one is created
// per FileRecord open attempt.
type ReaderFactory func(filename, searchpath string) (Reader, error)

// LastReaderError is a process-wide error slot some reader plugins use
// to report construction failures that precede having a Reader value to
// call ErrorMessage on (mirrors the "process-wide last_error()" entry in
// the Reader contract, §4.H).
var lastReaderError struct {
	mu  sync.RWMutex
	msg string
}

func setLastReaderError(msg string) {
	lastReaderError.mu.Lock()
	lastReaderError.msg = msg
	lastReaderError.mu.Unlock()
}

// LastReaderError returns the most recently recorded process-wide reader
// construction error, if any.
func LastReaderError() string {
	lastReaderError.mu.RLock()
	defer lastReaderError.mu.RUnlock()
	return lastReaderError.msg
}
