package cacheengine

import "errors"

// Sentinel error kinds the cache surfaces. Callers compare with errors.Is;
// every operation that can fail wraps one of these with call-specific
// context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound means no reader could be constructed for the filename.
	ErrNotFound = errors.New("image cache: file not found")

	// ErrBroken means a reader was constructed but the file is malformed,
	// or a previous open attempt already failed and was never invalidated.
	ErrBroken = errors.New("image cache: file broken")

	// ErrBadSubimage means the requested subimage index is out of range.
	ErrBadSubimage = errors.New("image cache: subimage out of range")

	// ErrUnsupportedConfig means the file violates a configured policy,
	// e.g. an untiled scanline file when accept_untiled is false.
	ErrUnsupportedConfig = errors.New("image cache: unsupported configuration")

	// ErrReadFailed means a tile or scanline read failed at the reader.
	ErrReadFailed = errors.New("image cache: read failed")

	// ErrTypeMismatch means an attribute get/set disagreed on type.
	ErrTypeMismatch = errors.New("image cache: attribute type mismatch")
)
