package cacheengine

import "sync"

// sharedOnce guards the process-wide singleton described in spec §6:
// create(shared=true) returns the same instance on every call,
// constructed lazily on first use and never torn down by Destroy even
// though Destroy is a legal call to make on the handle.
var (
	sharedOnce sync.Once
	shared     *CacheEngine
)

// Shared returns the process-wide cache instance, constructing it with
// factory on first call. Subsequent calls ignore factory and return the
// already-built instance — matching the reference design's "lazily
// initialized, never destroyed static cell" (SPEC_FULL.md §9).
func Shared(factory ReaderFactory) *CacheEngine {
	sharedOnce.Do(func() {
		shared = New(factory)
	})
	return shared
}

// Destroy is a no-op on the shared singleton's underlying storage: per
// spec §6, "the handle is dropped but the singleton remains." Destroy
// only matters for independent (non-shared) instances, where it exists
// purely for API symmetry — Go's GC reclaims an unreferenced *CacheEngine
// on its own once the caller drops the last pointer to it.
func Destroy(e *CacheEngine) {
	if e == shared {
		return
	}
}
