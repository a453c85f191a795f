package cacheengine

import (
	"fmt"
	"strings"
)

// Stats is the cache-wide merged view of per-thread and global counters,
// returned by CacheEngine.MergeStats and rendered by GetStats.
type Stats struct {
	FindTileCalls            int64
	FindTileMicrocacheMisses int64
	FindTileCacheMisses      int64

	ImagesOpened int64
	UniqueFiles  int
	OpenFiles    int

	ResidentBytes int64
	MaxMemoryMB   float64
}

// MergeStats walks every live per-thread record and the two shared
// tables and produces one consistent snapshot (spec §2, component I).
func (e *CacheEngine) MergeStats() Stats {
	var s Stats
	e.perthreadMu.Lock()
	for pt := range e.perthreads {
		ts := pt.Stats()
		s.FindTileCalls += ts.FindTileCalls
		s.FindTileMicrocacheMisses += ts.FindTileMicrocacheMisses
		s.FindTileCacheMisses += ts.FindTileCacheMisses
	}
	e.perthreadMu.Unlock()

	e.files.forEach(func(f *FileRecord) {
		opens, _, _, _ := f.Stats()
		s.ImagesOpened += opens
		if f.isOpen() {
			s.OpenFiles++
		}
	})
	s.UniqueFiles = e.files.uniqueFileCount()
	s.ResidentBytes = e.tiles.ResidentBytes()
	s.MaxMemoryMB = e.configSnapshot().MaxMemoryMB
	return s
}

// GetStats renders a human-readable multi-line report. At level >= 2 it
// appends one line per file in the format from spec §6:
// "index opens tiles MB_read IO_time  WxHxC.format  filename  [flags]".
func (e *CacheEngine) GetStats(level int) string {
	if level <= 0 {
		return ""
	}
	s := e.MergeStats()
	var b strings.Builder

	fmt.Fprintf(&b, "Image cache statistics\n")
	fmt.Fprintf(&b, "  Images : %d unique, %d opens\n", s.UniqueFiles, s.ImagesOpened)
	fmt.Fprintf(&b, "  Tiles  : %d find_tile calls (%d microcache misses, %d cache misses)\n",
		s.FindTileCalls, s.FindTileMicrocacheMisses, s.FindTileCacheMisses)
	fmt.Fprintf(&b, "  Memory : %d MB resident / %.1f MB max (%d open files)\n",
		s.ResidentBytes>>20, s.MaxMemoryMB, s.OpenFiles)

	if level >= 2 {
		idx := 0
		e.files.forEach(func(f *FileRecord) {
			idx++
			opens, tiles, bytes, ioTime := f.Stats()
			spec := f.SubimageSpec(0)
			line := fmt.Sprintf("  %d %d %d %.2f %.3f  %dx%dx%d.%s  %s",
				idx, opens, tiles, float64(bytes)/(1<<20), ioTime.Seconds(),
				spec.Width, spec.Height, spec.Channels, spec.Format, f.Filename())

			if dup := f.Duplicate(); dup != nil {
				fmt.Fprintf(&b, "%s DUPLICATES %s\n", line, dup.Filename())
				return
			}
			if f.Untiled() {
				line += " [UNTILED]"
			}
			if f.Unmipped() {
				line += " [UNMIPPED]"
			}
			if !f.Unmipped() && f.SubimageCount() > 1 && !f.MipUsed() {
				line += " [MIP-UNUSED]"
			}
			fmt.Fprintf(&b, "%s\n", line)
		})
	}

	return b.String()
}
