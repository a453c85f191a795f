package cacheengine

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestEngine(broken bool) *CacheEngine {
	return New(newFakeReaderFactory(broken))
}

func TestGetImageSpec(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	spec, err := e.GetImageSpec(thread, "a.fake", 0)
	if err != nil {
		t.Fatalf("GetImageSpec: %v", err)
	}
	if spec.Width != 8 || spec.Height != 8 {
		t.Fatalf("got %dx%d, want 8x8", spec.Width, spec.Height)
	}
	if spec.TileWidth != 2 || spec.TileHeight != 2 {
		t.Fatalf("got tile %dx%d, want 2x2", spec.TileWidth, spec.TileHeight)
	}
}

func TestGetImageSpecBadSubimage(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	if _, err := e.GetImageSpec(thread, "a.fake", 5); !errors.Is(err, ErrBadSubimage) {
		t.Fatalf("got %v, want ErrBadSubimage", err)
	}
}

func TestGetImageSpecBroken(t *testing.T) {
	e := newTestEngine(true)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	if _, err := e.GetImageSpec(thread, "a.fake", 0); err == nil {
		t.Fatal("expected error for broken reader")
	}
	if msg := e.GetError(thread); msg == "" {
		t.Fatal("expected GetError to report the failure")
	}
}

func TestGetPixelsFullImage(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	out := make([]byte, 8*8)
	ok := e.GetPixels(thread, "a.fake", 0, 0, 8, 0, 8, 0, 1, FormatUInt8, out)
	if !ok {
		t.Fatal("GetPixels reported failure")
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := byte(x + y*16)
			got := out[y*8+x]
			if got != want {
				t.Fatalf("pixel (%d,%d): got %d want %d", x, y, got, want)
			}
		}
	}
}

func TestGetPixelsSubRegion(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	// A 3x3 region straddling a 2x2 tile boundary, exercising the tile
	// lookup/microcache path across multiple distinct tiles.
	out := make([]byte, 3*3)
	ok := e.GetPixels(thread, "a.fake", 0, 1, 4, 1, 4, 0, 1, FormatUInt8, out)
	if !ok {
		t.Fatal("GetPixels reported failure")
	}
	idx := 0
	for y := 1; y < 4; y++ {
		for x := 1; x < 4; x++ {
			want := byte(x + y*16)
			if out[idx] != want {
				t.Fatalf("pixel (%d,%d): got %d want %d", x, y, out[idx], want)
			}
			idx++
		}
	}
}

func TestGetTileAndPixels(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	tile, err := e.GetTile(thread, "a.fake", 0, 2, 2, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	defer e.ReleaseTile(tile)

	pixels, format := e.TilePixels(tile)
	if format != FormatUInt8 {
		t.Fatalf("got format %v, want uint8", format)
	}
	if len(pixels) != 4 {
		t.Fatalf("got %d bytes, want 4", len(pixels))
	}
	if pixels[0] != byte(2+2*16) {
		t.Fatalf("got %d, want %d", pixels[0], 2+2*16)
	}
}

func TestMicrocacheHitsAvoidTableMiss(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	out := make([]byte, 1)
	e.GetPixels(thread, "a.fake", 0, 0, 1, 0, 1, 0, 1, FormatUInt8, out)
	e.GetPixels(thread, "a.fake", 0, 0, 1, 0, 1, 0, 1, FormatUInt8, out)

	stats := thread.Stats()
	if stats.FindTileCalls != 2 {
		t.Fatalf("got %d find_tile calls, want 2", stats.FindTileCalls)
	}
	if stats.FindTileMicrocacheMisses != 1 {
		t.Fatalf("got %d microcache misses, want 1 (second lookup should hit)", stats.FindTileMicrocacheMisses)
	}
	if stats.FindTileCacheMisses != 1 {
		t.Fatalf("got %d cache misses, want 1 (second lookup should not reach the tile table)", stats.FindTileCacheMisses)
	}
}

func TestAttributeRoundTrip(t *testing.T) {
	e := newTestEngine(false)

	if !e.Attribute("max_open_files", 10) {
		t.Fatal("Attribute rejected valid int")
	}
	v, ok := e.GetAttribute("max_open_files")
	if !ok || v.(int) != 10 {
		t.Fatalf("got %v, ok=%v", v, ok)
	}

	if e.Attribute("max_open_files", "not-an-int") {
		t.Fatal("Attribute accepted a type mismatch")
	}
	if e.Attribute("nonexistent", 1) {
		t.Fatal("Attribute accepted an unknown name")
	}
}

func TestInvalidateDropsTiles(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	out := make([]byte, 1)
	e.GetPixels(thread, "a.fake", 0, 0, 1, 0, 1, 0, 1, FormatUInt8, out)
	if e.tiles.Len() == 0 {
		t.Fatal("expected at least one resident tile before invalidate")
	}

	e.Invalidate("a.fake")
	if e.tiles.Len() != 0 {
		t.Fatalf("got %d resident tiles after invalidate, want 0", e.tiles.Len())
	}

	// The per-thread microcache must also be purged so a stale handle
	// from before invalidation isn't served after.
	thread.checkPurge()
	if thread.current.Load() != nil || thread.previous.Load() != nil {
		t.Fatal("expected microcache to be cleared by invalidate's purge broadcast")
	}
}

func TestInvalidateAllForceRediscoversEveryFile(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	e.GetImageSpec(thread, "a.fake", 0)
	e.GetImageSpec(thread, "b.fake", 0)

	e.InvalidateAll(true)

	for _, name := range []string{"a.fake", "b.fake"} {
		f, ok := e.files.find(name)
		if !ok {
			t.Fatalf("expected %s to stay tracked after invalidate_all", name)
		}
		if opens, _, _, _ := f.Stats(); opens != 2 {
			t.Fatalf("%s: got %d opens, want 2 (invalidate_all(force) must rediscover it)", name, opens)
		}
	}

	if _, err := e.GetImageSpec(thread, "a.fake", 0); err != nil {
		t.Fatalf("file should reopen cleanly after invalidate_all: %v", err)
	}
}

func TestMtimeChangedDetectsRealFileEdit(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	tmp, err := os.CreateTemp(t.TempDir(), "probe-*.fake")
	if err != nil {
		t.Fatal(err)
	}
	path := tmp.Name()
	tmp.Close()

	if _, err := e.GetImageSpec(thread, path, 0); err != nil {
		t.Fatalf("GetImageSpec: %v", err)
	}
	file, ok := e.files.find(path)
	if !ok {
		t.Fatal("expected file to be tracked after open")
	}
	if mtimeChanged(file) {
		t.Fatal("mtime should not appear changed immediately after open")
	}

	edited := file.lastModified.Add(time.Hour)
	if err := os.Chtimes(path, edited, edited); err != nil {
		t.Fatal(err)
	}
	if !mtimeChanged(file) {
		t.Fatal("mtime should appear changed once the file's modification time moves")
	}
}

func TestStatsReportIncludesFilename(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	e.GetImageSpec(thread, "a.fake", 0)
	report := e.GetStats(2)
	if !strings.Contains(report, "a.fake") {
		t.Fatalf("stats report missing filename:\n%s", report)
	}
}

func TestGetStatsLevelZeroIsEmpty(t *testing.T) {
	e := newTestEngine(false)
	if got := e.GetStats(0); got != "" {
		t.Fatalf("got %q, want empty string at level 0", got)
	}
}
