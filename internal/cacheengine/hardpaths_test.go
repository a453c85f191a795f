package cacheengine

import (
	"strings"
	"testing"
)

// TestAutoMipSynthesis drives FileRecord.readUnmippedLocked: the default
// fakeReader reports a single subimage with no "textureformat" attribute,
// so discoverLocked appends a synthesized MIP chain when the file is first
// opened, and readUnmippedLocked fills in a level's tiles (spec §4.C path
// 2) the first time pixels of a subimage above 0 are read.
func TestAutoMipSynthesis(t *testing.T) {
	e := newTestEngine(false)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	spec, err := e.GetImageSpec(thread, "a.fake", 0)
	if err != nil {
		t.Fatalf("GetImageSpec(subimage 0): %v", err)
	}
	if spec.Width != 8 || spec.Height != 8 {
		t.Fatalf("got base spec %dx%d, want 8x8", spec.Width, spec.Height)
	}

	rec, ok := e.files.find("a.fake")
	if !ok {
		t.Fatal("expected a.fake to be tracked after open")
	}
	if !rec.Unmipped() {
		t.Fatal("expected automip to mark this file unmipped (no textureformat attribute, automip on)")
	}
	if rec.MipUsed() {
		t.Fatal("MipUsed should stay false before any subimage > 0 is queried")
	}

	level1, err := e.GetImageSpec(thread, "a.fake", 1)
	if err != nil {
		t.Fatalf("GetImageSpec(subimage 1): %v", err)
	}
	if level1.Width != 4 || level1.Height != 4 {
		t.Fatalf("got synthesized level 1 %dx%d, want 4x4 (half of 8x8)", level1.Width, level1.Height)
	}

	out := make([]byte, 1)
	if ok := e.GetPixels(thread, "a.fake", 1, 0, 1, 0, 1, 0, 1, FormatUInt8, out); !ok {
		t.Fatal("expected a synthesized-level pixel read to succeed via readUnmippedLocked")
	}
	if !rec.MipUsed() {
		t.Fatal("MipUsed should flip true once a subimage > 0 has been queried")
	}
}

// TestFingerprintDedup drives FileTable.findOrCreate's dedup branch: two
// distinct filenames whose discovered specs share dimensions, format and
// an ImageDescription attribute must collapse to one FileRecord, with the
// later one marked as a duplicate of the first (spec §4.D step 4).
func TestFingerprintDedup(t *testing.T) {
	factory := newConfiguredFakeReaderFactory(map[string]fakeReaderSpec{
		"original.fake": {width: 8, height: 8, tw: 2, th: 2, channels: 1, description: "same content"},
		"copy.fake":     {width: 8, height: 8, tw: 2, th: 2, channels: 1, description: "same content"},
	})
	e := New(factory)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	if _, err := e.GetImageSpec(thread, "original.fake", 0); err != nil {
		t.Fatalf("GetImageSpec(original.fake): %v", err)
	}
	if _, err := e.GetImageSpec(thread, "copy.fake", 0); err != nil {
		t.Fatalf("GetImageSpec(copy.fake): %v", err)
	}

	original, ok := e.files.find("original.fake")
	if !ok {
		t.Fatal("expected original.fake to be tracked")
	}
	copyRec, ok := e.files.find("copy.fake")
	if !ok {
		t.Fatal("expected copy.fake to be tracked")
	}
	if copyRec != original {
		t.Fatal("expected copy.fake to resolve to the canonical original.fake record")
	}
	if got := e.files.uniqueFileCount(); got != 1 {
		t.Fatalf("got %d unique files, want 1 (fingerprint dedup should collapse these)", got)
	}

	stats := e.GetStats(2)
	if !containsAll(stats, "DUPLICATES", "original.fake") {
		t.Fatalf("expected stats report to show a DUPLICATES line naming the canonical file, got:\n%s", stats)
	}
}

// TestUntiledRowPrefetch drives FileRecord.readUntiledLocked's autotile
// path: a source with no native tile extents forces a whole tile-row of
// scanlines to be decoded, and every other tile that falls entirely
// inside that row is carved out and inserted into the TileTable so a
// later read of that neighbor tile is already resident (spec §4.C path
// 3).
func TestUntiledRowPrefetch(t *testing.T) {
	factory := newConfiguredFakeReaderFactory(map[string]fakeReaderSpec{
		"wide.fake": {width: 16, height: 16, tw: 0, th: 0, channels: 1},
	})
	e := New(factory)
	e.Attribute("autotile", 8)
	thread := e.PerThread()
	defer e.ClosePerThread(thread)

	if _, err := e.GetImageSpec(thread, "wide.fake", 0); err != nil {
		t.Fatalf("GetImageSpec(wide.fake): %v", err)
	}
	rec, ok := e.files.find("wide.fake")
	if !ok {
		t.Fatal("expected wide.fake to be tracked")
	}
	if !rec.Untiled() {
		t.Fatal("expected a file with no native tile extents to be marked untiled")
	}

	out := make([]byte, 8*8)
	if ok := e.GetPixels(thread, "wide.fake", 0, 0, 8, 0, 8, 0, 1, FormatUInt8, out); !ok {
		t.Fatal("expected the forced-row read to succeed")
	}

	neighbor := NewTileID(rec, 0, 8, 0, 0)
	if e.tiles.peek(neighbor) == nil {
		t.Fatal("expected the neighboring tile in the same row to have been prefetched into the TileTable")
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
