package cacheengine

import "testing"

func TestConfigBoxSnapshotIsolatesFromUpdate(t *testing.T) {
	box := newConfigBox(DefaultConfig())
	snap := box.snapshot()

	box.update(func(c *Config) { c.MaxOpenFiles = 999 })

	if snap.MaxOpenFiles == 999 {
		t.Fatal("snapshot taken before update must not observe the update")
	}
	if got := box.snapshot().MaxOpenFiles; got != 999 {
		t.Fatalf("got %d, want 999 after update", got)
	}
}

func TestMaxMemoryBytes(t *testing.T) {
	c := Config{MaxMemoryMB: 1}
	if got := c.maxMemoryBytes(); got != 1<<20 {
		t.Fatalf("got %d, want %d", got, 1<<20)
	}
}

func TestDefaultConfigAcceptsUntiledAndAutomips(t *testing.T) {
	c := DefaultConfig()
	if !c.AcceptUntiled {
		t.Fatal("default config should accept untiled files")
	}
	if !c.AutoMip {
		t.Fatal("default config should automip single-subimage files")
	}
}
