package cacheengine

import "sync"

// Config holds the tunables listed in spec §6. CacheEngine keeps one
// behind a mutex and hands out copies (configSnapshot) so the hot read
// paths (FileRecord.Open, TileTable eviction) hold the lock only for the
// copy, never across their own work.
type Config struct {
	MaxOpenFiles  int
	MaxMemoryMB   float64
	SearchPath    string
	StatsLevel    int
	AutoTile      int
	AutoMip       bool
	ForceFloat    bool
	AcceptUntiled bool

	WorldToCommon [16]float32
	CommonToWorld [16]float32
}

// DefaultConfig mirrors the reference implementation's defaults closely
// enough to be a sane out-of-the-box starting point: a modest open-file
// ceiling, a memory budget generous enough for a handful of large tile
// sets, autotiling off, automip on, untiled files accepted.
func DefaultConfig() Config {
	return Config{
		MaxOpenFiles:  100,
		MaxMemoryMB:   256,
		AutoMip:       true,
		AcceptUntiled: true,
	}
}

func (c Config) maxMemoryBytes() int64 {
	return int64(c.MaxMemoryMB * (1 << 20))
}

type configBox struct {
	mu  sync.RWMutex
	cfg Config
}

func newConfigBox(initial Config) *configBox {
	return &configBox{cfg: initial}
}

func (b *configBox) snapshot() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *configBox) update(fn func(*Config)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.cfg)
}
