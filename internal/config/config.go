package config

import (
	"os"
	"strconv"
)

// Config holds every tunable the cachedemo binary exposes on top of the
// cache engine's own attribute set (SPEC_FULL.md §4.K). Engine attributes
// are read here and applied via CacheEngine.Attribute at startup rather
// than hardcoded, so operators can retune a running demo deployment
// through its environment the same way the reference tool's command-line
// flags would.
type Config struct {
	Port          int
	LogLevel      string
	AllowedOrigin string

	SearchPath      string
	MaxOpenFiles    int
	MaxMemoryMB     float64
	AutoTile        int
	AutoMip         bool
	ForceFloat      bool
	AcceptUntiled   bool
	StatisticsLevel int

	WarmupFiles   string
	WarmupWorkers int
}

func Load() *Config {
	return &Config{
		Port:          getEnvInt("PORT", 8080),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),

		SearchPath:      getEnv("IMAGECACHE_SEARCHPATH", ""),
		MaxOpenFiles:    getEnvInt("IMAGECACHE_MAX_OPEN_FILES", 100),
		MaxMemoryMB:     getEnvFloat("IMAGECACHE_MAX_MEMORY_MB", 256),
		AutoTile:        getEnvInt("IMAGECACHE_AUTOTILE", 0),
		AutoMip:         getEnvBool("IMAGECACHE_AUTOMIP", true),
		ForceFloat:      getEnvBool("IMAGECACHE_FORCEFLOAT", false),
		AcceptUntiled:   getEnvBool("IMAGECACHE_ACCEPT_UNTILED", true),
		StatisticsLevel: getEnvInt("IMAGECACHE_STATISTICS_LEVEL", 1),

		WarmupFiles:   getEnv("WARMUP_FILES", ""),
		WarmupWorkers: getEnvInt("WARMUP_WORKERS", 4),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if fv, err := strconv.ParseFloat(value, 64); err == nil {
			return fv
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if bv, err := strconv.ParseBool(value); err == nil {
			return bv
		}
	}
	return defaultValue
}
