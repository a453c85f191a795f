package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecache/internal/cacheengine"
	"tilecache/internal/config"
	"tilecache/internal/httpapi"
	"tilecache/internal/logger"
	"tilecache/internal/vipsreader"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: 0,
		MaxCacheMem:      64 * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.String("message", message))
		}
	}, vips.LogLevelError)
	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	engine := cacheengine.New(vipsreader.Factory)
	engine.Attribute("searchpath", cfg.SearchPath)
	engine.Attribute("max_open_files", cfg.MaxOpenFiles)
	engine.Attribute("max_memory_MB", cfg.MaxMemoryMB)
	engine.Attribute("autotile", cfg.AutoTile)
	engine.Attribute("automip", cfg.AutoMip)
	engine.Attribute("forcefloat", cfg.ForceFloat)
	engine.Attribute("accept_untiled", cfg.AcceptUntiled)
	engine.Attribute("statistics:level", cfg.StatisticsLevel)

	log.Info("cache engine configured",
		zap.Int("max_open_files", cfg.MaxOpenFiles),
		zap.Float64("max_memory_mb", cfg.MaxMemoryMB),
		zap.Bool("automip", cfg.AutoMip),
		zap.Bool("accept_untiled", cfg.AcceptUntiled),
	)

	if cfg.WarmupFiles != "" {
		go warmup(engine, cfg.WarmupFiles, cfg.WarmupWorkers, log)
	}

	handlers := httpapi.New(engine, log, cfg.AllowedOrigin)
	mux := http.NewServeMux()
	mux.HandleFunc("/imagespec", handlers.HandleImageSpec)
	mux.HandleFunc("/pixels", handlers.HandlePixels)
	mux.HandleFunc("/stats", handlers.HandleStats)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	log.Info("cachedemo started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	stats := engine.GetStats(cfg.StatisticsLevel)
	fmt.Println(stats)
	log.Info("cachedemo stopped")
}

// warmup resolves every colon-separated filename in list through a small
// worker pool, forcing get_imagespec on each so the file table and first
// tile reads are primed before real traffic arrives — the cache-engine
// analogue of the teacher's warmupTiles.
func warmup(engine *cacheengine.CacheEngine, list string, workerLimit int, log *zap.Logger) {
	files := strings.Split(list, ":")
	if len(files) == 0 {
		return
	}
	if workerLimit <= 0 {
		workerLimit = 1
	}

	log.Info("starting warmup", zap.Int("files", len(files)), zap.Int("workers", workerLimit))

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, filename := range files {
		filename := strings.TrimSpace(filename)
		if filename == "" {
			continue
		}
		wg.Add(1)
		workerChan <- struct{}{}
		go func(filename string) {
			defer wg.Done()
			defer func() { <-workerChan }()

			thread := engine.PerThread()
			defer engine.ClosePerThread(thread)

			if _, err := engine.GetImageSpec(thread, filename, 0); err != nil {
				log.Debug("warmup failed", zap.String("file", filename), zap.Error(err))
				return
			}
			buf := make([]byte, 64*64*4*4)
			engine.GetPixels(thread, filename, 0, 0, 64, 0, 64, 0, 1, cacheengine.FormatUInt8, buf)
		}(filename)
	}

	wg.Wait()
	log.Info("warmup completed")
}
