package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/cacheengine"
)

// Handlers exposes the cache engine's query surface over HTTP: enough to
// drive it interactively without a real rendering client, mirroring the
// debug surface the reference implementation's command-line tool offers
// (get_image_info / get_pixels / getstats), per SPEC_FULL.md §4.M.
type Handlers struct {
	engine        *cacheengine.CacheEngine
	logger        *zap.Logger
	allowedOrigin string
}

func New(engine *cacheengine.CacheEngine, logger *zap.Logger, allowedOrigin string) *Handlers {
	return &Handlers{engine: engine, logger: logger, allowedOrigin: allowedOrigin}
}

// CORSMiddleware mirrors the teacher's origin-echo policy: an explicitly
// configured origin wins outright, otherwise same-host requests are
// echoed back, requests without an Origin header get a wildcard, and
// cross-origin requests from any other host get no CORS headers.
func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.allowedOrigin != "" {
			allowedOrigin = h.allowedOrigin
		} else {
			host := r.Host
			if origin != "" && strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

// HandleHealthz reports liveness only; it does not touch the cache.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleImageSpec answers ?file=&subimage= with the subimage's ImageSpec
// as JSON, the HTTP equivalent of get_imagespec (spec §4.G).
func (h *Handlers) HandleImageSpec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filename := r.URL.Query().Get("file")
	if filename == "" {
		http.Error(w, "missing file parameter", http.StatusBadRequest)
		return
	}
	subimage := intParam(r, "subimage", 0)

	thread := h.engine.PerThread()
	defer h.engine.ClosePerThread(thread)

	spec, err := h.engine.GetImageSpec(thread, filename, subimage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}

// HandlePixels answers ?file=&subimage=&x0=&x1=&y0=&y1=&z0=&z1= with a raw
// uint8 pixel block covering [x0,x1)x[y0,y1)x[z0,z1), the HTTP equivalent
// of get_pixels (spec §4.G). z0/z1 default to a single-plane 0..1 slab
// for ordinary 2-D images.
func (h *Handlers) HandlePixels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filename := r.URL.Query().Get("file")
	if filename == "" {
		http.Error(w, "missing file parameter", http.StatusBadRequest)
		return
	}
	subimage := intParam(r, "subimage", 0)
	x0, x1 := intParam(r, "x0", 0), intParam(r, "x1", 0)
	y0, y1 := intParam(r, "y0", 0), intParam(r, "y1", 0)
	z0, z1 := intParam(r, "z0", 0), intParam(r, "z1", 1)
	if x1 <= x0 || y1 <= y0 || z1 <= z0 {
		http.Error(w, "each *1 bound must exceed its *0 bound", http.StatusBadRequest)
		return
	}

	thread := h.engine.PerThread()
	defer h.engine.ClosePerThread(thread)

	spec, err := h.engine.GetImageSpec(thread, filename, subimage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	pixelBytes := spec.Channels * cacheengine.FormatUInt8.BytesPerChannel()
	buf := make([]byte, (x1-x0)*(y1-y0)*(z1-z0)*pixelBytes)
	ok := h.engine.GetPixels(thread, filename, subimage, x0, x1, y0, y1, z0, z1, cacheengine.FormatUInt8, buf)
	if !ok {
		h.logger.Debug("pixel request had partial misses", zap.String("file", filename))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Channels", strconv.Itoa(spec.Channels))
	w.Header().Set("X-Width", strconv.Itoa(x1-x0))
	w.Header().Set("X-Height", strconv.Itoa(y1-y0))
	w.Write(buf)
}

// HandleStats answers ?level= with the GetStats report as plain text.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	level := intParam(r, "level", 1)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.engine.GetStats(level))
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Not for real production use due to potential spoofing but fine for a demo.
func extractIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
	}
	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
