package server

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"skippy/internal/metrics"
)

// WithDefaults wraps a handler with standard middleware.
func WithDefaults(h http.Handler, logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) http.Handler {
	return LoggingMiddleware(
		TimeoutMiddleware(
			ZstdMiddleware(h),
			timeout,
		),
		logger,
		m,
	)
}

// LoggingMiddleware logs all requests and records their metrics.
func LoggingMiddleware(next http.Handler, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		elapsed := time.Since(start)
		m.Request(r.Method, lw.status, elapsed)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", lw.status, "duration", elapsed)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// TimeoutMiddleware adds a timeout to requests.
func TimeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.TimeoutHandler(next, timeout, "request timeout")
}

// ZstdMiddleware decompresses zstd request bodies and compresses GET
// responses for clients that accept zstd.
func ZstdMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "zstd" {
			zr, err := zstd.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid zstd body", http.StatusBadRequest)
				return
			}
			defer zr.Close()
			r.Body = io.NopCloser(zr)
			r.Header.Del("Content-Encoding")
		}

		if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				http.Error(w, "zstd unavailable", http.StatusInternalServerError)
				return
			}
			defer zw.Close()
			w.Header().Set("Content-Encoding", "zstd")
			w.Header().Add("Vary", "Accept-Encoding")
			w = &zstdResponseWriter{ResponseWriter: w, Writer: zw}
		}

		next.ServeHTTP(w, r)
	})
}

type zstdResponseWriter struct {
	http.ResponseWriter
	io.Writer
}

func (zrw *zstdResponseWriter) Write(p []byte) (int, error) {
	return zrw.Writer.Write(p)
}
