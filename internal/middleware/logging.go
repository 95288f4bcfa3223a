package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/logging"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// Logger receives one entry per request. Defaults to the global logger.
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// entry collects what inner handlers learn about a request.
type entry struct {
	route string
}

type entryKey struct{}

// SetRoute records the matched route key for the access log entry of the
// request carrying ctx. It is a no-op unless the logging middleware or
// WithRouteSlot prepared ctx.
func SetRoute(ctx context.Context, routeKey string) {
	if e, ok := ctx.Value(entryKey{}).(*entry); ok {
		e.route = routeKey
	}
}

// WithRouteSlot makes SetRoute effective for ctx, reusing a slot an outer
// middleware already installed.
func WithRouteSlot(ctx context.Context) context.Context {
	if _, ok := ctx.Value(entryKey{}).(*entry); ok {
		return ctx
	}
	return context.WithValue(ctx, entryKey{}, &entry{})
}

// RouteFromContext returns the route key recorded with SetRoute, if any.
func RouteFromContext(ctx context.Context) string {
	if e, ok := ctx.Value(entryKey{}).(*entry); ok {
		return e.route
	}
	return ""
}

// Logging writes a structured access log entry for every request.
func Logging(cfg LoggingConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wroteHeader = false

			e := &entry{}
			next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), entryKey{}, e)))

			logger := cfg.Logger
			if logger == nil {
				logger = logging.Global()
			}
			fields := make([]zap.Field, 0, 10)
			fields = append(fields,
				zap.String("request_id", GetRequestID(r)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lrw.status),
				zap.Int64("body_bytes", lrw.bytes),
				zap.Duration("response_time", time.Since(start)),
			)
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if e.route != "" {
				fields = append(fields, zap.String("route", e.route))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logger.Info("HTTP request", fields...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = status >= 200
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
