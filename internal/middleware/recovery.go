package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/errors"
	"github.com/edgars/konneqt-api-gw/internal/logging"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the goroutine stack for LogFunc.
	PrintStack bool
	// LogFunc receives the recovered value. Defaults to an error log entry.
	LogFunc func(err any, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
}

// Recovery creates a recovery middleware with default config
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig turns a handler panic into a 500 response so the
// connection is never torn down by a panicking request.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	if cfg.LogFunc == nil {
		cfg.LogFunc = func(err any, stack []byte) {
			logging.Error("panic recovered",
				zap.String("panic", fmt.Sprint(err)),
				zap.ByteString("stack", stack),
			)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// Let net/http handle its own abort sentinel.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				cfg.LogFunc(rec, stack)

				errors.ErrInternalServer.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
