package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/logging"
)

// breakers holds one circuit breaker per route key.
type breakers struct {
	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func newBreakers() *breakers {
	return &breakers{m: make(map[string]*gobreaker.CircuitBreaker[*http.Response])}
}

func (b *breakers) get(routeKey string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[routeKey]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](breakerSettings(routeKey, cfg))
	b.m[routeKey] = cb
	return cb
}

// state returns the breaker state of every route that has one.
func (b *breakers) state() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.m))
	for k, cb := range b.m {
		out[k] = cb.State().String()
	}
	return out
}

func breakerSettings(name string, cfg config.CircuitBreakerConfig) gobreaker.Settings {
	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	maxReq := uint32(cfg.MaxRequests)
	if maxReq == 0 {
		maxReq = 1
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: maxReq,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state changed",
				zap.String("route", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A cancelled client is not the upstream's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}
