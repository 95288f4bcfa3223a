package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/logging"
)

// GlobalScope is the route key used for the gateway-wide limit, which is
// keyed by client identity alone.
const GlobalScope = "*"

// Limit is a fixed-window policy: at most Max requests per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// LimitFrom converts a config block. A nil block yields the zero Limit.
func LimitFrom(rl *config.RateLimitConfig) Limit {
	if rl == nil {
		return Limit{}
	}
	return Limit{Max: rl.Max, Window: rl.Window.Std()}
}

// Enabled reports whether the limit is usable.
func (l Limit) Enabled() bool {
	return l.Max > 0 && l.Window > 0
}

// String renders the limit as "<max>/<window>", e.g. "100/1m0s".
func (l Limit) String() string {
	return strconv.Itoa(l.Max) + "/" + l.Window.String()
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Count      int
	Remaining  int
	ResetAt    time.Time
	ResetIn    time.Duration // time left in the current window
	RetryAfter time.Duration // set only when the request was limited
	// NearLimit is set when the request consumed the second to last slot.
	NearLimit bool
}

type counter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
	window      time.Duration
}

// Limiter counts requests per (route, client) in fixed windows. It is safe
// for concurrent use and is shared across configuration reloads.
type Limiter struct {
	counters *counterTable
	now      func() time.Time
	logger   *zap.Logger

	sweepInterval time.Duration
	idleTTL       time.Duration

	exceededLog *rate.Sometimes
	nearLog     *rate.Sometimes

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often idle counters are evicted. Zero disables
// the background sweeper; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithIdleTTL keeps counters at least this long after their last request.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithLogger sets the logger used for limit warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter and starts its sweeper.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		counters:      newCounterTable(),
		now:           time.Now,
		sweepInterval: time.Minute,
		exceededLog:   &rate.Sometimes{First: 10, Interval: time.Second},
		nearLog:       &rate.Sometimes{First: 10, Interval: time.Second},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.Global()
	}

	if l.sweepInterval > 0 {
		go l.sweepLoop()
	} else {
		close(l.done)
	}
	return l
}

// Check records one request for client on routeKey and reports whether it is
// within limit. Requests over the limit are still counted.
func (l *Limiter) Check(routeKey, client string, limit Limit) Decision {
	if !limit.Enabled() {
		return Decision{Allowed: true}
	}

	now := l.now()
	key := counterKey{route: routeKey, client: client}

	s := l.counters.shardFor(key)
	s.mu.Lock()
	c, ok := s.items[key]
	if !ok {
		c = &counter{windowStart: now}
		s.items[key] = c
	}
	if now.Sub(c.windowStart) >= limit.Window {
		c.count = 0
		c.windowStart = now
	}
	c.count++
	c.lastSeen = now
	c.window = limit.Window
	count := c.count
	resetAt := c.windowStart.Add(limit.Window)
	s.mu.Unlock()

	d := Decision{
		Allowed:   count <= limit.Max,
		Limit:     limit.Max,
		Count:     count,
		Remaining: max(limit.Max-count, 0),
		ResetAt:   resetAt,
		ResetIn:   resetAt.Sub(now),
		NearLimit: count == limit.Max-1,
	}

	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		l.exceededLog.Do(func() {
			l.logger.Warn("rate limit exceeded",
				zap.String("route", routeKey),
				zap.String("client", client),
				zap.Int("count", count),
				zap.Int("max", limit.Max),
			)
		})
	} else if d.NearLimit {
		l.nearLog.Do(func() {
			l.logger.Warn("client nearing rate limit",
				zap.String("route", routeKey),
				zap.String("client", client),
				zap.Int("count", count),
				zap.Int("max", limit.Max),
			)
		})
	}
	return d
}

// Sweep evicts counters idle for longer than max(2×window, idle TTL) and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	return l.counters.deleteFunc(func(_ counterKey, c *counter) bool {
		ttl := max(2*c.window, l.idleTTL)
		return now.Sub(c.lastSeen) > ttl
	})
}

// Len returns the number of live counters.
func (l *Limiter) Len() int {
	return l.counters.len()
}

// Close stops the sweeper. It is safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Limiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("evicted idle rate limit counters", zap.Int("count", n))
			}
		case <-l.stop:
			return
		}
	}
}
