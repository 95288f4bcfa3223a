package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/interceptor"
	"github.com/edgars/konneqt-api-gw/internal/logging"
	"github.com/edgars/konneqt-api-gw/internal/metrics"
	"github.com/edgars/konneqt-api-gw/internal/middleware"
	"github.com/edgars/konneqt-api-gw/internal/proxy"
	"github.com/edgars/konneqt-api-gw/internal/ratelimit"
	"github.com/edgars/konneqt-api-gw/internal/tracing"
)

// Gateway is the request dispatcher. Route-scoped state lives behind an
// atomic pointer and is swapped whole on reload; the rate limiter is shared
// across reloads so counters survive a configuration change.
type Gateway struct {
	state   atomic.Pointer[dispatchState]
	limiter *ratelimit.Limiter
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	logger  *zap.Logger
	handler http.Handler

	factories   map[string]interceptor.Factory
	proxyOpts   []proxy.Option
	limiterOpts []ratelimit.Option
	tracerOpts  []tracing.Option
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithInterceptor registers an extra interceptor factory next to the built-ins.
func WithInterceptor(name string, f interceptor.Factory) Option {
	return func(g *Gateway) {
		if g.factories == nil {
			g.factories = make(map[string]interceptor.Factory)
		}
		g.factories[name] = f
	}
}

// WithProxyOptions passes options to every forwarder the gateway builds.
func WithProxyOptions(opts ...proxy.Option) Option {
	return func(g *Gateway) { g.proxyOpts = append(g.proxyOpts, opts...) }
}

// WithLimiterOptions passes options to the rate limiter.
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(g *Gateway) { g.limiterOpts = append(g.limiterOpts, opts...) }
}

// WithTracerOptions passes options to the tracer.
func WithTracerOptions(opts ...tracing.Option) Option {
	return func(g *Gateway) { g.tracerOpts = append(g.tracerOpts, opts...) }
}

// WithLogger sets the logger used for dispatch and access logs.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New builds a gateway from cfg. Every route, interceptor and target is
// resolved here, so a returned error means the configuration cannot serve.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		metrics: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Global()
	}

	st, err := g.buildState(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.New(cfg.Tracing, g.tracerOpts...)
	if err != nil {
		st.forwarder.Close()
		return nil, err
	}
	g.tracer = tracer

	limiterOpts := []ratelimit.Option{
		ratelimit.WithSweepInterval(cfg.RateLimiter.SweepInterval),
		ratelimit.WithIdleTTL(cfg.RateLimiter.IdleTTL),
		ratelimit.WithLogger(g.logger),
	}
	g.limiter = ratelimit.New(append(limiterOpts, g.limiterOpts...)...)
	g.metrics.GaugeFunc("rate_limit_counters", "Live rate limit counters.", func() float64 {
		return float64(g.limiter.Len())
	})

	g.state.Store(st)
	g.handler = middleware.NewChain(
		middleware.RequestID(),
		middleware.Logging(middleware.LoggingConfig{Logger: g.logger}),
		middleware.Recovery(),
		g.tracer.Middleware(),
	).Then(http.HandlerFunc(g.serveHTTP))

	return g, nil
}

// ServeHTTP runs the request through the ambient middleware and the dispatcher.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Reload builds a new dispatch state from cfg and swaps it in. On failure
// the current state keeps serving.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	st, err := g.buildState(cfg)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		g.logger.Error("config reload failed, keeping current configuration", zap.Error(err))
		return result
	}

	old := g.state.Swap(st)
	result.Changes = diffRoutes(old.config, cfg)
	result.Success = true
	old.forwarder.Close()

	g.metrics.RecordReload(true)
	g.logger.Info("configuration reloaded",
		zap.Int("routes", len(cfg.Routes)),
		zap.Strings("changes", result.Changes),
	)
	return result
}

// CheckInterceptor reports whether name is registered for stage, counting
// factories added with WithInterceptor. It matches config.InterceptorCheck.
func (g *Gateway) CheckInterceptor(name, stage string) error {
	return g.state.Load().registry.Check(name, stage)
}

// Config returns the configuration currently being served.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().config
}

// Metrics exposes the gateway's collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Limiter exposes the shared rate limiter.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// Close stops background work and flushes traces.
func (g *Gateway) Close() error {
	g.limiter.Close()
	g.state.Load().forwarder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.tracer.Close(ctx)
}
