package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/logging"
	"github.com/edgars/konneqt-api-gw/internal/router"
)

// Forwarder relays requests to route targets.
type Forwarder struct {
	client        http.RoundTripper
	timeout       time.Duration
	bodyTimeout   time.Duration
	retries       int
	gatewayHeader string
	gatewayName   string
	breakers      *breakers
	newBackoff    func() backoff.BackOff
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTransport replaces the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.client = rt }
}

// WithBackoff replaces the retry schedule, mostly for tests.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(f *Forwarder) { f.newBackoff = fn }
}

// New creates a Forwarder from the gateway-wide proxy settings.
func New(cfg config.ProxyConfig, opts ...Option) *Forwarder {
	f := &Forwarder{
		timeout:       cfg.Timeout,
		bodyTimeout:   cfg.BodyTimeout,
		retries:       cfg.Retries,
		gatewayHeader: cfg.GatewayHeader,
		gatewayName:   cfg.GatewayName,
		breakers:      newBreakers(),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	if f.timeout <= 0 {
		f.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = NewTransport(TransportConfigFrom(cfg))
	}
	return f
}

// Forward sends in to route's target and returns the upstream response with
// hop-by-hop headers removed and the gateway header added. The body streams
// from the upstream and must be closed by the caller.
//
// The route or proxy timeout covers the wait for response headers only.
// Once headers arrive the body may stream for as long as the client stays,
// unless proxy.body_timeout sets a bound.
//
// Errors are *errors.GatewayError values of kind UpstreamUnavailable or
// UpstreamProtocolError, or ErrClientGone.
func (f *Forwarder) Forward(ctx context.Context, in *http.Request, route *router.Route) (*http.Response, error) {
	timeout := f.timeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	headerTimer := time.AfterFunc(timeout, func() { cancel(errHeaderTimeout) })

	out := newOutboundRequest(callCtx, in, route)
	resp, err := f.roundTrip(callCtx, out, route)
	if !headerTimer.Stop() && err == nil {
		// Headers arrived as the timer fired; the body is already cancelled.
		resp.Body.Close()
		err = errHeaderTimeout
	}
	if err != nil {
		cancel(nil)
		cerr := classify(callCtx, ctx, err)
		if cerr != ErrClientGone {
			logging.Warn("upstream request failed",
				zap.String("route", route.Key),
				zap.String("target", out.URL.Redacted()),
				zap.Error(err),
			)
		}
		return nil, cerr
	}

	removeHopHeaders(resp.Header)
	if f.gatewayHeader != "" {
		resp.Header.Set(f.gatewayHeader, f.gatewayName)
	}
	body := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	if f.bodyTimeout > 0 {
		body.timer = time.AfterFunc(f.bodyTimeout, func() { cancel(errBodyTimeout) })
	}
	resp.Body = body
	return resp, nil
}

// BreakerStates reports circuit breaker states keyed by route.
func (f *Forwarder) BreakerStates() map[string]string {
	return f.breakers.state()
}

// Close drops idle upstream connections. Requests in flight are not affected.
func (f *Forwarder) Close() {
	if t, ok := f.client.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func (f *Forwarder) roundTrip(ctx context.Context, out *http.Request, route *router.Route) (*http.Response, error) {
	send := func() (*http.Response, error) {
		resp, err := f.send(ctx, out)
		if cause := context.Cause(ctx); err != nil && errors.Is(cause, context.DeadlineExceeded) {
			// The transport reports a plain cancellation; keep the deadline
			// visible to the breaker and to classify.
			err = fmt.Errorf("%w (%v)", cause, err)
		}
		return resp, err
	}
	if route.CircuitBreaker.Enabled {
		cb := f.breakers.get(route.Key, route.CircuitBreaker)
		return cb.Execute(send)
	}
	return send()
}

// send performs the request, retrying connection failures of idempotent
// body-less requests with exponential backoff.
func (f *Forwarder) send(ctx context.Context, out *http.Request) (*http.Response, error) {
	if f.retries <= 0 || !isIdempotent(out.Method) || !isBodyless(out) {
		return f.client.RoundTrip(out)
	}

	var resp *http.Response
	attempt := 0
	op := func() error {
		req := out
		if attempt > 0 {
			req = out.Clone(ctx)
		}
		attempt++
		r, err := f.client.RoundTrip(req)
		if err != nil {
			if isConnError(err) && ctx.Err() == nil {
				logging.Debug("retrying upstream request",
					zap.String("target", out.URL.Redacted()),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackoff(), uint64(f.retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

// cancelOnClose releases the upstream call when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func (c *cancelOnClose) Close() error {
	if c.timer != nil {
		c.timer.Stop()
	}
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}
