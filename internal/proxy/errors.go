package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sony/gobreaker/v2"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// ErrClientGone is returned when the inbound request was cancelled before
// the upstream answered. There is nobody left to write a response to.
var ErrClientGone = errors.New("client disconnected")

var (
	errHeaderTimeout = fmt.Errorf("upstream response headers: %w", context.DeadlineExceeded)
	errBodyTimeout   = fmt.Errorf("upstream response body: %w", context.DeadlineExceeded)
)

// classify maps a transport error to a gateway error. ctx is the per-call
// context; its cause tells a forwarding deadline from other cancellations.
func classify(ctx context.Context, parent context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return gwerrors.ErrBadGateway.WithDetails("circuit breaker open").WithCause(err)

	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return ErrClientGone

	case errors.Is(err, context.DeadlineExceeded), errors.Is(context.Cause(ctx), context.DeadlineExceeded), isTimeout(err):
		return gwerrors.ErrGatewayTimeout.WithDetails("upstream did not respond in time").WithCause(err)

	case isProtocolError(err):
		return gwerrors.ErrUpstreamProtocol.WithDetails("malformed upstream response").WithCause(err)
	}
	return gwerrors.ErrBadGateway.WithDetails("upstream unavailable").WithCause(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnError reports failures where no request reached the upstream
// application, which makes a retry safe for idempotent requests.
func isConnError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout()
}

func isProtocolError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") ||
		strings.Contains(msg, "HTTP response to HTTPS client") ||
		strings.Contains(msg, "invalid header field")
}
