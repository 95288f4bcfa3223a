package interceptor

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
	"github.com/edgars/konneqt-api-gw/internal/logging"
)

type link struct {
	name string
	ic   Interceptor
}

// Chain is the resolved, ordered interceptor list of one route.
type Chain struct {
	pre  []link
	post []link
}

// Len returns the number of pre and post interceptors.
func (c *Chain) Len() (pre, post int) {
	return len(c.pre), len(c.post)
}

// RunPre runs pre interceptors in order. A non-nil response means an
// interceptor terminated the request and nothing else should run.
func (c *Chain) RunPre(ctx context.Context, ex *Exchange) (*Response, error) {
	for _, l := range c.pre {
		resp, err := invoke(ctx, l, StagePre, ex)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			logging.Debug("pre interceptor terminated request",
				zap.String("interceptor", l.name),
				zap.String("route", ex.Route.Key),
				zap.Int("status", resp.StatusCode),
			)
			return resp, nil
		}
	}
	return nil, nil
}

// RunPost runs post interceptors over ex.Response and returns the response to
// relay. An interceptor that returns a response replaces the current one and
// ends the post stage.
func (c *Chain) RunPost(ctx context.Context, ex *Exchange) (*Response, error) {
	for _, l := range c.post {
		resp, err := invoke(ctx, l, StagePost, ex)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			if resp != ex.Response {
				ex.Response.Close()
			}
			ex.Response = resp
			return resp, nil
		}
	}
	return ex.Response, nil
}

func invoke(ctx context.Context, l link, stage Stage, ex *Exchange) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("interceptor panic",
				zap.String("interceptor", l.name),
				zap.String("stage", stage.String()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = nil
			err = gwerrors.ErrInternalServer.WithCause(fmt.Errorf("interceptor %q panicked: %v", l.name, rec))
		}
	}()

	resp, err = l.ic.Intercept(ctx, stage, ex)
	if err != nil {
		if resp != nil && resp != ex.Response {
			resp.Close()
		}
		return nil, gwerrors.ErrInternalServer.WithCause(fmt.Errorf("interceptor %q (%s): %w", l.name, stage, err))
	}
	return resp, nil
}
