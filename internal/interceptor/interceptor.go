// Package interceptor holds the named request/response hooks a route can run
// before and after it is dispatched.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
	"github.com/edgars/konneqt-api-gw/internal/router"
)

// Stage is a bit set of pipeline stages.
type Stage uint8

const (
	StagePre Stage = 1 << iota
	StagePost

	StageBoth = StagePre | StagePost
)

func (s Stage) String() string {
	switch s {
	case StagePre:
		return "pre"
	case StagePost:
		return "post"
	case StageBoth:
		return "pre+post"
	}
	return "none"
}

// Has reports whether s includes every bit of other.
func (s Stage) Has(other Stage) bool {
	return other != 0 && s&other == other
}

// ParseStage maps "pre" or "post" to a Stage.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(s) {
	case "pre":
		return StagePre, nil
	case "post":
		return StagePost, nil
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

// Interceptor observes or mutates an exchange. Returning a non-nil Response
// terminates the pipeline with that response. Returning an error aborts the
// request with a generic 500.
type Interceptor interface {
	Intercept(ctx context.Context, stage Stage, ex *Exchange) (*Response, error)
}

// Func adapts a function to the Interceptor interface.
type Func func(ctx context.Context, stage Stage, ex *Exchange) (*Response, error)

func (f Func) Intercept(ctx context.Context, stage Stage, ex *Exchange) (*Response, error) {
	return f(ctx, stage, ex)
}

// Exchange is the in-flight request/response pair shared by every
// interceptor of one request. Changes made by one interceptor are visible to
// the ones after it.
type Exchange struct {
	// Request is what will be dispatched. Its headers and body may be
	// replaced by pre interceptors.
	Request *http.Request
	Route   *router.Route
	Client  string
	Start   time.Time

	// Response is nil until the request has been dispatched.
	Response *Response

	values map[string]any
}

// NewExchange creates an exchange for req on route.
func NewExchange(req *http.Request, route *router.Route, client string) *Exchange {
	return &Exchange{
		Request: req,
		Route:   route,
		Client:  client,
		Start:   time.Now(),
	}
}

// Set attaches a value to the exchange.
func (ex *Exchange) Set(key string, v any) {
	if ex.values == nil {
		ex.values = make(map[string]any)
	}
	ex.values[key] = v
}

// Get returns a value attached with Set.
func (ex *Exchange) Get(key string) (any, bool) {
	v, ok := ex.values[key]
	return v, ok
}

// Response is an upstream or synthesized response. Body is streamed and must
// be closed by whoever ends up owning the response.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// NewResponse builds a response around an in-memory body.
func NewResponse(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// JSONResponse marshals v as the response body.
func JSONResponse(status int, v any) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorResponse(gwerrors.ErrInternalServer)
	}
	return NewResponse(status, "application/json", append(b, '\n'))
}

// ErrorResponse renders a gateway error as a terminal response.
func ErrorResponse(e *gwerrors.GatewayError) *Response {
	b, _ := json.Marshal(e)
	return NewResponse(e.Code, "application/json", append(b, '\n'))
}

// Close releases the response body.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
