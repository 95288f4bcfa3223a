package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
	"github.com/edgars/konneqt-api-gw/internal/interceptor"
	"github.com/edgars/konneqt-api-gw/internal/middleware"
	"github.com/edgars/konneqt-api-gw/internal/middleware/cors"
	"github.com/edgars/konneqt-api-gw/internal/proxy"
	"github.com/edgars/konneqt-api-gw/internal/ratelimit"
	"github.com/edgars/konneqt-api-gw/internal/router"
)

// localBody is what local routes answer with.
type localBody struct {
	Status  string `json:"status"`
	Route   string `json:"route"`
	Message string `json:"message"`
}

// serveHTTP is the dispatcher: route resolution, rate limiting, pre
// interceptors, local handling or forwarding, post interceptors and relay.
// Any step may answer the request early.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := g.state.Load()

	routeKey, status := g.dispatch(st, w, r)
	if status != 0 {
		g.metrics.RecordRequest(routeKey, r.Method, status, time.Since(start))
	}
}

// dispatch returns the matched route key and the status written, or status 0
// when nothing was written because the client went away.
func (g *Gateway) dispatch(st *dispatchState, w http.ResponseWriter, r *http.Request) (string, int) {
	if cors.IsPreflight(r) {
		method := strings.ToUpper(r.Header.Get("Access-Control-Request-Method"))
		if route, err := st.router.Match(method, r.URL.Path); err == nil && st.routes[route].cors {
			middleware.SetRoute(r.Context(), route.Key)
			st.cors.HandlePreflight(w, r)
			return route.Key, http.StatusNoContent
		}
	}

	route, err := st.router.Match(r.Method, r.URL.Path)
	if err != nil {
		return "", g.writeError(w, r, gwerrors.ErrNotFound)
	}
	middleware.SetRoute(r.Context(), route.Key)
	rs := st.routes[route]

	if rs.cors {
		st.cors.ApplyHeaders(w.Header(), r)
	}

	client := st.identity(r)
	if status, ok := g.checkRateLimit(st, rs, route, client, w, r); !ok {
		return route.Key, status
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ex := interceptor.NewExchange(r.WithContext(ctx), route, client)

	resp, err := rs.chain.RunPre(ctx, ex)
	if err != nil {
		return route.Key, g.interceptorFailed(w, r, route, interceptor.StagePre, err)
	}
	if resp != nil {
		// Terminated: nothing downstream may observe the request any more.
		cancel()
		return route.Key, g.relay(st, w, r, resp)
	}

	if route.IsLocal() {
		resp = interceptor.JSONResponse(http.StatusOK, localBody{
			Status:  "ok",
			Route:   route.Key,
			Message: "executed",
		})
	} else {
		up, err := st.forwarder.Forward(ctx, ex.Request, route)
		if err != nil {
			if errors.Is(err, proxy.ErrClientGone) {
				g.logger.Debug("client disconnected before upstream answered", zap.String("route", route.Key))
				return route.Key, 0
			}
			g.metrics.RecordUpstreamError(route.Key, string(gwerrors.KindOf(err)))
			return route.Key, g.writeError(w, r, err)
		}
		resp = &interceptor.Response{
			StatusCode:    up.StatusCode,
			Header:        up.Header,
			Body:          up.Body,
			ContentLength: up.ContentLength,
		}
	}

	ex.Response = resp
	final, err := rs.chain.RunPost(ctx, ex)
	if err != nil {
		ex.Response.Close()
		return route.Key, g.interceptorFailed(w, r, route, interceptor.StagePost, err)
	}
	return route.Key, g.relay(st, w, r, final)
}

// checkRateLimit applies the route limit, or the global one when the route
// has none. It reports false when the request was rejected.
func (g *Gateway) checkRateLimit(st *dispatchState, rs *routeState, route *router.Route, client string, w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, scope := rs.limit, route.Key
	if !limit.Enabled() {
		limit, scope = st.global, ratelimit.GlobalScope
	}
	if !limit.Enabled() {
		return 0, true
	}

	d := g.limiter.Check(scope, client, limit)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetIn)))
	if d.NearLimit {
		h.Set("X-RateLimit-Warning", "nearing limit")
	}
	if d.Allowed {
		return 0, true
	}

	h.Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter)))
	g.metrics.RecordRateLimited(route.Key)
	return g.writeError(w, r, gwerrors.ErrTooManyRequests.WithDetails(
		"rate limit of "+strconv.Itoa(d.Limit)+" requests per "+limit.Window.String()+" exceeded",
	)), false
}

func (g *Gateway) interceptorFailed(w http.ResponseWriter, r *http.Request, route *router.Route, stage interceptor.Stage, err error) int {
	g.logger.Error("interceptor failed",
		zap.String("route", route.Key),
		zap.String("stage", stage.String()),
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.Error(err),
	)
	g.metrics.RecordInterceptorError(route.Key, stage.String())
	return g.writeError(w, r, err)
}

// writeError renders err as a JSON error. Anything that is not a gateway
// error becomes a generic 500.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	ge, ok := gwerrors.AsGatewayError(err)
	if !ok {
		ge = gwerrors.ErrInternalServer.WithCause(err)
	}
	if id := middleware.GetRequestID(r); id != "" {
		ge = ge.WithRequestID(id)
	}
	ge.WriteJSON(w)
	return ge.Code
}

// relay writes resp to the client and streams its body. It owns resp.
func (g *Gateway) relay(st *dispatchState, w http.ResponseWriter, r *http.Request, resp *interceptor.Response) int {
	defer resp.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil || r.Method == http.MethodHead {
		return resp.StatusCode
	}
	if _, err := proxy.CopyBody(w, resp.Body, st.flush); err != nil {
		g.logger.Debug("response relay interrupted",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	return resp.StatusCode
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
