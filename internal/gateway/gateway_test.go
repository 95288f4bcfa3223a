package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgars/konneqt-api-gw/internal/config"
	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
	"github.com/edgars/konneqt-api-gw/internal/interceptor"
	"github.com/edgars/konneqt-api-gw/internal/ratelimit"
)

func testConfig(routes ...config.RouteConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimiter.SweepInterval = 0
	cfg.Routes = routes
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	g, err := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func proxyTo(target string) *config.ProxyTarget {
	return &config.ProxyTarget{Target: target}
}

func limitOf(max int, window time.Duration) *config.RateLimitConfig {
	return &config.RateLimitConfig{Max: max, Window: config.Duration(window)}
}

func do(g http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) gwerrors.GatewayError {
	t.Helper()
	var ge gwerrors.GatewayError
	if err := json.Unmarshal(rr.Body.Bytes(), &ge); err != nil {
		t.Fatalf("error body %q: %v", rr.Body.String(), err)
	}
	return ge
}

func TestLocalRoute(t *testing.T) {
	g := newTestGateway(t, testConfig(config.RouteConfig{Method: "GET", URL: "/ping"}))

	rr := do(g, "GET", "/ping", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	want := map[string]string{"status": "ok", "route": "GET /ping", "message": "executed"}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %q, want %q", k, body[k], v)
		}
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on every response")
	}
}

func TestRouteNotFound(t *testing.T) {
	g := newTestGateway(t, testConfig(config.RouteConfig{Method: "GET", URL: "/ping"}))

	for _, tc := range []struct{ method, path string }{
		{"GET", "/pong"},
		{"POST", "/ping"},
		{"GET", "/pingx"},
	} {
		rr := do(g, tc.method, tc.path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, rr.Code)
		}
		if ge := decodeError(t, rr); ge.RequestID == "" {
			t.Errorf("%s %s: error body should carry the request id", tc.method, tc.path)
		}
	}
}

func TestRateLimitScenario(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(config.RouteConfig{
		Method:    "GET",
		URL:       "/api",
		Proxy:     proxyTo(upstream.URL),
		RateLimit: limitOf(2, time.Minute),
	}))

	first := do(g, "GET", "/api", nil)
	second := do(g, "GET", "/api", nil)
	third := do(g, "GET", "/api", nil)

	if first.Code != 200 || second.Code != 200 || third.Code != 429 {
		t.Fatalf("codes = %d %d %d, want 200 200 429", first.Code, second.Code, third.Code)
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", hits.Load())
	}

	if got := first.Header().Get("X-RateLimit-Warning"); got != "nearing limit" {
		t.Errorf("first response warning = %q", got)
	}
	if got := second.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("second remaining = %q", got)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if got := third.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("limit header = %q", got)
	}
	if ge := decodeError(t, third); ge.Code != 429 || ge.Message != "Too Many Requests" {
		t.Errorf("429 body = %+v", ge)
	}
}

func TestRateLimitWindowReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	cfg := testConfig(config.RouteConfig{Method: "GET", URL: "/a", RateLimit: limitOf(1, time.Second)})
	g := newTestGateway(t, cfg, WithLimiterOptions(ratelimit.WithClock(clock)))

	if rr := do(g, "GET", "/a", nil); rr.Code != 200 {
		t.Fatalf("first = %d", rr.Code)
	}
	if rr := do(g, "GET", "/a", nil); rr.Code != 429 {
		t.Fatalf("second = %d, want 429", rr.Code)
	}
	now = now.Add(time.Second)
	if rr := do(g, "GET", "/a", nil); rr.Code != 200 {
		t.Errorf("after window = %d, want 200", rr.Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := testConfig(
		config.RouteConfig{Method: "GET", URL: "/a"},
		config.RouteConfig{Method: "GET", URL: "/b"},
		config.RouteConfig{Method: "GET", URL: "/own", RateLimit: limitOf(5, time.Minute)},
	)
	cfg.RateLimit = limitOf(2, time.Minute)
	g := newTestGateway(t, cfg)

	// The global limit is keyed by client alone, so /a and /b share it.
	codes := []int{
		do(g, "GET", "/a", nil).Code,
		do(g, "GET", "/b", nil).Code,
		do(g, "GET", "/a", nil).Code,
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Errorf("global codes = %v", codes)
	}

	// A per-route limit overrides the global one.
	for i := 0; i < 5; i++ {
		if rr := do(g, "GET", "/own", nil); rr.Code != 200 {
			t.Fatalf("/own request %d = %d", i+1, rr.Code)
		}
	}
	if rr := do(g, "GET", "/own", nil); rr.Code != 429 {
		t.Errorf("/own 6th = %d, want 429", rr.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Method: "GET", URL: "/a", RateLimit: limitOf(1, time.Minute)})
	g := newTestGateway(t, cfg)

	a := map[string]string{"X-Forwarded-For": "203.0.113.1"}
	b := map[string]string{"X-Forwarded-For": "203.0.113.2"}
	if do(g, "GET", "/a", a).Code != 200 || do(g, "GET", "/a", b).Code != 200 {
		t.Fatal("distinct clients should have distinct counters")
	}
	if do(g, "GET", "/a", a).Code != 429 {
		t.Error("client a should be limited")
	}
}

// recorder returns an interceptor factory that appends name to log.
func recorder(name string, stages interceptor.Stage, log *[]string) interceptor.Factory {
	return interceptor.Factory{
		Stages: stages,
		New: func(map[string]any) (interceptor.Interceptor, error) {
			return interceptor.Func(func(ctx context.Context, stage interceptor.Stage, ex *interceptor.Exchange) (*interceptor.Response, error) {
				*log = append(*log, name+":"+stage.String())
				return nil, nil
			}), nil
		},
	}
}

func TestPreInterceptorShortCircuit(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	var calls []string
	var pipelineCtx context.Context
	deny := interceptor.Factory{
		Stages: interceptor.StagePre,
		New: func(map[string]any) (interceptor.Interceptor, error) {
			return interceptor.Func(func(ctx context.Context, _ interceptor.Stage, _ *interceptor.Exchange) (*interceptor.Response, error) {
				pipelineCtx = ctx
				return interceptor.ErrorResponse(gwerrors.ErrForbidden), nil
			}), nil
		},
	}

	cfg := testConfig(config.RouteConfig{
		Method:           "GET",
		URL:              "/api",
		Proxy:            proxyTo(upstream.URL),
		PreInterceptors:  []string{"first", "deny", "never"},
		PostInterceptors: []string{"post"},
	})
	g := newTestGateway(t, cfg,
		WithInterceptor("first", recorder("first", interceptor.StagePre, &calls)),
		WithInterceptor("deny", deny),
		WithInterceptor("never", recorder("never", interceptor.StagePre, &calls)),
		WithInterceptor("post", recorder("post", interceptor.StagePost, &calls)),
	)

	rr := do(g, "GET", "/api", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if hits.Load() != 0 {
		t.Error("upstream must not be called after a short-circuit")
	}
	if got := strings.Join(calls, ","); got != "first:pre" {
		t.Errorf("calls = %s, want only first:pre", got)
	}
	if pipelineCtx == nil || pipelineCtx.Err() == nil {
		t.Error("pipeline context should be cancelled after termination")
	}
}

func TestAuthInterceptor(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Method: "GET", URL: "/secure", PreInterceptors: []string{"auth"}})
	g := newTestGateway(t, cfg)

	if rr := do(g, "GET", "/secure", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no header = %d, want 401", rr.Code)
	}
	if rr := do(g, "GET", "/secure", map[string]string{"Authorization": "Bearer nope"}); rr.Code != http.StatusForbidden {
		t.Errorf("bad token = %d, want 403", rr.Code)
	}
	if rr := do(g, "GET", "/secure", map[string]string{"Authorization": "Bearer valid-token"}); rr.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", rr.Code)
	}
}

func TestInterceptorMutationVisibleDownstream(t *testing.T) {
	var seenByUpstream, seenByB string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenByUpstream = r.Header.Get("X-Stamp")
	}))
	defer upstream.Close()

	a := interceptor.Factory{Stages: interceptor.StagePre, New: func(map[string]any) (interceptor.Interceptor, error) {
		return interceptor.Func(func(_ context.Context, _ interceptor.Stage, ex *interceptor.Exchange) (*interceptor.Response, error) {
			ex.Request.Header.Set("X-Stamp", "from-a")
			ex.Set("stamp", "from-a")
			return nil, nil
		}), nil
	}}
	b := interceptor.Factory{Stages: interceptor.StagePre, New: func(map[string]any) (interceptor.Interceptor, error) {
		return interceptor.Func(func(_ context.Context, _ interceptor.Stage, ex *interceptor.Exchange) (*interceptor.Response, error) {
			v, _ := ex.Get("stamp")
			seenByB, _ = v.(string)
			return nil, nil
		}), nil
	}}

	cfg := testConfig(config.RouteConfig{
		Method:          "GET",
		URL:             "/api",
		Proxy:           proxyTo(upstream.URL),
		PreInterceptors: []string{"a", "b"},
	})
	g := newTestGateway(t, cfg, WithInterceptor("a", a), WithInterceptor("b", b))

	if rr := do(g, "GET", "/api", nil); rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if seenByB != "from-a" {
		t.Errorf("b saw %q", seenByB)
	}
	if seenByUpstream != "from-a" {
		t.Errorf("upstream saw %q", seenByUpstream)
	}
}

func TestInterceptorErrorIsGeneric500(t *testing.T) {
	boom := interceptor.Factory{Stages: interceptor.StageBoth, New: func(map[string]any) (interceptor.Interceptor, error) {
		return interceptor.Func(func(_ context.Context, stage interceptor.Stage, ex *interceptor.Exchange) (*interceptor.Response, error) {
			if ex.Request.URL.Path == "/panic" {
				panic("kaboom")
			}
			return nil, io.ErrUnexpectedEOF
		}), nil
	}}

	core, logs := observer.New(zapcore.ErrorLevel)
	cfg := testConfig(
		config.RouteConfig{Method: "GET", URL: "/pre", PreInterceptors: []string{"boom"}},
		config.RouteConfig{Method: "GET", URL: "/post", PostInterceptors: []string{"boom"}},
		config.RouteConfig{Method: "GET", URL: "/panic", PreInterceptors: []string{"boom"}},
	)
	g := newTestGateway(t, cfg, WithInterceptor("boom", boom), WithLogger(zap.New(core)))

	for _, path := range []string{"/pre", "/post", "/panic"} {
		rr := do(g, "GET", path, nil)
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("%s = %d, want 500", path, rr.Code)
			continue
		}
		ge := decodeError(t, rr)
		if ge.Message != "Internal Server Error" || ge.Details != "" {
			t.Errorf("%s body = %+v, want generic 500", path, ge)
		}
		if strings.Contains(rr.Body.String(), "executed") {
			t.Errorf("%s leaked the dispatched response", path)
		}
	}
	if n := logs.FilterMessage("interceptor failed").Len(); n != 3 {
		t.Errorf("logged failures = %d, want 3", n)
	}
}

func TestProxyRoute(t *testing.T) {
	var gotPath, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotForwarded = r.Header.Get("X-Forwarded-For")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer upstream.Close()

	cfg := testConfig(config.RouteConfig{
		Method:           "GET",
		URL:              "/svc",
		Proxy:            proxyTo(upstream.URL),
		PostInterceptors: []string{"responseTime"},
	})
	g := newTestGateway(t, cfg)

	rr := do(g, "GET", "/svc/items?page=2", nil)
	if rr.Code != http.StatusCreated || rr.Body.String() != "created" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	if gotPath != "/items?page=2" {
		t.Errorf("upstream path = %q, want prefix stripped", gotPath)
	}
	if gotForwarded == "" {
		t.Error("X-Forwarded-For not set")
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream headers not relayed")
	}
	if rr.Header().Get("X-Gateway") != "konneqt-api-gw" {
		t.Errorf("X-Gateway = %q", rr.Header().Get("X-Gateway"))
	}
	if rr.Header().Get("X-Response-Time") == "" {
		t.Error("post interceptor did not run")
	}
}

func TestUpstreamFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	cfg := testConfig(
		config.RouteConfig{Method: "GET", URL: "/down", Proxy: proxyTo("http://127.0.0.1:1")},
		config.RouteConfig{Method: "GET", URL: "/slow", Proxy: &config.ProxyTarget{
			Target:  slow.URL,
			Timeout: 100 * time.Millisecond,
		}},
	)
	g := newTestGateway(t, cfg)

	rr := do(g, "GET", "/down", nil)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("unreachable = %d, want 502", rr.Code)
	}

	start := time.Now()
	rr = do(g, "GET", "/slow", nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("slow = %d, want 504", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestCORS(t *testing.T) {
	off := false
	cfg := testConfig(
		config.RouteConfig{Method: "POST", URL: "/open"},
		config.RouteConfig{Method: "POST", URL: "/closed", CORS: &off},
	)
	cfg.CORS.Enabled = true
	g := newTestGateway(t, cfg)

	preflight := map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	}

	rr := do(g, "OPTIONS", "/open", preflight)
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}

	if rr := do(g, "OPTIONS", "/closed", preflight); rr.Code != http.StatusNotFound {
		t.Errorf("preflight on CORS-disabled route = %d, want 404", rr.Code)
	}
	if rr := do(g, "OPTIONS", "/unknown", preflight); rr.Code != http.StatusNotFound {
		t.Errorf("preflight on unknown path = %d, want 404", rr.Code)
	}

	rr = do(g, "POST", "/open", map[string]string{"Origin": "https://app.example.com"})
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing on a normal response")
	}
	rr = do(g, "POST", "/closed", map[string]string{"Origin": "https://app.example.com"})
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers on a CORS-disabled route")
	}
}

func TestPreflightResolvesRequestedMethod(t *testing.T) {
	off, on := false, true
	cfg := testConfig(
		config.RouteConfig{Method: "GET", URL: "/api", CORS: &off},
		config.RouteConfig{Method: "POST", URL: "/api", CORS: &on},
	)
	g := newTestGateway(t, cfg)

	tests := []struct {
		method string
		want   int
	}{
		{"POST", http.StatusNoContent},
		{"post", http.StatusNoContent},
		{"GET", http.StatusNotFound},
		{"DELETE", http.StatusNotFound},
	}
	for _, tt := range tests {
		rr := do(g, "OPTIONS", "/api", map[string]string{
			"Origin":                        "https://app.example.com",
			"Access-Control-Request-Method": tt.method,
		})
		if rr.Code != tt.want {
			t.Errorf("preflight for %s = %d, want %d", tt.method, rr.Code, tt.want)
		}
	}
}

func TestPreflightFollowsLongestMatch(t *testing.T) {
	off, on := false, true
	cfg := testConfig(
		config.RouteConfig{Method: "PUT", URL: "/api", CORS: &off},
		config.RouteConfig{Method: "PUT", URL: "/api/items", CORS: &on},
	)
	cfg.RouteMatching = config.MatchLongest
	g := newTestGateway(t, cfg)

	rr := do(g, "OPTIONS", "/api/items/1", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "PUT",
	})
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rr.Code)
	}
}

func TestUnknownInterceptorFailsConstruction(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Method: "GET", URL: "/a", PreInterceptors: []string{"authz"}})
	_, err := New(cfg, WithLogger(zap.NewNop()))
	if gwerrors.KindOf(err) != gwerrors.KindInterceptorResolution {
		t.Errorf("err = %v, want interceptor resolution error", err)
	}
}

func TestShadowedRouteWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testConfig(
		config.RouteConfig{Method: "GET", URL: "/api"},
		config.RouteConfig{Method: "GET", URL: "/api/users"},
	)
	newTestGateway(t, cfg, WithLogger(zap.New(core)))

	entries := logs.FilterField(zap.String("route", "GET /api/users")).All()
	if len(entries) != 1 {
		t.Fatalf("shadow warnings = %d, want 1", len(entries))
	}
}

func TestReload(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Method: "GET", URL: "/a", RateLimit: limitOf(1, time.Minute)})
	g := newTestGateway(t, cfg)

	if rr := do(g, "GET", "/a", nil); rr.Code != 200 {
		t.Fatalf("before reload = %d", rr.Code)
	}

	next := testConfig(
		config.RouteConfig{Method: "GET", URL: "/a", RateLimit: limitOf(1, time.Minute)},
		config.RouteConfig{Method: "GET", URL: "/b"},
	)
	result := g.Reload(next)
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if len(result.Changes) != 1 || result.Changes[0] != "added route GET /b" {
		t.Errorf("changes = %v", result.Changes)
	}
	if g.Config() != next {
		t.Error("Config should return the reloaded config")
	}
	if rr := do(g, "GET", "/b", nil); rr.Code != 200 {
		t.Errorf("new route = %d", rr.Code)
	}
	// Counters survive the swap.
	if rr := do(g, "GET", "/a", nil); rr.Code != 429 {
		t.Errorf("/a after reload = %d, want 429", rr.Code)
	}

	bad := testConfig(config.RouteConfig{Method: "GET", URL: "/c", PreInterceptors: []string{"missing"}})
	if result := g.Reload(bad); result.Success || result.Error == "" {
		t.Errorf("bad reload = %+v", result)
	}
	if rr := do(g, "GET", "/b", nil); rr.Code != 200 {
		t.Error("failed reload should keep the previous state")
	}
}

func TestDiffRoutes(t *testing.T) {
	old := testConfig(config.RouteConfig{Method: "GET", URL: "/a"}, config.RouteConfig{Method: "GET", URL: "/b"})
	cur := testConfig(config.RouteConfig{Method: "GET", URL: "/b"}, config.RouteConfig{Method: "POST", URL: "/c"})

	got := strings.Join(diffRoutes(old, cur), ";")
	if got != "added route POST /c;removed route GET /a" {
		t.Errorf("diff = %s", got)
	}
}
