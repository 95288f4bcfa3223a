package router

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/edgars/konneqt-api-gw/internal/config"
	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// ErrRouteNotFound is returned when no route matches a request.
var ErrRouteNotFound = gwerrors.ErrNotFound

// Route is a resolved route. It is immutable once the router is built.
type Route struct {
	Key     string // "<METHOD> <url>" as declared
	Method  string
	URL     string // as declared
	Pattern string // normalized prefix, without a trailing "/*" or "/"

	Target         *url.URL // nil for local routes
	PreservePrefix bool
	Timeout        time.Duration // 0 for the gateway default
	CircuitBreaker config.CircuitBreakerConfig

	CORS             *bool
	RateLimit        *config.RateLimitConfig
	PreInterceptors  []string
	PostInterceptors []string

	index int // declaration order
}

// IsLocal reports whether the gateway itself serves this route.
func (rt *Route) IsLocal() bool {
	return rt.Target == nil
}

// Matches reports whether path equals the route pattern or continues it at
// a segment boundary.
func (rt *Route) Matches(path string) bool {
	return matchPrefix(rt.Pattern, path)
}

// UpstreamPath returns the path forwarded upstream. The matched prefix is
// removed unless the route preserves it.
func (rt *Route) UpstreamPath(path string) string {
	if rt.PreservePrefix || rt.Pattern == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, rt.Pattern)
	if rest == "" {
		return "/"
	}
	return rest
}

// Shadow records a route that can never match because an earlier route with
// the same method covers its whole pattern.
type Shadow struct {
	Route *Route
	By    *Route
}

// Router resolves requests to routes.
type Router struct {
	policy   string
	routes   []*Route
	byMethod map[string][]*Route
}

// New builds a router from declared routes. Configs are assumed validated by
// the loader; a bad proxy target is still reported here.
func New(routes []config.RouteConfig, policy string) (*Router, error) {
	if policy == "" {
		policy = config.MatchFirst
	}
	if policy != config.MatchFirst && policy != config.MatchLongest {
		return nil, gwerrors.Config("route_matching: unknown policy %q", policy)
	}

	r := &Router{
		policy:   policy,
		byMethod: make(map[string][]*Route),
	}
	for i, rc := range routes {
		rt, err := newRoute(i, rc)
		if err != nil {
			return nil, err
		}
		r.routes = append(r.routes, rt)
		r.byMethod[rt.Method] = append(r.byMethod[rt.Method], rt)
	}
	return r, nil
}

func newRoute(i int, rc config.RouteConfig) (*Route, error) {
	method := strings.ToUpper(rc.Method)
	rt := &Route{
		Key:              method + " " + rc.URL,
		Method:           method,
		URL:              rc.URL,
		Pattern:          normalizePattern(rc.URL),
		CORS:             rc.CORS,
		RateLimit:        rc.RateLimit,
		PreInterceptors:  rc.PreInterceptors,
		PostInterceptors: rc.PostInterceptors,
		index:            i,
	}
	if !rc.IsLocal() {
		u, err := url.Parse(rc.Proxy.Target)
		if err != nil || u.Host == "" {
			return nil, gwerrors.Config("routes[%d].proxy.target: invalid url %q", i, rc.Proxy.Target)
		}
		rt.Target = u
		rt.PreservePrefix = rc.Proxy.PreservePrefix
		rt.Timeout = rc.Proxy.Timeout
		rt.CircuitBreaker = rc.Proxy.CircuitBreaker
	}
	return rt, nil
}

// Match returns the route for method and path according to the router's
// tie-break policy.
func (r *Router) Match(method, path string) (*Route, error) {
	var best *Route
	for _, rt := range r.byMethod[method] {
		if !rt.Matches(path) {
			continue
		}
		if r.policy == config.MatchFirst {
			return rt, nil
		}
		if best == nil || len(rt.Pattern) > len(best.Pattern) {
			best = rt
		}
	}
	if best == nil {
		return nil, ErrRouteNotFound
	}
	return best, nil
}

// Routes returns every route in declaration order.
func (r *Router) Routes() []*Route {
	return r.routes
}

// Policy returns the tie-break policy in effect.
func (r *Router) Policy() string {
	return r.policy
}

// Shadowed lists routes that are unreachable under the first-match policy.
// It is empty under longest-match, where a longer pattern always wins.
func (r *Router) Shadowed() []Shadow {
	if r.policy != config.MatchFirst {
		return nil
	}
	var out []Shadow
	for _, routes := range r.byMethod {
		for i, later := range routes {
			for _, earlier := range routes[:i] {
				if matchPrefix(earlier.Pattern, later.Pattern) {
					out = append(out, Shadow{Route: later, By: earlier})
					break
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Route.index < out[j].Route.index
	})
	return out
}

func normalizePattern(p string) string {
	p = strings.TrimSuffix(p, "*")
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

func matchPrefix(pattern, path string) bool {
	if pattern == "/" {
		return true
	}
	if !strings.HasPrefix(path, pattern) {
		return false
	}
	return len(path) == len(pattern) || path[len(pattern)] == '/'
}
