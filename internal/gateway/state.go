package gateway

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/interceptor"
	"github.com/edgars/konneqt-api-gw/internal/middleware/cors"
	"github.com/edgars/konneqt-api-gw/internal/proxy"
	"github.com/edgars/konneqt-api-gw/internal/ratelimit"
	"github.com/edgars/konneqt-api-gw/internal/router"
)

// ReloadResult describes the outcome of a configuration reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// routeState is the per-route policy resolved from config.
type routeState struct {
	chain *interceptor.Chain
	limit ratelimit.Limit
	cors  bool
}

// dispatchState holds everything a request needs that a reload replaces.
// It is never mutated after buildState returns.
type dispatchState struct {
	config    *config.Config
	router    *router.Router
	registry  *interceptor.Registry
	routes    map[*router.Route]*routeState
	global    ratelimit.Limit
	cors      *cors.Handler
	forwarder *proxy.Forwarder
	identity  ratelimit.IdentityFunc
	flush     time.Duration
}

func (g *Gateway) buildState(cfg *config.Config) (*dispatchState, error) {
	rt, err := router.New(cfg.Routes, cfg.RouteMatching)
	if err != nil {
		return nil, err
	}

	reg := interceptor.NewRegistry(cfg.Interceptors)
	for name, f := range g.factories {
		reg.Register(name, f)
	}

	st := &dispatchState{
		config:   cfg,
		router:   rt,
		registry: reg,
		routes:   make(map[*router.Route]*routeState, len(rt.Routes())),
		global:   ratelimit.LimitFrom(cfg.RateLimit),
		cors:     cors.New(cfg.CORS),
		identity: ratelimit.NewIdentityFunc(cfg.ClientIdentity),
		flush:    cfg.Proxy.FlushInterval,
	}

	for _, route := range rt.Routes() {
		chain, err := reg.Chain(route.PreInterceptors, route.PostInterceptors)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Key, err)
		}
		corsOn := cfg.CORS.Enabled
		if route.CORS != nil {
			corsOn = *route.CORS
		}
		st.routes[route] = &routeState{
			chain: chain,
			limit: ratelimit.LimitFrom(route.RateLimit),
			cors:  corsOn,
		}
	}

	for _, sh := range rt.Shadowed() {
		g.logger.Warn("route is unreachable, an earlier route matches every request it would",
			zap.String("route", sh.Route.Key),
			zap.String("shadowed_by", sh.By.Key),
		)
	}

	st.forwarder = proxy.New(cfg.Proxy, g.proxyOpts...)
	return st, nil
}

// diffRoutes lists route keys added and removed between two configs.
func diffRoutes(old, cur *config.Config) []string {
	before := make(map[string]bool)
	if old != nil {
		for _, r := range old.Routes {
			before[r.Key()] = true
		}
	}
	var changes []string
	for _, r := range cur.Routes {
		if !before[r.Key()] {
			changes = append(changes, "added route "+r.Key())
		}
		delete(before, r.Key())
	}
	for key := range before {
		changes = append(changes, "removed route "+key)
	}
	sort.Strings(changes)
	return changes
}
