package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

type routeInfo struct {
	Key              string   `json:"key"`
	Method           string   `json:"method"`
	URL              string   `json:"url"`
	Target           string   `json:"target,omitempty"`
	PreservePrefix   bool     `json:"preserve_prefix,omitempty"`
	CORS             bool     `json:"cors"`
	RateLimit        string   `json:"rate_limit,omitempty"`
	PreInterceptors  []string `json:"pre_interceptors,omitempty"`
	PostInterceptors []string `json:"post_interceptors,omitempty"`
}

func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()
	r.GET("/health", s.handleHealth)
	r.GET("/routes", s.handleRoutes)
	r.GET("/circuit-breakers", s.handleCircuitBreakers)
	r.POST("/reload", s.handleReload)
	r.GET("/reload/status", s.handleReloadStatus)
	r.Handler(http.MethodGet, "/metrics", s.gateway.Metrics().Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := s.gateway.state.Load()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"uptime":              time.Since(s.startTime).Round(time.Second).String(),
		"routes":              len(st.router.Routes()),
		"route_matching":      st.router.Policy(),
		"rate_limit_counters": s.gateway.Limiter().Len(),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := s.gateway.state.Load()
	routes := st.router.Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		rs := st.routes[rt]
		info := routeInfo{
			Key:              rt.Key,
			Method:           rt.Method,
			URL:              rt.URL,
			PreservePrefix:   rt.PreservePrefix,
			CORS:             rs.cors,
			PreInterceptors:  rt.PreInterceptors,
			PostInterceptors: rt.PostInterceptors,
		}
		if rt.Target != nil {
			info.Target = rt.Target.String()
		}
		if rs.limit.Enabled() {
			info.RateLimit = rs.limit.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.state.Load().forwarder.BreakerStates())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	history := append([]ReloadResult(nil), s.reloadHistory...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, history)
}
