package cors

import (
	"net/http"
	"strings"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

const (
	defaultMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	defaultHeaders = "Content-Type, Authorization"
	maxAge         = "86400"
)

// Handler answers preflights and decorates responses with CORS headers.
// Whether CORS applies to a given route is decided by the caller.
type Handler struct {
	allowOrigins    []string
	allowAllOrigins bool
	allowMethods    string
	allowHeaders    string
}

// New creates a CORS handler. Origin is a single origin, "*", or a comma
// separated list that may contain "*.example.com" style wildcards.
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		allowMethods: defaultMethods,
		allowHeaders: defaultHeaders,
	}
	for _, o := range strings.Split(cfg.Origin, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			h.allowAllOrigins = true
		}
		h.allowOrigins = append(h.allowOrigins, o)
	}
	if len(cfg.Methods) > 0 {
		h.allowMethods = strings.Join(cfg.Methods, ", ")
	}
	if len(cfg.Headers) > 0 {
		h.allowHeaders = strings.Join(cfg.Headers, ", ")
	}
	return h
}

// IsPreflight returns true if the request is a CORS preflight
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes a 204 response with CORS headers for preflight requests.
// A disallowed origin still gets the 204, without any Allow headers.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if origin, ok := h.allowedOrigin(r.Header.Get("Origin")); ok {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
		hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
		hdr.Set("Access-Control-Max-Age", maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a normal (non-preflight) response.
func (h *Handler) ApplyHeaders(hdr http.Header, r *http.Request) {
	origin, ok := h.allowedOrigin(r.Header.Get("Origin"))
	if !ok {
		return
	}
	hdr.Set("Access-Control-Allow-Origin", origin)
	hdr.Add("Vary", "Origin")
}

// allowedOrigin returns the value for Access-Control-Allow-Origin.
func (h *Handler) allowedOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if h.allowAllOrigins {
		return "*", true
	}
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return origin, true
		}
		// *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return origin, true
		}
	}
	return "", false
}
