package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

// IdentityFunc derives the client identity a request is counted against.
type IdentityFunc func(r *http.Request) string

// NewIdentityFunc builds an IdentityFunc from config. With TrustForwarded the
// first hop of the forwarded header wins; otherwise, or when the header is
// absent, the transport peer address is used.
func NewIdentityFunc(cfg config.ClientIdentityConfig) IdentityFunc {
	header := cfg.ForwardedHeader
	if header == "" {
		header = "X-Forwarded-For"
	}
	if !cfg.TrustForwarded {
		return PeerAddress
	}
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return PeerAddress(r)
	}
}

// PeerAddress returns the host part of r.RemoteAddr.
func PeerAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
