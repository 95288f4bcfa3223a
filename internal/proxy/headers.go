package proxy

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/edgars/konneqt-api-gw/internal/router"
)

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips the standard hop-by-hop set and every header the
// sender listed in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// outboundURL maps the inbound URL onto the route target.
func outboundURL(in *url.URL, route *router.Route) *url.URL {
	target := route.Target
	u := *target
	u.Path = singleJoiningSlash(target.Path, route.UpstreamPath(in.Path))
	if target.Path == "" && u.Path == "" {
		u.Path = "/"
	}
	u.RawPath = ""
	switch {
	case target.RawQuery == "":
		u.RawQuery = in.RawQuery
	case in.RawQuery == "":
		u.RawQuery = target.RawQuery
	default:
		u.RawQuery = target.RawQuery + "&" + in.RawQuery
	}
	return &u
}

// newOutboundRequest builds the upstream request. The inbound body is reused
// as is so it streams straight through.
func newOutboundRequest(ctx context.Context, in *http.Request, route *router.Route) *http.Request {
	out := (&http.Request{
		Method:        in.Method,
		URL:           outboundURL(in.URL, route),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(in.Header)+3),
		Body:          in.Body,
		ContentLength: in.ContentLength,
		GetBody:       in.GetBody,
		Host:          route.Target.Host,
	}).WithContext(ctx)
	if in.ContentLength == 0 {
		out.Body = nil
	}

	for k, vv := range in.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(out.Header)

	if _, ok := out.Header["User-Agent"]; !ok {
		// keep net/http from adding its own
		out.Header.Set("User-Agent", "")
	}

	if clientIP := peerHost(in.RemoteAddr); clientIP != "" {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", in.Host)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// isBodyless reports whether a request carries no body at all.
func isBodyless(r *http.Request) bool {
	return r.ContentLength == 0 && (r.Body == nil || r.Body == http.NoBody)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}
