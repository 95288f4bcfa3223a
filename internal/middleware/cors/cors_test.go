package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

func preflight(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodOptions, "/api", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", "POST")
	return r
}

func TestIsPreflight(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
		want bool
	}{
		{"preflight", func() *http.Request { return preflight("https://a.com") }, true},
		{"options without origin", func() *http.Request {
			r := httptest.NewRequest(http.MethodOptions, "/", nil)
			r.Header.Set("Access-Control-Request-Method", "GET")
			return r
		}, false},
		{"options without request method", func() *http.Request {
			r := httptest.NewRequest(http.MethodOptions, "/", nil)
			r.Header.Set("Origin", "https://a.com")
			return r
		}, false},
		{"get", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Origin", "https://a.com")
			r.Header.Set("Access-Control-Request-Method", "GET")
			return r
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPreflight(tt.req()); got != tt.want {
				t.Errorf("IsPreflight = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandlePreflight(t *testing.T) {
	h := New(config.CORSConfig{Origin: "*", Methods: []string{"GET", "POST"}, Headers: []string{"Content-Type"}})

	rr := httptest.NewRecorder()
	h.HandlePreflight(rr, preflight("https://a.com"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST",
		"Access-Control-Allow-Headers": "Content-Type",
		"Access-Control-Max-Age":       "86400",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestHandlePreflightDisallowedOrigin(t *testing.T) {
	h := New(config.CORSConfig{Origin: "https://good.com"})
	rr := httptest.NewRecorder()
	h.HandlePreflight(rr, preflight("https://evil.com"))

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestApplyHeaders(t *testing.T) {
	h := New(config.CORSConfig{Origin: "https://a.com, *.example.com"})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://a.com", "https://a.com"},
		{"https://api.example.com", "https://api.example.com"},
		{"https://b.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			hdr := http.Header{}
			h.ApplyHeaders(hdr, r)
			if got := hdr.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	h := New(config.CORSConfig{Origin: "*"})
	rr := httptest.NewRecorder()
	h.HandlePreflight(rr, preflight("https://a.com"))
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != defaultMethods {
		t.Errorf("methods = %q", got)
	}
}
