package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

// TransportConfig configures the upstream HTTP transport
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TransportConfigFrom applies non-zero proxy settings over the defaults.
func TransportConfigFrom(cfg config.ProxyConfig) TransportConfig {
	tc := DefaultTransportConfig
	if cfg.MaxIdleConns > 0 {
		tc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.DialTimeout > 0 {
		tc.DialTimeout = cfg.DialTimeout
	}
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Responses are never transparently decompressed; bodies are relayed as the
// upstream sent them.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
}
