package config

import (
	"strings"
	"time"
)

// Route matching policies.
const (
	MatchFirst   = "first"
	MatchLongest = "longest"
)

// Config represents the complete gateway configuration
type Config struct {
	Listen         ListenConfig              `yaml:"listen"`
	CORS           CORSConfig                `yaml:"cors"`
	RateLimit      *RateLimitConfig          `yaml:"rate_limit"`
	RateLimitAlt   *RateLimitConfig          `yaml:"rateLimit"`
	RateLimiter    RateLimiterConfig         `yaml:"rate_limiter"`
	ClientIdentity ClientIdentityConfig      `yaml:"client_identity"`
	RouteMatching  string                    `yaml:"route_matching"`
	Proxy          ProxyConfig               `yaml:"proxy"`
	Interceptors   map[string]map[string]any `yaml:"interceptors"`
	Logging        LoggingConfig             `yaml:"logging"`
	Admin          AdminConfig               `yaml:"admin"`
	Tracing        TracingConfig             `yaml:"tracing"`
	Routes         []RouteConfig             `yaml:"routes"`
}

// ListenConfig defines the public HTTP listener
type ListenConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// CORSConfig defines the gateway-wide CORS policy
type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origin  string   `yaml:"origin"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

// RateLimitConfig is a fixed-window limit: at most Max requests per Window.
type RateLimitConfig struct {
	Max            int      `yaml:"max"`
	Window         Duration `yaml:"window"`
	WindowDuration Duration `yaml:"windowDuration"`
	TimeWindow     Duration `yaml:"timeWindow"`
}

// RateLimiterConfig tunes counter eviction.
type RateLimiterConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
}

// ClientIdentityConfig controls how the rate limiter identifies a client.
type ClientIdentityConfig struct {
	ForwardedHeader string `yaml:"forwarded_header"`
	TrustForwarded  bool   `yaml:"trust_forwarded"`
}

// ProxyConfig holds forwarder defaults shared by every proxy route.
type ProxyConfig struct {
	// Timeout bounds the wait for upstream response headers. BodyTimeout
	// bounds the whole body transfer after that; zero leaves it unbounded.
	Timeout       time.Duration `yaml:"timeout"`
	BodyTimeout   time.Duration `yaml:"body_timeout"`
	Retries       int           `yaml:"retries"`
	GatewayHeader string        `yaml:"gateway_header"`
	GatewayName   string        `yaml:"gateway_name"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logger construction.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig configures lumberjack when logs go to a file.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// AdminConfig defines the admin listener (health, routes, metrics).
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig defines OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RouteConfig defines a single route
type RouteConfig struct {
	Method              string           `yaml:"method"`
	URL                 string           `yaml:"url"`
	Proxy               *ProxyTarget     `yaml:"proxy"`
	CORS                *bool            `yaml:"cors"`
	RateLimit           *RateLimitConfig `yaml:"rate_limit"`
	RateLimitAlt        *RateLimitConfig `yaml:"rateLimit"`
	PreInterceptors     []string         `yaml:"pre_interceptors"`
	PreInterceptorsAlt  []string         `yaml:"preInterceptors"`
	PostInterceptors    []string         `yaml:"post_interceptors"`
	PostInterceptorsAlt []string         `yaml:"postInterceptors"`
}

// ProxyTarget is the upstream of a proxied route.
type ProxyTarget struct {
	Target         string               `yaml:"target"`
	PreservePrefix bool                 `yaml:"preserve_prefix"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig enables a per-route breaker in front of the upstream.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Key identifies a route as "<METHOD> <url>".
func (r RouteConfig) Key() string {
	return r.Method + " " + r.URL
}

// IsLocal reports whether the route is served by the gateway itself.
func (r RouteConfig) IsLocal() bool {
	return r.Proxy == nil || r.Proxy.Target == ""
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		CORS: CORSConfig{
			Origin:  "*",
			Methods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			Headers: []string{"Content-Type", "Authorization"},
		},
		RateLimiter: RateLimiterConfig{
			SweepInterval: time.Minute,
		},
		ClientIdentity: ClientIdentityConfig{
			ForwardedHeader: "X-Forwarded-For",
			TrustForwarded:  true,
		},
		RouteMatching: MatchFirst,
		Proxy: ProxyConfig{
			Timeout:             30 * time.Second,
			GatewayHeader:       "X-Gateway",
			GatewayName:         "konneqt-api-gw",
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: RotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Port: 9090,
		},
		Tracing: TracingConfig{
			ServiceName: "konneqt-api-gw",
			SampleRate:  1.0,
		},
	}
}

// normalize folds the camelCase aliases into the canonical fields and
// upper-cases route methods.
func (c *Config) normalize() {
	if c.RateLimit == nil {
		c.RateLimit = c.RateLimitAlt
	}
	c.RateLimitAlt = nil
	c.RateLimit.normalize()
	c.RouteMatching = strings.ToLower(strings.TrimSpace(c.RouteMatching))
	if c.RouteMatching == "" {
		c.RouteMatching = MatchFirst
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if r.RateLimit == nil {
			r.RateLimit = r.RateLimitAlt
		}
		r.RateLimitAlt = nil
		r.RateLimit.normalize()
		if len(r.PreInterceptors) == 0 {
			r.PreInterceptors = r.PreInterceptorsAlt
		}
		r.PreInterceptorsAlt = nil
		if len(r.PostInterceptors) == 0 {
			r.PostInterceptors = r.PostInterceptorsAlt
		}
		r.PostInterceptorsAlt = nil
	}
}

func (rl *RateLimitConfig) normalize() {
	if rl == nil {
		return
	}
	if rl.Window == 0 {
		rl.Window = rl.WindowDuration
	}
	if rl.Window == 0 {
		rl.Window = rl.TimeWindow
	}
	rl.WindowDuration, rl.TimeWindow = 0, 0
}
