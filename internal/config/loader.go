package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// InterceptorCheck reports whether an interceptor name can be used in the
// given stage ("pre" or "post").
type InterceptorCheck func(name, stage string) error

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
	check      InterceptorCheck
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithInterceptorCheck resolves every route interceptor during validation.
func WithInterceptorCheck(check InterceptorCheck) LoaderOption {
	return func(l *Loader) { l.check = check }
}

// WithLookupEnv replaces os.LookupEnv, mostly for tests.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) { l.lookupEnv = fn }
}

// NewLoader creates a new configuration loader
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gwerrors.Config("read %s: %v", filepath.Base(path), err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML or JSON bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions([]byte(expanded), cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, gwerrors.Config("parse: %v", err)
	}
	cfg.normalize()

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left untouched.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	v, ok := l.lookupEnv("PORT")
	if !ok || v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return gwerrors.Config("PORT: %q is not a number", v)
	}
	cfg.Listen.Port = port
	return nil
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return gwerrors.Config("listen.port: %d out of range", cfg.Listen.Port)
	}
	if cfg.Admin.Enabled {
		if cfg.Admin.Port < 1 || cfg.Admin.Port > 65535 {
			return gwerrors.Config("admin.port: %d out of range", cfg.Admin.Port)
		}
		if cfg.Admin.Port == cfg.Listen.Port {
			return gwerrors.Config("admin.port: must differ from listen.port")
		}
	}
	if cfg.RouteMatching != MatchFirst && cfg.RouteMatching != MatchLongest {
		return gwerrors.Config("route_matching: unknown policy %q", cfg.RouteMatching)
	}
	if cfg.CORS.Enabled && cfg.CORS.Origin == "" {
		return gwerrors.Config("cors.origin: required when cors is enabled")
	}
	if err := validateRateLimit("rate_limit", cfg.RateLimit); err != nil {
		return err
	}
	if cfg.Proxy.Timeout <= 0 {
		return gwerrors.Config("proxy.timeout: must be positive")
	}
	if cfg.Proxy.Retries < 0 {
		return gwerrors.Config("proxy.retries: must not be negative")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return gwerrors.Config("tracing.endpoint: required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return gwerrors.Config("tracing.sample_rate: must be between 0 and 1")
	}

	if len(cfg.Routes) == 0 {
		return gwerrors.Config("routes: at least one route is required")
	}

	seen := make(map[string]int, len(cfg.Routes))
	for i, r := range cfg.Routes {
		path := fmt.Sprintf("routes[%d]", i)

		if r.Method == "" {
			return gwerrors.Config("%s: method is required", path)
		}
		if !validHTTPMethods[r.Method] {
			return gwerrors.Config("%s: invalid method %q", path, r.Method)
		}
		if r.URL == "" {
			return gwerrors.Config("%s: url is required", path)
		}
		if !strings.HasPrefix(r.URL, "/") {
			return gwerrors.Config("%s: url %q must start with /", path, r.URL)
		}
		if prev, dup := seen[r.Key()]; dup {
			return gwerrors.Config("%s: duplicate route %q (also routes[%d])", path, r.Key(), prev)
		}
		seen[r.Key()] = i

		if r.Proxy != nil {
			if err := validateTarget(path+".proxy.target", r.Proxy.Target); err != nil {
				return err
			}
			if r.Proxy.Timeout < 0 {
				return gwerrors.Config("%s.proxy.timeout: must not be negative", path)
			}
			cb := r.Proxy.CircuitBreaker
			if cb.Enabled && cb.FailureThreshold < 0 {
				return gwerrors.Config("%s.proxy.circuit_breaker.failure_threshold: must not be negative", path)
			}
		}
		if err := validateRateLimit(path+".rate_limit", r.RateLimit); err != nil {
			return err
		}

		if l.check != nil {
			for j, name := range r.PreInterceptors {
				if err := l.check(name, "pre"); err != nil {
					return gwerrors.Config("%s.pre_interceptors[%d]: %v", path, j, err)
				}
			}
			for j, name := range r.PostInterceptors {
				if err := l.check(name, "post"); err != nil {
					return gwerrors.Config("%s.post_interceptors[%d]: %v", path, j, err)
				}
			}
		}
	}
	return nil
}

func validateRateLimit(path string, rl *RateLimitConfig) error {
	if rl == nil {
		return nil
	}
	if rl.Max <= 0 {
		return gwerrors.Config("%s.max: must be positive", path)
	}
	if rl.Window <= 0 {
		return gwerrors.Config("%s.window: must be positive", path)
	}
	return nil
}

func validateTarget(path, target string) error {
	if target == "" {
		return gwerrors.Config("%s: required for proxy routes", path)
	}
	u, err := url.Parse(target)
	if err != nil {
		return gwerrors.Config("%s: %v", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return gwerrors.Config("%s: scheme must be http or https, got %q", path, u.Scheme)
	}
	if u.Host == "" {
		return gwerrors.Config("%s: host is required", path)
	}
	return nil
}

// DecodeSettings converts a raw interceptor settings map into out.
func DecodeSettings(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.UnmarshalWithOptions(data, out, yaml.DisallowUnknownField())
}
