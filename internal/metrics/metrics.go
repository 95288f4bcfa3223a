package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "konneqt_gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	interceptorErrors *prometheus.CounterVec
	reloads           *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process metrics
// already registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered by the gateway.",
		}, []string{"route", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch start to the last response byte.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by error kind.",
		}, []string{"route", "kind"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429.",
		}, []string{"route"}),
		interceptorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptor_errors_total",
			Help:      "Interceptor failures turned into 500 responses.",
		}, []string{"route", "stage"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}
}

// RecordRequest records a completed request. route is "" when nothing matched.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstreamError counts a failed upstream call.
func (c *Collector) RecordUpstreamError(route, kind string) {
	c.upstreamErrors.WithLabelValues(route, kind).Inc()
}

// RecordRateLimited counts a request rejected by a rate limit.
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordInterceptorError counts an interceptor execution failure.
func (c *Collector) RecordInterceptorError(route, stage string) {
	c.interceptorErrors.WithLabelValues(route, stage).Inc()
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
