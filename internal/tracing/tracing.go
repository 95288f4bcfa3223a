package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/middleware"
)

// Tracer owns the gateway's trace provider and its server span middleware.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Option configures a Tracer.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter replaces the OTLP exporter, mostly for tests.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// New creates a Tracer from config. A disabled tracer is a passthrough. The
// W3C propagator is installed globally in both cases so the forwarder keeps
// relaying inbound trace context.
func New(cfg config.TracingConfig, opts ...Option) (*Tracer, error) {
	t := &Tracer{
		enabled: cfg.Enabled,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	otel.SetTextMapPropagator(t.propagator)

	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "konneqt-api-gw"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()
	exporter := o.exporter
	if exporter == nil {
		var expOpts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			expOpts = append(expOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			expOpts = append(expOpts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		exp, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, err
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(t.provider)
	t.tracer = t.provider.Tracer("konneqt-api-gw")

	return t, nil
}

// IsEnabled reports whether spans are recorded.
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Middleware starts a server span per request. The span is renamed after the
// matched route key ("GET /api") once dispatch resolves it; requests that
// match no route keep the bare method as their name.
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithRouteSlot(r.Context())
			ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
			ctx, span := t.tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set("X-Trace-ID", sc.TraceID().String())
			}

			tw := &tracingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(tw, r.WithContext(ctx))
			finish(ctx, span, tw.statusCode)
		})
	}
}

var (
	routeAttr     = attribute.Key("gateway.route")
	requestIDAttr = attribute.Key("gateway.request_id")
)

func requestAttributes(r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLPath(r.URL.Path),
		semconv.ServerAddress(r.Host),
		semconv.UserAgentOriginal(r.UserAgent()),
	}
	if id := middleware.GetRequestID(r); id != "" {
		attrs = append(attrs, requestIDAttr.String(id))
	}
	return attrs
}

func finish(ctx context.Context, span trace.Span, status int) {
	if route := middleware.RouteFromContext(ctx); route != "" {
		span.SetName(route)
		span.SetAttributes(routeAttr.String(route))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	switch {
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
	case status == http.StatusTooManyRequests:
		span.AddEvent("rate limited")
	}
}

// Close flushes pending spans and shuts the provider down.
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// tracingWriter remembers the status the dispatcher wrote.
type tracingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (tw *tracingWriter) WriteHeader(code int) {
	tw.statusCode = code
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tracingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

func (tw *tracingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
