// Package tracing provides OpenTelemetry integration for distributed tracing.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Shavakan/runs-queue/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "runs-queue"
	serviceVersion = "1.0.0"
)

var tracingLog = logging.WithComponent(logging.LogTypeTracing, "otel")

// Config holds tracing configuration.
type Config struct {
	Enabled       bool
	Endpoint      string
	SamplingRatio float64
}

// LoadConfig loads tracing configuration from environment variables.
func LoadConfig() *Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return &Config{Enabled: false}
	}

	samplingRatio := 1.0
	if ratio := os.Getenv("OTEL_TRACE_SAMPLING_RATIO"); ratio != "" {
		if r, err := strconv.ParseFloat(ratio, 64); err == nil && r >= 0 && r <= 1 {
			samplingRatio = r
		}
	}

	return &Config{
		Enabled:       true,
		Endpoint:      endpoint,
		SamplingRatio: samplingRatio,
	}
}

// Provider wraps the OpenTelemetry trace provider with optional graceful shutdown.
type Provider struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// Init initializes the OpenTelemetry trace provider.
// Returns a no-op provider if tracing is disabled.
func Init(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		tracingLog.Info("opentelemetry tracing disabled")
		return &Provider{enabled: false}, nil
	}

	tracingLog.Info("initializing opentelemetry tracing", slog.String(logging.KeyAddr, cfg.Endpoint))

	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", os.Getenv("RUNS_QUEUE_ENVIRONMENT")),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{provider: provider, enabled: true}, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// IsEnabled returns whether tracing is enabled.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}

// Tracer returns a tracer for the given package name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(serviceName).Start(ctx, name, opts...)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// HTTPMiddleware instruments HTTP handlers with tracing.
type HTTPMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewHTTPMiddleware creates a new HTTP tracing middleware.
func NewHTTPMiddleware() *HTTPMiddleware {
	return &HTTPMiddleware{
		tracer:     Tracer("http"),
		propagator: otel.GetTextMapPropagator(),
	}
}

// Wrap starts a server span per request, continuing any incoming trace context.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := m.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := m.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// QueueTracer provides spans for queue operations.
type QueueTracer struct {
	tracer trace.Tracer
}

// NewQueueTracer creates a queue tracer on the global provider.
func NewQueueTracer() *QueueTracer {
	return &QueueTracer{tracer: Tracer("queue")}
}

// NewQueueTracerWithProvider creates a queue tracer on the given provider.
func NewQueueTracerWithProvider(tp trace.TracerProvider) *QueueTracer {
	return &QueueTracer{tracer: tp.Tracer("queue")}
}

// StartDequeueSpan starts a span for a worker's dequeue request.
func (t *QueueTracer) StartDequeueSpan(ctx context.Context, workerID, requestID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dequeue_bucket",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("request.id", requestID),
		),
	)
}

// StartAcceptSpan starts a span for accepting a testing result.
func (t *QueueTracer) StartAcceptSpan(ctx context.Context, workerID, requestID, bucketID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "accept_result",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("request.id", requestID),
			attribute.String("bucket.id", bucketID),
		),
	)
}

// StartSweepSpan starts a span for a stuck bucket sweep.
func (t *QueueTracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "reenqueue_stuck_buckets")
}

// WithTimeout wraps a context with timeout and adds it as a span attribute.
func WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	SetAttributes(ctx, attribute.String("operation", operation))
	return ctx, cancel
}
