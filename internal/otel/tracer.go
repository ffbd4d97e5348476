// Package otel provides OpenTelemetry tracing and metrics for the agent's
// own register and heartbeat calls.
package otel

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "ocmon-agent"

// ExporterType selects where spans and metrics are exported.
type ExporterType string

const (
	// ExporterNone disables export (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout writes to stdout, useful for debugging.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// ParseExporterType validates an exporter name.
func ParseExporterType(s string) (ExporterType, error) {
	switch t := ExporterType(s); t {
	case "", ExporterNone:
		return ExporterNone, nil
	case ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
		return t, nil
	default:
		return "", fmt.Errorf("unknown exporter type: %s", s)
	}
}

// Config holds tracer and meter settings.
type Config struct {
	// Enabled controls whether telemetry is exported. Default: false.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	ExporterType ExporterType

	// OTLPEndpoint is the collector address for OTLP exporters (e.g. "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are added to the resource of every span and metric.
	Attributes map[string]string
}

// DefaultConfig returns a configuration with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  defaultServiceName,
		ExporterType: ExporterNone,
	}
}

func (c *Config) active() bool {
	return c.Enabled && c.ExporterType != ExporterNone
}

// Tracer wraps an OpenTelemetry tracer provider.
type Tracer struct {
	config         *Config
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	shutdown       func(context.Context) error
	mu             sync.Mutex
}

// NewTracer creates a Tracer. A nil or disabled config yields a no-op tracer.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	t := &Tracer{
		config:     cfg,
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}

	if !cfg.active() {
		t.tracerProvider = noop.NewTracerProvider()
		t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	t.tracerProvider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = tp.Shutdown

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(t.propagator)

	return t, nil
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	t, _ := NewTracer(context.Background(), nil)
	return t
}

func newSpanExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.config.active()
}

// StartCallSpan starts a client span for a collector call such as
// "register" or "heartbeat".
func (t *Tracer) StartCallSpan(ctx context.Context, op, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ocmon.operation", op),
			semconv.HTTPRequestMethodKey.String(http.MethodPost),
			semconv.URLFull(url),
		),
	)
}

// EndCallSpan records the outcome of a collector call and ends the span.
func EndCallSpan(span trace.Span, status int, err error) {
	if status != 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectHeaders writes the trace context of ctx into outgoing headers.
func (t *Tracer) InjectHeaders(ctx context.Context, headers http.Header) {
	if !t.Enabled() {
		return
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// TraceID returns the trace ID of the span in ctx, or "" if there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
