package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Result values used as the "result" attribute.
const (
	ResultOK           = "ok"
	ResultTransient    = "transient"
	ResultUnauthorized = "unauthorized"
	ResultFailed       = "failed"
)

// Metrics records counters about the agent's own behaviour.
type Metrics struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	lastOK    atomic.Int64
	lastOKReg metric.Registration

	heartbeats    metric.Int64Counter
	registrations metric.Int64Counter
	backoffDelay  metric.Float64Histogram
	lastOKGauge   metric.Int64ObservableGauge
}

// NewMetrics creates a Metrics instance. A nil or disabled config yields
// a meter whose instruments record into an unexported provider.
func NewMetrics(ctx context.Context, cfg *Config) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.active() {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

// NoopMetrics returns a Metrics that records nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(context.Background(), nil)
	return m
}

func newMetricExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.heartbeats, err = m.meter.Int64Counter(
		"ocmon.agent.heartbeats",
		metric.WithDescription("Heartbeat attempts by result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat counter: %w", err)
	}

	m.registrations, err = m.meter.Int64Counter(
		"ocmon.agent.registrations",
		metric.WithDescription("Registration attempts by result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create registration counter: %w", err)
	}

	m.backoffDelay, err = m.meter.Float64Histogram(
		"ocmon.agent.backoff.delay",
		metric.WithDescription("Backoff sleeps after failed calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create backoff histogram: %w", err)
	}

	m.lastOKGauge, err = m.meter.Int64ObservableGauge(
		"ocmon.agent.last_ok",
		metric.WithDescription("Unix time of the last accepted heartbeat"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create last_ok gauge: %w", err)
	}

	m.lastOKReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			if ts := m.lastOK.Load(); ts > 0 {
				o.ObserveInt64(m.lastOKGauge, ts)
			}
			return nil
		},
		m.lastOKGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register last_ok callback: %w", err)
	}
	return nil
}

// RecordHeartbeat counts a heartbeat attempt.
func (m *Metrics) RecordHeartbeat(ctx context.Context, result string) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRegistration counts a registration attempt.
func (m *Metrics) RecordRegistration(ctx context.Context, result string) {
	if m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBackoff records a backoff sleep.
func (m *Metrics) RecordBackoff(ctx context.Context, delay time.Duration) {
	if m.backoffDelay == nil {
		return
	}
	m.backoffDelay.Record(ctx, delay.Seconds())
}

// SetLastOK stores the last accepted heartbeat time for the gauge.
func (m *Metrics) SetLastOK(ts int64) {
	m.lastOK.Store(ts)
}

// LastOK returns the value last passed to SetLastOK.
func (m *Metrics) LastOK() int64 {
	return m.lastOK.Load()
}

// Enabled returns whether metrics are exported.
func (m *Metrics) Enabled() bool {
	return m.config.active()
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastOKReg != nil {
		if err := m.lastOKReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister last_ok callback: %w", err)
		}
		m.lastOKReg = nil
	}
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}
