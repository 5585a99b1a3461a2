// Package telemetry provides the OpenTelemetry-backed implementation of
// core.Telemetry and core.MetricsRegistry: spans around every external
// collaborator call (agent-worker dispatch, playbook actions,
// self-improvement cycles) and metrics for queue depth and dispatch
// latency.
//
// The provider is optional. When telemetry is disabled every component
// falls back to core.NoOpTelemetry, and loggers emit no metrics. When it
// is enabled, Init registers the provider with core.SetMetricsRegistry so
// already-constructed ProductionLoggers pick up metric emission without
// being rebuilt.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/yangfei222666-9/aios/core"
)

const meterName = "aios-telemetry"

// Provider is the OpenTelemetry span/metric pipeline. It implements both
// core.Telemetry (StartSpan/RecordMetric) and core.MetricsRegistry
// (Counter/Gauge/Histogram/EmitWithContext).
type Provider struct {
	tracer         oteltrace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	instruments    *instruments
	logger         core.Logger

	mu       sync.RWMutex
	shutdown bool
}

// Init builds the telemetry pipeline for cfg and registers it as the
// process-wide metrics registry. With an empty Endpoint the stdout
// exporters are used (single-operator deployment, no collector
// required); with an Endpoint set, spans and metrics export over
// OTLP/gRPC.
func Init(ctx context.Context, cfg core.TelemetryConfig, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aios/telemetry")
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name cannot be empty")
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	var (
		traceExporter  sdktrace.SpanExporter
		metricExporter sdkmetric.Exporter
		err            error
	)
	if cfg.Endpoint == "" {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout trace exporter: %w", err)
		}
		metricExporter, err = stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout metric exporter: %w", err)
		}
	} else {
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create trace exporter for %s: %w", cfg.Endpoint, err)
		}
		metricExporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			if shutdownErr := traceExporter.Shutdown(ctx); shutdownErr != nil {
				logger.Debug("trace exporter cleanup after metric exporter failure", map[string]interface{}{
					"error": shutdownErr.Error(),
				})
			}
			return nil, fmt.Errorf("telemetry: create metric exporter for %s: %w", cfg.Endpoint, err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p := newProvider(tp, mp, logger)
	core.SetMetricsRegistry(p)

	logger.Info("telemetry provider initialized", map[string]interface{}{
		"service_name": serviceName,
		"exporter":     exporterName(cfg.Endpoint),
	})
	return p, nil
}

// newProvider wires a Provider from already-built SDK providers. Tests
// use it directly with an in-memory tracer provider so nothing exports.
func newProvider(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, logger core.Logger) *Provider {
	meter := mp.Meter(meterName)
	return &Provider{
		tracer:         tp.Tracer(meterName),
		meter:          meter,
		traceProvider:  tp,
		metricProvider: mp,
		instruments:    newInstruments(meter),
		logger:         logger,
	}
}

func exporterName(endpoint string) string {
	if endpoint == "" {
		return "stdout"
	}
	return "otlp/grpc " + endpoint
}

// StartSpan implements core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down || p.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry. The metric name routes to an
// instrument type by naming convention: duration/latency/time names
// record as histograms, count/total/errors/success names as counters,
// everything else as a histogram.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	p.instruments.record(context.Background(), name, value, attrs)
}

// Counter implements core.MetricsRegistry.
func (p *Provider) Counter(name string, labels ...string) {
	p.EmitWithContext(context.Background(), name, 1, labels...)
}

// Gauge implements core.MetricsRegistry.
func (p *Provider) Gauge(name string, value float64, labels ...string) {
	p.EmitWithContext(context.Background(), name, value, labels...)
}

// Histogram implements core.MetricsRegistry.
func (p *Provider) Histogram(name string, value float64, labels ...string) {
	p.EmitWithContext(context.Background(), name, value, labels...)
}

// EmitWithContext implements core.MetricsRegistry. labels are
// alternating key/value pairs; a trailing odd key is dropped.
func (p *Provider) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	p.instruments.record(ctx, name, value, attrs)
}

// Shutdown flushes and stops both providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()

	var firstErr error
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("telemetry: trace provider shutdown: %w", err)
	}
	if err := p.metricProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("telemetry: metric provider shutdown: %w", err)
	}
	return firstErr
}

// instruments lazily creates one OTel instrument per metric name. The
// maps grow with the set of distinct metric names, which is small and
// fixed at compile time for AIOS's own metrics.
type instruments struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func newInstruments(meter metric.Meter) *instruments {
	return &instruments{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (in *instruments) record(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) {
	if isCounterName(name) {
		c, err := in.counter(name)
		if err != nil {
			return
		}
		c.Add(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	h, err := in.histogram(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

func (in *instruments) counter(name string) (metric.Float64Counter, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c, ok := in.counters[name]; ok {
		return c, nil
	}
	c, err := in.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	in.counters[name] = c
	return c, nil
}

func (in *instruments) histogram(name string) (metric.Float64Histogram, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if h, ok := in.histograms[name]; ok {
		return h, nil
	}
	h, err := in.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	in.histograms[name] = h
	return h, nil
}

// isCounterName reports whether the metric name reads as a cumulative
// counter by prefix or suffix convention.
func isCounterName(name string) bool {
	for _, substr := range []string{"count", "total", "errors", "success"} {
		if len(name) >= len(substr) &&
			(name[len(name)-len(substr):] == substr || name[:len(substr)] == substr) {
			return true
		}
	}
	return false
}
