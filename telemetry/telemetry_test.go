package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yangfei222666-9/aios/core"
)

func testProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	spanExporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanExporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newProvider(tp, mp, &core.NoOpLogger{}), spanExporter, reader
}

func TestStartSpanRecordsSpan(t *testing.T) {
	p, spans, _ := testProvider(t)

	ctx, span := p.StartSpan(context.Background(), "dispatch.execute")
	require.NotNil(t, ctx)
	span.SetAttribute("agent_id", "coder-A")
	span.SetAttribute("attempt", 2)
	span.End()

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "dispatch.execute", got[0].Name)
}

func TestRecordMetricRoutesByName(t *testing.T) {
	p, _, reader := testProvider(t)

	p.RecordMetric("aios.dispatch.duration_ms", 125, map[string]string{"agent_id": "coder-A"})
	p.RecordMetric("aios.tasks.failed.count", 1, nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	kinds := map[string]string{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		switch m.Data.(type) {
		case metricdata.Histogram[float64]:
			kinds[m.Name] = "histogram"
		case metricdata.Sum[float64]:
			kinds[m.Name] = "counter"
		}
	}
	assert.Equal(t, "histogram", kinds["aios.dispatch.duration_ms"])
	assert.Equal(t, "counter", kinds["aios.tasks.failed.count"])
}

func TestEmitWithContextParsesLabelPairs(t *testing.T) {
	p, _, reader := testProvider(t)

	p.EmitWithContext(context.Background(), "aios.queue.depth", 7, "env", "prod", "dangling")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	assert.Equal(t, "aios.queue.depth", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestShutdownIsIdempotentAndStopsRecording(t *testing.T) {
	p, spans, _ := testProvider(t)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	spans.Reset()
	_, span := p.StartSpan(context.Background(), "after.shutdown")
	span.End()
	assert.Empty(t, spans.GetSpans())

	// Metric recording after shutdown is a silent no-op.
	p.RecordMetric("aios.dispatch.duration_ms", 1, nil)
}

func TestProviderImplementsCoreSeams(t *testing.T) {
	p, _, _ := testProvider(t)
	var _ core.Telemetry = p
	var _ core.MetricsRegistry = p
}
