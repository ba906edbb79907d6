package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "tsuzuki", "test", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Instruments from the global no-op providers are usable.
	counter, err := Meter("tsuzuki/test").Int64Counter("test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("tsuzuki/test").Start(context.Background(), "noop")
	span.End()
}

func TestDurationViewsSetBuckets(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(jobDurationView(), toolDurationView()),
	)
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	meter := mp.Meter("tsuzuki/test")
	jobs, err := meter.Float64Histogram("tsuzuki.jobs.duration")
	require.NoError(t, err)
	tools, err := meter.Float64Histogram("tsuzuki.tools.duration")
	require.NoError(t, err)
	jobs.Record(ctx, 42)
	tools.Record(ctx, 12)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	bounds := map[string][]float64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		h, ok := m.Data.(metricdata.Histogram[float64])
		require.True(t, ok, m.Name)
		require.Len(t, h.DataPoints, 1)
		bounds[m.Name] = h.DataPoints[0].Bounds
	}
	assert.Equal(t, 3600.0, bounds["tsuzuki.jobs.duration"][len(bounds["tsuzuki.jobs.duration"])-1])
	assert.Equal(t, 5.0, bounds["tsuzuki.tools.duration"][0])
}
