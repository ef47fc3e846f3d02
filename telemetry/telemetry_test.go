package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-session/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Joins.Add(ctx, 1)
	m.Joins.Add(ctx, 1)
	m.AICompletions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))

	rm := metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	found := map[string]int64{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				found[md.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), found["gateway.joins"])
	assert.Equal(t, int64(1), found["gateway.ai.completions"])
}

func TestInitNoop(t *testing.T) {
	meter, cleanup, err := Init(config.TelemetryConfig{})
	require.NoError(t, err)
	defer cleanup()
	_, err = NewMetrics(meter)
	assert.NoError(t, err)
	assert.NotNil(t, NoopMetrics())
}

func TestInitFile(t *testing.T) {
	meter, cleanup, err := Init(config.TelemetryConfig{
		MetricsFile: filepath.Join(t.TempDir(), "metrics.log"),
		Interval:    time.Hour,
	})
	require.NoError(t, err)
	m, err := NewMetrics(meter)
	require.NoError(t, err)
	m.Messages.Add(context.Background(), 1)
	cleanup()
}
