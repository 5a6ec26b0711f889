package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew_NoReaders(t *testing.T) {
	tel, err := New("dispatch", "test")
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	meter := tel.Meter("test")
	counter, err := meter.Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}

func TestNilTelemetry_FallsBackToGlobal(t *testing.T) {
	var tel *Telemetry
	meter := tel.Meter("test")
	require.NotNil(t, meter)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestClientMetrics_RecordsThroughReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := New("dispatch", "test", reader)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	metrics, err := NewClientMetrics(tel.Meter("dispatch.client"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.JobStarted(ctx, "generate_spec")
	metrics.JobCompleted(ctx)
	metrics.FrameDecoded(ctx, "log")
	metrics.FrameDecoded(ctx, "progress")
	metrics.FrameDropped(ctx)
	metrics.StreamResumed(ctx)
	metrics.RetrievalFailed(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				got[m.Name] = total
			}
		}
	}

	assert.Equal(t, int64(1), got["dispatch.jobs.started"])
	assert.Equal(t, int64(1), got["dispatch.jobs.completed"])
	assert.Equal(t, int64(2), got["dispatch.stream.frames.decoded"])
	assert.Equal(t, int64(1), got["dispatch.stream.frames.dropped"])
	assert.Equal(t, int64(1), got["dispatch.stream.resumes"])
	assert.Equal(t, int64(1), got["dispatch.memory.retrieval.failures"])
}

func TestClientMetrics_NilSafe(t *testing.T) {
	var m *ClientMetrics
	ctx := context.Background()
	// None of these may panic.
	m.JobStarted(ctx, "x")
	m.JobCompleted(ctx)
	m.JobFailed(ctx)
	m.FrameDecoded(ctx, "log")
	m.FrameDropped(ctx)
	m.StreamResumed(ctx)
	m.RetrievalFailed(ctx)
}
