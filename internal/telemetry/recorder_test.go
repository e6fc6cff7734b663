package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRecorder(t *testing.T) (Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := NewRecorder(provider.Meter(MeterName))
	require.NoError(t, err)
	return r, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorder_StreamEvents(t *testing.T) {
	r, reader := newTestRecorder(t)
	ctx := context.Background()

	r.RecordStreamEvent(ctx, "node_added", true)
	r.RecordStreamEvent(ctx, "node_added", true)
	r.RecordStreamEvent(ctx, "heartbeat", false)

	m := findMetric(collect(t, reader), "plangraph.stream.events")
	assert.Equal(t, int64(3), sumTotal(t, m))

	sum := m.Data.(metricdata.Sum[int64])
	assert.Len(t, sum.DataPoints, 2, "one series per (event, applied)")
}

func TestRecorder_Polls(t *testing.T) {
	r, reader := newTestRecorder(t)
	ctx := context.Background()
	r.RecordPoll(ctx, PollMerged)
	r.RecordPoll(ctx, PollFailed)

	assert.Equal(t, int64(2), sumTotal(t, findMetric(collect(t, reader), "plangraph.poll.ticks")))
}

func TestRecorder_Commands(t *testing.T) {
	r, reader := newTestRecorder(t)
	ctx := context.Background()
	r.RecordCommand(ctx, "update_node", 15*time.Millisecond, nil)
	r.RecordCommand(ctx, "rerun_node", 20*time.Millisecond, errors.New("boom"))

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumTotal(t, findMetric(rm, "plangraph.command.calls")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "plangraph.command.errors")))

	latency := findMetric(rm, "plangraph.command.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecorder_Drafts(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.RecordDraft(context.Background(), "ready", time.Second)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "plangraph.draft.runs")))
	assert.NotNil(t, findMetric(rm, "plangraph.draft.latency_ms"))
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	ctx := context.Background()
	r.RecordStreamEvent(ctx, "x", true)
	r.RecordDraft(ctx, "ready", 0)
	r.RecordPoll(ctx, PollMerged)
	r.RecordCommand(ctx, "x", 0, errors.New("ignored"))
}

func TestNewGlobalRecorder(t *testing.T) {
	r := NewGlobalRecorder()
	require.NotNil(t, r)
	_, isNoop := r.(NoopRecorder)
	assert.False(t, isNoop)
}
