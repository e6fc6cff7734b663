// Package telemetry records plangraph metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of all plangraph instruments.
const MeterName = "plangraph"

// Draft outcomes reported to RecordDraft.
const (
	DraftReady     = "ready"
	DraftError     = "error"
	DraftCancelled = "cancelled"
)

// Poll outcomes reported to RecordPoll.
const (
	PollMerged  = "merged"
	PollStale   = "stale"
	PollFailed  = "failed"
	PollSkipped = "skipped"
)

// Recorder records plangraph metrics.
// Use NewRecorder for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordStreamEvent counts one draft stream event, applied or ignored.
	RecordStreamEvent(ctx context.Context, event string, applied bool)
	// RecordDraft counts a finished draft run by outcome (ready, error, cancelled).
	RecordDraft(ctx context.Context, outcome string, duration time.Duration)
	// RecordPoll counts one status poll by outcome.
	RecordPoll(ctx context.Context, outcome string)
	// RecordCommand counts a planner command (update, rerun, ...) and its latency.
	RecordCommand(ctx context.Context, command string, duration time.Duration, err error)
}

type otelRecorder struct {
	streamEvents   metric.Int64Counter
	drafts         metric.Int64Counter
	draftLatency   metric.Float64Histogram
	polls          metric.Int64Counter
	commands       metric.Int64Counter
	commandErrors  metric.Int64Counter
	commandLatency metric.Float64Histogram
}

// NewRecorder creates a Recorder on the given meter.
func NewRecorder(meter metric.Meter) (Recorder, error) {
	r := &otelRecorder{}
	var err error

	if r.streamEvents, err = meter.Int64Counter("plangraph.stream.events",
		metric.WithDescription("Draft stream events received"),
	); err != nil {
		return nil, err
	}
	if r.drafts, err = meter.Int64Counter("plangraph.draft.runs",
		metric.WithDescription("Finished draft runs"),
	); err != nil {
		return nil, err
	}
	if r.draftLatency, err = meter.Float64Histogram("plangraph.draft.latency_ms",
		metric.WithDescription("Draft run duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.polls, err = meter.Int64Counter("plangraph.poll.ticks",
		metric.WithDescription("Status poll ticks by outcome"),
	); err != nil {
		return nil, err
	}
	if r.commands, err = meter.Int64Counter("plangraph.command.calls",
		metric.WithDescription("Planner commands issued"),
	); err != nil {
		return nil, err
	}
	if r.commandErrors, err = meter.Int64Counter("plangraph.command.errors",
		metric.WithDescription("Planner commands that failed"),
	); err != nil {
		return nil, err
	}
	if r.commandLatency, err = meter.Float64Histogram("plangraph.command.latency_ms",
		metric.WithDescription("Planner command latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

// NewGlobalRecorder returns a Recorder on the global OTel meter provider,
// or a no-op recorder if instrument creation fails.
func NewGlobalRecorder() Recorder {
	r, err := NewRecorder(otel.Meter(MeterName))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopRecorder{}
	}
	return r
}

func (r *otelRecorder) RecordStreamEvent(ctx context.Context, event string, applied bool) {
	r.streamEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("applied", applied),
	))
}

func (r *otelRecorder) RecordDraft(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.drafts.Add(ctx, 1, attrs)
	r.draftLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (r *otelRecorder) RecordPoll(ctx context.Context, outcome string) {
	r.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *otelRecorder) RecordCommand(ctx context.Context, command string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("command", command))
	r.commands.Add(ctx, 1, attrs)
	r.commandLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		r.commandErrors.Add(ctx, 1, attrs)
	}
}

// NoopRecorder discards all measurements.
type NoopRecorder struct{}

func (NoopRecorder) RecordStreamEvent(context.Context, string, bool)             {}
func (NoopRecorder) RecordDraft(context.Context, string, time.Duration)          {}
func (NoopRecorder) RecordPoll(context.Context, string)                          {}
func (NoopRecorder) RecordCommand(context.Context, string, time.Duration, error) {}

var (
	_ Recorder = (*otelRecorder)(nil)
	_ Recorder = NoopRecorder{}
)
