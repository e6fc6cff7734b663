package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", PlanID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", RunID(ctx))

	ctx = WithPlanID(ctx, "plan-123")
	ctx = WithNodeID(ctx, "node-1")
	ctx = WithRunID(ctx, "run-42")

	assert.Equal(t, "plan-123", PlanID(ctx))
	assert.Equal(t, "node-1", NodeID(ctx))
	assert.Equal(t, "run-42", RunID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithPlanID(context.Background(), "plan-abc"), "node-x")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "plan_id=plan-abc")
	assert.Contains(t, output, "node_id=node-x")
	assert.NotContains(t, output, "run_id")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, true)

	ctx := WithRunID(WithPlanID(context.Background(), "plan-auto"), "run-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"plan_id":"plan-auto"`)
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.NotContains(t, output, "node_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, true)

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "plan_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "poller")}).WithGroup("poll"))

	logger.InfoContext(WithPlanID(context.Background(), "plan-attr"), "with attrs", "tick", 3)

	output := buf.String()
	assert.Contains(t, output, "plan-attr")
	assert.Contains(t, output, `"component":"poller"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, ParseLevel("warn"), false)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
