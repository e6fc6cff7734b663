// Package logging carries plan correlation ids through contexts and injects
// them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	planIDKey ctxKey = iota
	nodeIDKey
	runIDKey
)

// Attribute names used for correlation ids, in output order.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{planIDKey, "plan_id"},
	{nodeIDKey, "node_id"},
	{runIDKey, "run_id"},
}

// WithPlanID returns a context with the plan ID set.
func WithPlanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithRunID returns a context tagged with a draft run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// PlanID extracts the plan ID from the context, or "" if absent.
func PlanID(ctx context.Context) string { return value(ctx, planIDKey) }

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string { return value(ctx, nodeIDKey) }

// RunID extracts the draft run ID from the context, or "" if absent.
func RunID(ctx context.Context) string { return value(ctx, runIDKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// attrs returns the non-empty correlation ids on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, a := range correlationAttrs {
		if v := value(ctx, a.key); v != "" {
			out = append(out, slog.String(a.name, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug/info/warn/error (case-insensitive) to a slog level,
// defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger writing text (or JSON) records to w.
func New(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if json {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
