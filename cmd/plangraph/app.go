package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/poller"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/internal/telemetry"
	"github.com/rendis/plangraph/internal/workspace"
)

// app owns the workspace and everything it was built from.
type app struct {
	cfg    Config
	logger *slog.Logger
	ws     *workspace.Workspace

	prefs  store.Store
	reader *sdkmetric.ManualReader
	meters *sdkmetric.MeterProvider
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	a := &app{cfg: cfg, logger: logger}

	schedule, err := poller.ParseSchedule(cfg.PollSchedule)
	if err != nil {
		return nil, err
	}

	if cfg.PrefsDB == "" {
		a.prefs = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.PrefsDB), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.PrefsDB), err)
		}
		prefs, err := store.OpenLibSQLStore(ctx, cfg.PrefsDB)
		if err != nil {
			return nil, fmt.Errorf("open preferences: %w", err)
		}
		a.prefs = prefs
	}

	var recorder telemetry.Recorder = telemetry.NoopRecorder{}
	if cfg.Metrics {
		res := resource.NewSchemaless(
			attribute.String("service.name", "plangraph"),
			attribute.String("service.version", version),
		)
		a.reader = sdkmetric.NewManualReader()
		a.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(a.meters)
		recorder = telemetry.NewGlobalRecorder()
	}

	client := planner.NewHTTPClient(cfg.PlannerURL,
		planner.WithRequestTimeout(cfg.RequestTimeout),
		planner.WithRetry(planner.DefaultRetryPolicy()),
		planner.WithHTTPLogger(logger),
	)
	ws, err := workspace.New(client,
		workspace.WithPreferences(a.prefs),
		workspace.WithPollSchedule(schedule),
		workspace.WithNamespace(cfg.Namespace),
		workspace.WithLockKey(cfg.LockKey),
		workspace.WithRecorder(recorder),
		workspace.WithLogger(logger),
	)
	if err != nil {
		_ = a.prefs.Close()
		return nil, err
	}
	a.ws = ws
	return a, nil
}

// Close stops the workspace, logs collected metrics and closes storage.
func (a *app) Close(ctx context.Context) error {
	_ = a.ws.Close()
	if a.reader != nil {
		a.logMetrics(ctx)
		_ = a.meters.Shutdown(ctx)
	}
	return a.prefs.Close()
}

// logMetrics writes one summary line per instrument.
func (a *app) logMetrics(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := a.reader.Collect(ctx, &rm); err != nil {
		a.logger.Warn("collect metrics", slog.String("error", err.Error()))
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				a.logger.Info("metric", slog.String("name", m.Name), slog.Int64("total", total))
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				a.logger.Info("metric", slog.String("name", m.Name),
					slog.Uint64("count", count), slog.Float64("sum", sum))
			}
		}
	}
}
