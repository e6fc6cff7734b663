// Package poller periodically merges a plan's execution snapshot into the
// graph store.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/telemetry"
	"github.com/rendis/plangraph/pkg/schema"
)

// DefaultSchedule polls every two seconds.
const DefaultSchedule = "@every 2s"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression or descriptor ("@every 5s").
// Descriptor delays are whole seconds.
// An empty spec yields DefaultSchedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse poll schedule %q", spec).WithCause(err)
	}
	return s, nil
}

// Option configures a Poller.
type Option func(*Poller)

// WithSchedule sets the tick schedule.
func WithSchedule(s cron.Schedule) Option {
	return func(p *Poller) { p.schedule = s }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// Poller runs at most one poll loop, bound to one plan id.
type Poller struct {
	client   planner.Client
	store    *graphstore.Store
	schedule cron.Schedule
	recorder telemetry.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	planID string
}

// New creates a Poller that merges into store.
func New(client planner.Client, store *graphstore.Store, opts ...Option) *Poller {
	p := &Poller{
		client:   client,
		store:    store,
		recorder: telemetry.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.schedule == nil {
		p.schedule = cron.Every(2 * time.Second)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return p
}

// Watch starts polling planID, replacing any running loop. The first
// fetch is issued immediately. An empty planID only stops polling.
func (p *Poller) Watch(ctx context.Context, planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if planID == "" {
		return
	}

	loopCtx, cancel := context.WithCancel(logging.WithPlanID(ctx, planID))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.planID = planID

	go p.loop(loopCtx, p.done, planID)
	p.logger.Info("status polling started", slog.String("plan_id", planID))
}

// Stop cancels the poll loop and waits for it. No request is issued and
// no merge is applied after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Watching returns the plan id being polled, or "".
func (p *Poller) Watching() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.planID
}

func (p *Poller) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("status polling stopped", slog.String("plan_id", p.planID))
	p.cancel = nil
	p.done = nil
	p.planID = ""
}

func (p *Poller) loop(ctx context.Context, done chan struct{}, planID string) {
	defer close(done)

	p.tick(ctx, planID)

	for {
		now := time.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.tick(ctx, planID)
		}
	}
}

func (p *Poller) tick(ctx context.Context, planID string) {
	if ctx.Err() != nil {
		return
	}
	if p.store.PlanID() != planID {
		p.recorder.RecordPoll(ctx, telemetry.PollSkipped)
		return
	}
	_ = p.PollOnce(ctx, planID)
}

// PollOnce fetches one snapshot for planID and merges it. The merge is
// dropped when planID is no longer bound or ctx is done.
func (p *Poller) PollOnce(ctx context.Context, planID string) error {
	log := logging.LogWith(ctx, p.logger)

	snap, err := p.client.FetchPlanStatus(ctx, planID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recorder.RecordPoll(ctx, telemetry.PollFailed)
		log.Warn("status fetch failed", slog.String("error", err.Error()))
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	statuses := DecodeStatuses(snap.Nodes, log)
	if !p.store.MergeStatus(planID, snap.Execution, snap.Checkpoint, statuses) {
		p.recorder.RecordPoll(ctx, telemetry.PollStale)
		log.Debug("status merge dropped: plan no longer bound")
		return nil
	}
	p.recorder.RecordPoll(ctx, telemetry.PollMerged)
	return nil
}

// DecodeStatuses reads per-node status records, each either a bare status
// string or an object with a "status" field. Malformed records and unknown
// status values are skipped.
func DecodeStatuses(nodes map[string]json.RawMessage, log *slog.Logger) map[string]schema.NodeStatus {
	out := make(map[string]schema.NodeStatus, len(nodes))
	for id, raw := range nodes {
		status, ok := decodeStatus(raw)
		if !ok {
			if log != nil {
				log.Debug("node status record skipped", slog.String("node_id", id))
			}
			continue
		}
		out[id] = status
	}
	return out
}

func decodeStatus(raw json.RawMessage) (schema.NodeStatus, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		st := schema.NodeStatus(s)
		return st, st.Valid()
	}
	var rec struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false
	}
	st := schema.NodeStatus(rec.Status)
	return st, st.Valid()
}
