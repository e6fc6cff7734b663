// Package draft consumes the planner's draft stream and reduces it into the
// graph store.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/telemetry"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// streamEndedMessage is the drafting error recorded when the stream closes
// before plan_ready or plan_error.
const streamEndedMessage = "draft stream ended before the plan was ready"

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithValidator checks payloads before they are applied.
func WithValidator(v validation.EventValidator) Option {
	return func(in *Ingestor) { in.validator = v }
}

// WithTitleDeriver fills in missing node titles.
func WithTitleDeriver(d *expressions.TitleDeriver) Option {
	return func(in *Ingestor) { in.titles = d }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(in *Ingestor) { in.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

// WithOnReady registers a hook called with the plan id once the draft is
// ready and the manifest has been reconciled. It runs on the draft
// goroutine and must not call Start or Stop.
func WithOnReady(fn func(planID string)) Option {
	return func(in *Ingestor) { in.onReady = fn }
}

// Ingestor owns at most one draft subscription at a time.
type Ingestor struct {
	client    planner.Client
	store     *graphstore.Store
	validator validation.EventValidator
	titles    *expressions.TitleDeriver
	recorder  telemetry.Recorder
	logger    *slog.Logger
	onReady   func(planID string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runID  string
}

// New creates an Ingestor writing into store.
func New(client planner.Client, store *graphstore.Store, opts ...Option) *Ingestor {
	in := &Ingestor{
		client:   client,
		store:    store,
		recorder: telemetry.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return in
}

// Start cancels any running draft, resets the store into the drafting state
// and opens a new subscription. The run lives until the stream ends, Stop
// is called, or ctx is cancelled. It returns the draft run id.
func (in *Ingestor) Start(ctx context.Context, query, modelHint string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "draft query is required")
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopLocked()

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(logging.WithRunID(ctx, runID))
	in.cancel = cancel
	in.done = make(chan struct{})
	in.runID = runID

	in.store.StartDrafting()
	go in.run(runCtx, in.done, query, modelHint)

	logging.LogWith(runCtx, in.logger).Info("draft started", slog.String("model_hint", modelHint))
	return runID, nil
}

// Open binds an existing plan without drafting: any running draft is
// stopped, the store is reset and filled from the plan's manifest.
func (in *Ingestor) Open(ctx context.Context, planID string) error {
	if planID == "" {
		return schema.NewError(schema.ErrCodeValidation, "plan id is required")
	}
	in.Stop()
	log := logging.LogWith(logging.WithPlanID(ctx, planID), in.logger)

	detail, err := in.client.FetchPlanDetail(ctx, planID)
	if err != nil {
		log.Error("plan open failed", slog.String("error", err.Error()))
		return err
	}
	in.store.Reset()
	in.store.SetPlanInit(planID, detail.ProjectName, detail.ConversationSessionID)
	in.store.SetPlanDetail(in.detail(ctx, log, planID, detail))
	log.Info("plan opened", slog.Int("nodes", len(detail.Manifest)))
	if in.onReady != nil {
		in.onReady(planID)
	}
	return nil
}

// Stop cancels the running draft, if any, and waits for it to finish.
// No event is applied after Stop returns.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopLocked()
}

// Close stops the ingestor for teardown.
func (in *Ingestor) Close() error {
	in.Stop()
	return nil
}

// Running reports whether a draft subscription is active.
func (in *Ingestor) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done == nil {
		return false
	}
	select {
	case <-in.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the current run finishes. It is
// already closed when no run is active.
func (in *Ingestor) Done() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done == nil {
		return closedChan
	}
	return in.done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// RunID returns the id of the current or most recent run.
func (in *Ingestor) RunID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.runID
}

func (in *Ingestor) stopLocked() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	<-in.done
	in.cancel = nil
	in.done = nil
}

func (in *Ingestor) run(ctx context.Context, done chan struct{}, query, modelHint string) {
	defer close(done)
	log := logging.LogWith(ctx, in.logger)
	start := time.Now()

	frames, err := in.client.StreamDraft(ctx, query, modelHint)
	if err != nil {
		in.finish(ctx, log, start, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			in.finish(ctx, log, start, nil)
			return
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					in.finish(ctx, log, start, nil)
					return
				}
				in.finish(ctx, log, start, schema.NewError(schema.ErrCodeStream, streamEndedMessage))
				return
			}
			if ctx.Err() != nil {
				in.finish(ctx, log, start, nil)
				return
			}
			if f.Err != nil {
				in.finish(ctx, log, start, f.Err)
				return
			}
			if in.apply(ctx, log, start, f) {
				return
			}
		}
	}
}

// finish records how a run ended. A nil err on a live context cannot
// happen; on a cancelled context the store is left untouched.
func (in *Ingestor) finish(ctx context.Context, log *slog.Logger, start time.Time, err error) {
	if ctx.Err() != nil {
		in.recorder.RecordDraft(ctx, telemetry.DraftCancelled, time.Since(start))
		log.Info("draft cancelled")
		return
	}
	in.store.SetDraftingError(errorMessage(err))
	in.recorder.RecordDraft(ctx, telemetry.DraftError, time.Since(start))
	log.Warn("draft failed", slog.String("error", err.Error()))
}

// errorMessage is the user-facing text of err, without the code prefix
// PlanError adds.
func errorMessage(err error) string {
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// apply reduces one frame into the store. It returns true when the frame
// ends the run.
func (in *Ingestor) apply(ctx context.Context, log *slog.Logger, start time.Time, f schema.StreamFrame) bool {
	if in.validator != nil {
		if err := in.validator.ValidateEvent(f.Event, f.Data); err != nil {
			in.ignore(ctx, log, f.Event, err.Error())
			return false
		}
	}

	switch f.Event {
	case schema.StreamDrafting:
		// StartDrafting already signalled it.

	case schema.StreamPlanInit:
		var ev schema.PlanInitEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil || ev.PlanID == "" {
			in.ignore(ctx, log, f.Event, "missing plan_id")
			return false
		}
		in.store.SetPlanInit(ev.PlanID, ev.ProjectName, ev.ConversationSessionID)

	case schema.StreamNodeAdded:
		var ev schema.NodeAddedEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			in.ignore(ctx, log, f.Event, err.Error())
			return false
		}
		node, err := schema.DecodeNode(ev.Node)
		if err != nil {
			in.ignore(ctx, log, f.Event, err.Error())
			return false
		}
		in.store.ApplyNodeAdded(in.title(ctx, node))

	case schema.StreamLinkAdded:
		link, err := schema.DecodeLink(f.Data)
		if err != nil {
			in.ignore(ctx, log, f.Event, err.Error())
			return false
		}
		in.store.ApplyLinkAdded(link)

	case schema.StreamPlanReady:
		var ev schema.PlanReadyEvent
		_ = json.Unmarshal(f.Data, &ev)
		planID := ev.PlanID
		if planID == "" {
			planID = in.store.PlanID()
		}
		in.store.SetPlanReady(planID)
		in.recorder.RecordStreamEvent(ctx, f.Event, true)
		in.reconcile(ctx, log, start, planID)
		return true

	case schema.StreamPlanError:
		var ev schema.PlanErrorEvent
		_ = json.Unmarshal(f.Data, &ev)
		if ev.Message == "" {
			ev.Message = "planner reported an error"
		}
		in.store.SetDraftingError(ev.Message)
		in.recorder.RecordStreamEvent(ctx, f.Event, true)
		in.recorder.RecordDraft(ctx, telemetry.DraftError, time.Since(start))
		log.Warn("planner reported draft error", slog.String("message", ev.Message))
		return true

	default:
		in.ignore(ctx, log, f.Event, "unknown event")
		return false
	}

	in.recorder.RecordStreamEvent(ctx, f.Event, true)
	return false
}

func (in *Ingestor) ignore(ctx context.Context, log *slog.Logger, event, reason string) {
	in.recorder.RecordStreamEvent(ctx, event, false)
	log.Debug("stream event ignored", slog.String("event", event), slog.String("reason", reason))
}

func (in *Ingestor) title(ctx context.Context, n schema.PlanNode) schema.PlanNode {
	if in.titles == nil {
		return n
	}
	return in.titles.Apply(ctx, n)
}

// reconcile replaces the streamed state with the authoritative manifest.
// A failed fetch keeps the streamed state.
func (in *Ingestor) reconcile(ctx context.Context, log *slog.Logger, start time.Time, planID string) {
	defer func() {
		if ctx.Err() == nil && in.onReady != nil {
			in.onReady(planID)
		}
	}()

	if planID == "" {
		log.Warn("plan ready without a plan id; skipping detail fetch")
		in.recorder.RecordDraft(ctx, telemetry.DraftReady, time.Since(start))
		return
	}

	detail, err := in.client.FetchPlanDetail(ctx, planID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("plan detail fetch failed; keeping streamed plan", slog.String("error", err.Error()))
		in.recorder.RecordDraft(ctx, telemetry.DraftReady, time.Since(start))
		return
	}
	if ctx.Err() != nil {
		return
	}

	in.store.SetPlanDetail(in.detail(ctx, log, planID, detail))
	in.recorder.RecordDraft(ctx, telemetry.DraftReady, time.Since(start))
	log.Info("draft ready", slog.String("plan_id", planID))
}

// detail decodes a manifest; malformed nodes are skipped.
func (in *Ingestor) detail(ctx context.Context, log *slog.Logger, planID string, d *schema.PlanDetail) graphstore.Detail {
	out := graphstore.Detail{
		PlanID:                d.ID,
		ProjectName:           d.ProjectName,
		ConversationSessionID: d.ConversationSessionID,
		Nodes:                 make([]schema.PlanNode, 0, len(d.Manifest)),
		Links:                 d.Connections,
		Execution:             d.Execution,
	}
	if out.PlanID == "" {
		out.PlanID = planID
	}
	for _, raw := range d.Manifest {
		node, err := schema.DecodeNode(raw)
		if err != nil {
			log.Debug("manifest node skipped", slog.String("error", err.Error()))
			continue
		}
		out.Nodes = append(out.Nodes, in.title(ctx, node))
	}
	return out
}
