// Package workspace wires the plan graph components for one session and
// exposes the derived view and user commands to the host UI.
package workspace

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/plangraph/internal/collapse"
	"github.com/rendis/plangraph/internal/diagram"
	"github.com/rendis/plangraph/internal/draft"
	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/nodeedit"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/poller"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/internal/telemetry"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// Diagram formats accepted by Diagram.
const (
	FormatMermaid = "mermaid"
	FormatPNG     = "png"
)

// Option configures a Workspace.
type Option func(*options)

type options struct {
	prefs     store.Store
	schedule  cron.Schedule
	namespace string
	lockKey   string
	recorder  telemetry.Recorder
	logger    *slog.Logger
}

// WithPreferences persists collapse state to prefs.
func WithPreferences(prefs store.Store) Option {
	return func(o *options) { o.prefs = prefs }
}

// WithPollSchedule sets the status poll schedule.
func WithPollSchedule(s cron.Schedule) Option {
	return func(o *options) { o.schedule = s }
}

// WithNamespace sets the preference key namespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithLockKey sets the key that toggles critical-path lock mode.
func WithLockKey(key string) Option {
	return func(o *options) { o.lockKey = key }
}

// WithRecorder sets the metrics recorder shared by all components.
func WithRecorder(r telemetry.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Workspace is one plan graph session.
type Workspace struct {
	client   planner.Client
	hub      *streaming.MemoryHub
	store    *graphstore.Store
	ingestor *draft.Ingestor
	poller   *poller.Poller
	collapse *collapse.Controller
	edits    *nodeedit.Controller
	rules    *expressions.RuleChecker
	recorder telemetry.Recorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex // serializes collapse sync with view derivation
}

// New builds a workspace talking to client. Background work (draft runs,
// polling, rerun reconciliation) lives until Close.
func New(client planner.Client, opts ...Option) (*Workspace, error) {
	o := options{recorder: telemetry.NoopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	rules, err := expressions.NewRuleChecker()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ws := &Workspace{
		client:   client,
		hub:      streaming.NewMemoryHub(),
		rules:    rules,
		recorder: o.recorder,
		logger:   o.logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	ws.store = graphstore.New(graphstore.WithHub(ws.hub), graphstore.WithLogger(o.logger))

	collapseOpts := []collapse.Option{collapse.WithLogger(o.logger)}
	if o.namespace != "" {
		collapseOpts = append(collapseOpts, collapse.WithNamespace(o.namespace))
	}
	if o.lockKey != "" {
		collapseOpts = append(collapseOpts, collapse.WithLockKey(o.lockKey))
	}
	ws.collapse = collapse.New(o.prefs, collapseOpts...)

	pollOpts := []poller.Option{poller.WithRecorder(o.recorder), poller.WithLogger(o.logger)}
	if o.schedule != nil {
		pollOpts = append(pollOpts, poller.WithSchedule(o.schedule))
	}
	ws.poller = poller.New(client, ws.store, pollOpts...)

	ws.ingestor = draft.New(client, ws.store,
		draft.WithValidator(validator),
		draft.WithTitleDeriver(expressions.NewTitleDeriver()),
		draft.WithRecorder(o.recorder),
		draft.WithLogger(o.logger),
		draft.WithOnReady(ws.bind),
	)
	ws.edits = nodeedit.New(client, ws.store,
		nodeedit.WithHub(ws.hub),
		nodeedit.WithRuleChecker(rules),
		nodeedit.WithRecorder(o.recorder),
		nodeedit.WithLogger(o.logger),
	)

	if err := ws.edits.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	return ws, nil
}

// bind starts polling a ready plan and restores its collapse state.
func (ws *Workspace) bind(planID string) {
	ws.poller.Watch(ws.ctx, planID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.collapse.PlanID() != planID {
		ws.collapse.Open(ws.ctx, planID)
	}
}

// Store exposes the graph store for read access.
func (ws *Workspace) Store() *graphstore.Store { return ws.store }

// Hub exposes store change notifications.
func (ws *Workspace) Hub() streaming.EventHub { return ws.hub }

// Draft starts drafting a plan from query, superseding any running draft.
// Polling stops until the new plan is ready.
func (ws *Workspace) Draft(ctx context.Context, query, modelHint string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "draft query is required")
	}
	ws.ingestor.Stop()
	ws.poller.Stop()
	ws.mu.Lock()
	ws.collapse.Open(ctx, "")
	ws.mu.Unlock()
	return ws.ingestor.Start(ws.ctx, query, modelHint)
}

// WaitDraft blocks until the running draft finishes and returns the
// resulting view. A failed draft is reported through View.Error.
func (ws *Workspace) WaitDraft(ctx context.Context) (View, error) {
	select {
	case <-ws.ingestor.Done():
		return ws.View(ctx), nil
	case <-ctx.Done():
		return View{}, schema.NewError(schema.ErrCodeCancelled, "wait for draft").WithCause(ctx.Err())
	}
}

// Open binds an existing plan and starts polling it.
func (ws *Workspace) Open(ctx context.Context, planID string) error {
	ws.poller.Stop()
	return ws.ingestor.Open(ctx, planID)
}

// StopDraft cancels a running draft.
func (ws *Workspace) StopDraft() {
	ws.ingestor.Stop()
}

// Refresh polls the bound plan once, outside the schedule.
func (ws *Workspace) Refresh(ctx context.Context) error {
	planID := ws.store.PlanID()
	if planID == "" {
		return schema.NewError(schema.ErrCodeInvalidState, "no plan is bound")
	}
	return ws.poller.PollOnce(ctx, planID)
}

// ToggleBranch flips one branch root and returns the updated view.
func (ws *Workspace) ToggleBranch(ctx context.Context, rootID string) (View, error) {
	ws.View(ctx)
	if !ws.collapse.Toggle(ctx, rootID) {
		if ws.collapse.Locked() {
			return View{}, schema.NewError(schema.ErrCodeInvalidState, "branches cannot be toggled while the critical path is locked")
		}
		return View{}, schema.NewErrorf(schema.ErrCodeNotFound, "no branch rooted at %q", rootID)
	}
	return ws.View(ctx), nil
}

// ToggleLock engages or releases critical-path lock mode and returns the
// updated view.
func (ws *Workspace) ToggleLock(ctx context.Context) View {
	ws.View(ctx)
	ws.collapse.ToggleLock(ctx)
	return ws.View(ctx)
}

// HandleKey routes a key press to the lock binding. It reports whether the
// key was consumed.
func (ws *Workspace) HandleKey(ctx context.Context, key string, inTextInput bool) bool {
	return ws.collapse.HandleKey(ctx, key, inTextInput)
}

// Select moves the selection cursor to a node; "" clears it.
func (ws *Workspace) Select(nodeID string) error {
	if err := ws.requireNode(nodeID); err != nil {
		return err
	}
	ws.store.SetSelectedNodeID(nodeID)
	return nil
}

// Focus moves the focus cursor to a node; "" clears it.
func (ws *Workspace) Focus(nodeID string) error {
	if err := ws.requireNode(nodeID); err != nil {
		return err
	}
	ws.store.SetFocusNodeID(nodeID)
	return nil
}

// Highlight moves the highlight cursor to a node; "" clears it.
func (ws *Workspace) Highlight(nodeID string) error {
	if err := ws.requireNode(nodeID); err != nil {
		return err
	}
	ws.store.SetHighlightNodeID(nodeID)
	return nil
}

func (ws *Workspace) requireNode(nodeID string) error {
	if nodeID == "" {
		return nil
	}
	if _, ok := ws.store.Node(nodeID); !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", nodeID).WithNode(nodeID)
	}
	return nil
}

// Node returns the detail panel of a node.
func (ws *Workspace) Node(nodeID string) (nodeedit.Panel, error) {
	return ws.edits.Panel(nodeID)
}

// SaveNode saves a node edit.
func (ws *Workspace) SaveNode(ctx context.Context, nodeID string, d nodeedit.Draft) (nodeedit.Panel, error) {
	return ws.edits.Save(ctx, nodeID, d)
}

// CanSave reports whether d differs from the node's committed values.
func (ws *Workspace) CanSave(nodeID string, d nodeedit.Draft) bool {
	return ws.edits.CanSave(nodeID, d)
}

// RerunNode confirms a rerun of nodeID.
func (ws *Workspace) RerunNode(ctx context.Context, nodeID string) error {
	return ws.edits.ConfirmRerun(ctx, nodeID)
}

// DismissRerun closes a rerun prompt.
func (ws *Workspace) DismissRerun(ctx context.Context, nodeID string) {
	ws.edits.DismissRerun(ctx, nodeID)
}

// Interact sends a follow-up message about the bound plan.
func (ws *Workspace) Interact(ctx context.Context, message string) error {
	planID := ws.store.PlanID()
	if planID == "" {
		return schema.NewError(schema.ErrCodeInvalidState, "no plan is bound")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return schema.NewError(schema.ErrCodeValidation, "message is required")
	}
	ctx = logging.WithPlanID(ctx, planID)
	start := time.Now()
	err := ws.client.Interact(ctx, planID, message)
	ws.recorder.RecordCommand(ctx, "interact", time.Since(start), err)
	if err != nil {
		logging.LogWith(ctx, ws.logger).Error("interact failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Diagram renders the visible subgraph as Mermaid text or PNG bytes.
func (ws *Workspace) Diagram(ctx context.Context, format string) ([]byte, error) {
	v := ws.View(ctx)
	title := v.ProjectName
	if title == "" {
		title = v.PlanID
	}
	model := diagram.Build(diagram.Input{
		Title:    title,
		Nodes:    v.Nodes,
		Links:    v.Links,
		Critical: v.critical,
		Badges:   v.Badges,
	})
	switch format {
	case "", FormatMermaid:
		return []byte(diagram.RenderMermaid(model)), nil
	case FormatPNG:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidState, "render diagram").WithCause(err)
		}
		return png, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}

// Close stops all background work.
func (ws *Workspace) Close() error {
	ws.ingestor.Stop()
	ws.poller.Stop()
	ws.cancel()
	ws.edits.Wait()
	return nil
}
