// Package nodeedit manages per-node instruction edits, shadow edits on
// running nodes and the pending-instruction rerun flow.
package nodeedit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/internal/telemetry"
	"github.com/rendis/plangraph/pkg/schema"
)

// QueuedNote is shown while a shadow edit waits for the next run.
const QueuedNote = "Edit queued: it applies when this step runs again."

// eventTimeout bounds fire-and-forget telemetry calls.
const eventTimeout = 10 * time.Second

// Draft is the user's edit buffer for one node.
// A nil ModelOverride selects the planner default.
type Draft struct {
	ModelOverride *string `json:"model_override"`
	Instruction   string  `json:"instruction"`
}

// Prompt is an open rerun confirmation.
type Prompt struct {
	NodeID             string `json:"node_id"`
	PendingInstruction string `json:"pending_instruction"`
}

// Panel is the detail view of one node.
type Panel struct {
	NodeID             string                   `json:"node_id"`
	Type               schema.NodeType          `json:"type"`
	Status             schema.NodeStatus        `json:"status"`
	Mode               Mode                     `json:"mode"`
	ModelOverride      *string                  `json:"model_override"`
	Instruction        string                   `json:"instruction"`
	PendingInstruction *string                  `json:"pending_instruction"`
	CanRerun           bool                     `json:"can_rerun"`
	Note               string                   `json:"note,omitempty"`
	Prompt             *Prompt                  `json:"prompt,omitempty"`
	SaveError          string                   `json:"save_error,omitempty"`
	RerunError         string                   `json:"rerun_error,omitempty"`
	RuleIssues         schema.Issues            `json:"rule_issues,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithRuleChecker adds logic-gate rule diagnostics to panels.
func WithRuleChecker(rc *expressions.RuleChecker) Option {
	return func(c *Controller) { c.rules = rc }
}

// WithHub lets Start follow store changes.
func WithHub(hub streaming.EventHub) Option {
	return func(c *Controller) { c.hub = hub }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is safe for concurrent use.
type Controller struct {
	client   planner.Client
	store    *graphstore.Store
	rules    *expressions.RuleChecker
	hub      streaming.EventHub
	recorder telemetry.Recorder
	logger   *slog.Logger

	mu          sync.Mutex
	planID      string
	lastStatus  map[string]schema.NodeStatus
	prompted    map[promptKey]bool
	prompts     map[string]Prompt
	saveErrors  map[string]string
	rerunErrors map[string]string
	events      sync.WaitGroup
	loops       sync.WaitGroup
}

type promptKey struct {
	nodeID  string
	pending string
}

// New creates a Controller over store.
func New(client planner.Client, store *graphstore.Store, opts ...Option) *Controller {
	c := &Controller{
		client:   client,
		store:    store,
		recorder: telemetry.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	c.resetLocked("")
	return c
}

func (c *Controller) resetLocked(planID string) {
	c.planID = planID
	c.lastStatus = make(map[string]schema.NodeStatus)
	c.prompted = make(map[promptKey]bool)
	c.prompts = make(map[string]Prompt)
	c.saveErrors = make(map[string]string)
	c.rerunErrors = make(map[string]string)
}

func (c *Controller) node(nodeID string) (schema.PlanNode, error) {
	n, ok := c.store.Node(nodeID)
	if !ok {
		return schema.PlanNode{}, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", nodeID).WithNode(nodeID)
	}
	return n, nil
}

// Panel returns the detail view of a node.
func (c *Controller) Panel(nodeID string) (Panel, error) {
	n, err := c.node(nodeID)
	if err != nil {
		return Panel{}, err
	}
	mode := ModeFor(n.Status)
	p := Panel{
		NodeID:             n.ID,
		Type:               n.Type,
		Status:             n.Status,
		Mode:               mode,
		ModelOverride:      n.ModelOverride,
		Instruction:        n.Instruction,
		PendingInstruction: n.PendingInstruction,
		CanRerun:           mode == ModeLocked && n.PendingInstruction != nil,
	}
	if mode == ModeShadow && n.PendingInstruction != nil {
		p.Note = QueuedNote
	}
	if c.rules != nil {
		p.RuleIssues = c.rules.Check(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pr, ok := c.prompts[nodeID]; ok {
		p.Prompt = &pr
	}
	p.SaveError = c.saveErrors[nodeID]
	p.RerunError = c.rerunErrors[nodeID]
	return p, nil
}

// committedInstruction is the value an instruction edit is compared
// against: the queued edit in shadow mode, the instruction otherwise.
func committedInstruction(n schema.PlanNode, mode Mode) string {
	if mode == ModeShadow && n.PendingInstruction != nil {
		return *n.PendingInstruction
	}
	return n.Instruction
}

// changes reports which fields of d differ from the node's committed
// values. Instruction edits never count on a locked node.
func changes(n schema.PlanNode, d Draft) (model, instruction bool) {
	mode := ModeFor(n.Status)
	model = !sameString(n.ModelOverride, d.ModelOverride)
	instruction = mode != ModeLocked && d.Instruction != committedInstruction(n, mode)
	return model, instruction
}

// CanSave reports whether saving d would change anything.
func (c *Controller) CanSave(nodeID string, d Draft) bool {
	n, err := c.node(nodeID)
	if err != nil {
		return false
	}
	model, instruction := changes(n, d)
	return model || instruction
}

// Save sends the changed fields of d in one update and applies the planner's
// response. Fields the planner does not echo are applied optimistically.
func (c *Controller) Save(ctx context.Context, nodeID string, d Draft) (Panel, error) {
	ctx = logging.WithNodeID(logging.WithPlanID(ctx, c.store.PlanID()), nodeID)
	log := logging.LogWith(ctx, c.logger)

	n, err := c.node(nodeID)
	if err != nil {
		return Panel{}, err
	}
	planID := c.store.PlanID()
	mode := ModeFor(n.Status)
	model, instruction := changes(n, d)
	if !model && !instruction {
		return Panel{}, schema.NewError(schema.ErrCodeInvalidState, "nothing to save").WithNode(nodeID)
	}

	var update schema.NodeUpdate
	if model {
		if d.ModelOverride == nil {
			update.ModelOverride = schema.Null[string]()
		} else {
			update.ModelOverride = schema.Some(*d.ModelOverride)
		}
	}
	if instruction {
		update.Instruction = schema.Some(d.Instruction)
	}

	start := time.Now()
	res, err := c.client.UpdateNode(ctx, planID, nodeID, update)
	c.recorder.RecordCommand(ctx, "update_node", time.Since(start), err)
	if err != nil {
		c.setError(saveError, nodeID, err.Error())
		log.Error("node save failed", slog.String("error", err.Error()))
		return Panel{}, commandError(err, "save node", nodeID)
	}
	if res == nil {
		res = &schema.NodeUpdateResult{}
	}

	if model {
		if res.ModelOverride.Set {
			c.store.ApplyNodeModelOverride(nodeID, res.ModelOverride.Value)
		} else {
			c.store.ApplyNodeModelOverride(nodeID, d.ModelOverride)
		}
	}
	if res.Instruction.Set && res.Instruction.Value != nil {
		c.store.ApplyNodeInstructionUpdate(nodeID, *res.Instruction.Value)
	}
	if res.PendingInstruction.Set {
		c.store.ApplyNodePendingInstruction(nodeID, res.PendingInstruction.Value)
	}
	if instruction && !res.Instruction.Set && !res.PendingInstruction.Set {
		if mode == ModeShadow {
			text := d.Instruction
			c.store.ApplyNodePendingInstruction(nodeID, &text)
		} else {
			c.store.ApplyNodeInstructionUpdate(nodeID, d.Instruction)
		}
	}

	c.setError(saveError, nodeID, "")
	log.Info("node saved", slog.Bool("model_override", model), slog.Bool("instruction", instruction), slog.String("mode", string(mode)))
	return c.Panel(nodeID)
}

// Reconcile compares node statuses with the previous observation. A node
// moving into completed or error while holding a pending instruction opens
// a rerun prompt, once per (node, pending instruction) pair, and reports a
// rerun_prompt event. It returns the prompts opened by this call.
func (c *Controller) Reconcile(ctx context.Context) []Prompt {
	plan := c.store.Snapshot()

	c.mu.Lock()
	if plan.PlanID != c.planID {
		c.resetLocked(plan.PlanID)
	}
	present := make(map[string]bool, len(plan.Nodes))
	var opened []Prompt
	for _, n := range plan.Nodes {
		present[n.ID] = true
		prev, seen := c.lastStatus[n.ID]
		c.lastStatus[n.ID] = n.Status

		if open, ok := c.prompts[n.ID]; ok {
			if n.PendingInstruction == nil || *n.PendingInstruction != open.PendingInstruction {
				delete(c.prompts, n.ID)
			}
		}
		if !seen || n.PendingInstruction == nil || !promptsRerun(prev, n.Status) {
			continue
		}
		key := promptKey{nodeID: n.ID, pending: *n.PendingInstruction}
		if c.prompted[key] {
			continue
		}
		c.prompted[key] = true
		p := Prompt{NodeID: n.ID, PendingInstruction: key.pending}
		c.prompts[n.ID] = p
		opened = append(opened, p)
	}
	for id := range c.lastStatus {
		if !present[id] {
			delete(c.lastStatus, id)
			delete(c.prompts, id)
		}
	}
	planID := c.planID
	c.mu.Unlock()

	for _, p := range opened {
		c.logger.Info("rerun prompt opened", slog.String("plan_id", planID), slog.String("node_id", p.NodeID))
		c.emit(ctx, planID, p.NodeID, schema.NodeEventRerunPrompt)
	}
	return opened
}

// Prompts returns the open rerun prompts ordered by node id.
func (c *Controller) Prompts() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ConfirmRerun issues the rerun command. On success, if the node still
// holds the instruction that was pending when the rerun started, it is
// promoted to the instruction locally.
func (c *Controller) ConfirmRerun(ctx context.Context, nodeID string) error {
	planID := c.store.PlanID()
	ctx = logging.WithNodeID(logging.WithPlanID(ctx, planID), nodeID)
	log := logging.LogWith(ctx, c.logger)

	n, err := c.node(nodeID)
	if err != nil {
		return err
	}
	pending := n.PendingInstruction

	start := time.Now()
	err = c.client.RerunNode(ctx, planID, nodeID)
	c.recorder.RecordCommand(ctx, "rerun_node", time.Since(start), err)
	if err != nil {
		c.setError(rerunError, nodeID, err.Error())
		log.Error("node rerun failed", slog.String("error", err.Error()))
		return commandError(err, "rerun node", nodeID)
	}

	if pending != nil {
		if cur, ok := c.store.Node(nodeID); ok && cur.PendingInstruction != nil && *cur.PendingInstruction == *pending {
			c.store.ApplyNodeInstructionUpdate(nodeID, *pending)
		}
	}

	c.mu.Lock()
	delete(c.prompts, nodeID)
	delete(c.rerunErrors, nodeID)
	c.mu.Unlock()

	log.Info("node rerun requested")
	c.emit(ctx, planID, nodeID, schema.NodeEventRerunConfirmed)
	return nil
}

// DismissRerun closes the prompt for nodeID without rerunning. The same
// pending instruction does not prompt again.
func (c *Controller) DismissRerun(ctx context.Context, nodeID string) {
	c.mu.Lock()
	_, open := c.prompts[nodeID]
	delete(c.prompts, nodeID)
	planID := c.planID
	c.mu.Unlock()
	if open {
		c.emit(ctx, planID, nodeID, schema.NodeEventRerunDismissed)
	}
}

// Start subscribes to store changes, reconciles once and then keeps
// reconciling on every status, structure or manifest change in the
// background until ctx is done. It requires WithHub.
func (c *Controller) Start(ctx context.Context) error {
	if c.hub == nil {
		return schema.NewError(schema.ErrCodeInvalidState, "node edit controller has no change hub")
	}
	ch, stop, err := c.hub.Subscribe(ctx, streaming.EventFilter{
		Kinds: []streaming.ChangeKind{streaming.ChangeStatus, streaming.ChangeStructure, streaming.ChangePlanDetail, streaming.ChangeNodeEdit, streaming.ChangeDraft},
	})
	if err != nil {
		return err
	}

	c.Reconcile(ctx)
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.Reconcile(ctx)
			}
		}
	}()
	return nil
}

// Wait blocks until the Start loop has exited and in-flight telemetry
// calls have returned. The loop exits once its context is done.
func (c *Controller) Wait() {
	c.loops.Wait()
	c.events.Wait()
}

// emit reports a node event without blocking the caller. Failures are
// logged and otherwise ignored.
func (c *Controller) emit(ctx context.Context, planID, nodeID, event string) {
	if planID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.events.Add(1)
	go func() {
		defer c.events.Done()
		ctx, cancel := context.WithTimeout(ctx, eventTimeout)
		defer cancel()
		if err := c.client.AppendNodeEvent(ctx, planID, nodeID, event, schema.NodeEventSourceUI); err != nil {
			c.logger.Debug("node event not recorded",
				slog.String("event", event),
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

type errorKind int

const (
	saveError errorKind = iota
	rerunError
)

// setError records or clears the panel error for nodeID. The map is looked
// up under c.mu since Reconcile swaps both maps on a plan change.
func (c *Controller) setError(kind errorKind, nodeID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.saveErrors
	if kind == rerunError {
		m = c.rerunErrors
	}
	if msg == "" {
		delete(m, nodeID)
		return
	}
	m[nodeID] = msg
}

func commandError(err error, op, nodeID string) error {
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: %v", op, err).WithNode(nodeID).WithCause(err)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
