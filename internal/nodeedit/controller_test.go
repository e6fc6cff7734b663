package nodeedit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/planner/plannertest"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/pkg/schema"
)

func ptr(s string) *string { return &s }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, nodes ...schema.PlanNode) (*Controller, *graphstore.Store, *plannertest.Fake) {
	t.Helper()
	store := graphstore.New(graphstore.WithLogger(quietLogger()))
	store.SetPlanInit("p1", "", "")
	for _, n := range nodes {
		store.ApplyNodeAdded(n)
	}
	fake := plannertest.NewFake()
	c := New(fake, store, WithLogger(quietLogger()))
	t.Cleanup(c.Wait)
	return c, store, fake
}

func action(id string, status schema.NodeStatus, instruction string) schema.PlanNode {
	return schema.PlanNode{ID: id, Type: schema.NodeTypeAction, Stage: schema.StageAction, Status: status, Instruction: instruction}
}

func TestModeFor(t *testing.T) {
	tests := []struct {
		status schema.NodeStatus
		want   Mode
	}{
		{schema.NodeStatusPending, ModeEdit},
		{schema.NodeStatusWaiting, ModeEdit},
		{schema.NodeStatusActive, ModeShadow},
		{schema.NodeStatusCompleted, ModeLocked},
		{schema.NodeStatusError, ModeLocked},
		{schema.NodeStatus("mystery"), ModeLocked},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ModeFor(tt.status))
		})
	}
}

func TestCanSave(t *testing.T) {
	n := action("A", schema.NodeStatusPending, "search")
	n.ModelOverride = ptr("gpt-x")
	done := action("D", schema.NodeStatusCompleted, "done")
	c, _, _ := setup(t, n, done)

	assert.False(t, c.CanSave("A", Draft{ModelOverride: ptr("gpt-x"), Instruction: "search"}))
	assert.True(t, c.CanSave("A", Draft{ModelOverride: ptr("gpt-x"), Instruction: "search more"}))
	assert.True(t, c.CanSave("A", Draft{ModelOverride: nil, Instruction: "search"}))
	assert.False(t, c.CanSave("D", Draft{Instruction: "changed"}), "locked nodes ignore instruction edits")
	assert.True(t, c.CanSave("D", Draft{ModelOverride: ptr("m"), Instruction: "done"}))
	assert.False(t, c.CanSave("missing", Draft{Instruction: "x"}))
}

func TestSave_EditModeCommitsInstruction(t *testing.T) {
	c, store, fake := setup(t, action("A", schema.NodeStatusWaiting, "search"))

	panel, err := c.Save(context.Background(), "A", Draft{ModelOverride: ptr("fast"), Instruction: "search deeper"})
	require.NoError(t, err)

	calls := fake.Calls("UpdateNode")
	require.Len(t, calls, 1, "model and instruction go in one update")
	u := calls[0].Args.(schema.NodeUpdate)
	assert.Equal(t, "fast", *u.ModelOverride.Value)
	assert.Equal(t, "search deeper", *u.Instruction.Value)

	n, _ := store.Node("A")
	assert.Equal(t, "search deeper", n.Instruction)
	assert.Nil(t, n.PendingInstruction)
	assert.Equal(t, "fast", *n.ModelOverride)
	assert.Equal(t, ModeEdit, panel.Mode)
}

func TestSave_ClearsModelOverride(t *testing.T) {
	n := action("A", schema.NodeStatusPending, "search")
	n.ModelOverride = ptr("slow")
	c, store, fake := setup(t, n)

	_, err := c.Save(context.Background(), "A", Draft{Instruction: "search"})
	require.NoError(t, err)

	u := fake.Calls("UpdateNode")[0].Args.(schema.NodeUpdate)
	assert.True(t, u.ModelOverride.Set)
	assert.Nil(t, u.ModelOverride.Value)
	assert.False(t, u.Instruction.Set)
	got, _ := store.Node("A")
	assert.Nil(t, got.ModelOverride)
}

func TestSave_NothingToSave(t *testing.T) {
	c, _, fake := setup(t, action("A", schema.NodeStatusPending, "search"))
	_, err := c.Save(context.Background(), "A", Draft{Instruction: "search"})
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeInvalidState, pe.Code)
	assert.Empty(t, fake.Calls("UpdateNode"))
}

func TestSave_UsesPlannerResponse(t *testing.T) {
	c, store, fake := setup(t, action("A", schema.NodeStatusActive, "original"))
	fake.OnUpdate(func(planID, nodeID string, u schema.NodeUpdate) (*schema.NodeUpdateResult, error) {
		return &schema.NodeUpdateResult{PendingInstruction: schema.Some("normalized edit")}, nil
	})

	_, err := c.Save(context.Background(), "A", Draft{Instruction: "my edit"})
	require.NoError(t, err)
	n, _ := store.Node("A")
	assert.Equal(t, "original", n.Instruction)
	assert.Equal(t, "normalized edit", *n.PendingInstruction)
}

func TestSave_FailureIsScopedToNode(t *testing.T) {
	c, store, fake := setup(t, action("A", schema.NodeStatusPending, "search"), action("B", schema.NodeStatusPending, "b"))
	fake.FailNext("UpdateNode", schema.NewError(schema.ErrCodeConflict, "node changed upstream"))

	_, err := c.Save(context.Background(), "A", Draft{Instruction: "new"})
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)

	n, _ := store.Node("A")
	assert.Equal(t, "search", n.Instruction, "failed saves are not applied")
	pa, err := c.Panel("A")
	require.NoError(t, err)
	assert.Contains(t, pa.SaveError, "node changed upstream")
	pb, err := c.Panel("B")
	require.NoError(t, err)
	assert.Empty(t, pb.SaveError)

	_, err = c.Save(context.Background(), "A", Draft{Instruction: "new"})
	require.NoError(t, err)
	pa, _ = c.Panel("A")
	assert.Empty(t, pa.SaveError)
}

// Shadow edit on a running node, then a rerun prompt once it completes.
func TestShadowEditThenRerunPrompt(t *testing.T) {
	c, store, fake := setup(t, action("X", schema.NodeStatusActive, "original"))
	ctx := context.Background()
	assert.Empty(t, c.Reconcile(ctx))

	panel, err := c.Save(ctx, "X", Draft{Instruction: "better"})
	require.NoError(t, err)
	assert.Equal(t, ModeShadow, panel.Mode)
	assert.Equal(t, "original", panel.Instruction)
	require.NotNil(t, panel.PendingInstruction)
	assert.Equal(t, "better", *panel.PendingInstruction)
	assert.Equal(t, QueuedNote, panel.Note)
	assert.False(t, panel.CanRerun)

	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	opened := c.Reconcile(ctx)
	require.Equal(t, []Prompt{{NodeID: "X", PendingInstruction: "better"}}, opened)
	assert.Empty(t, c.Reconcile(ctx), "same pair prompts once")

	// Bouncing the status does not prompt again for the same pending text.
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusActive})
	c.Reconcile(ctx)
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusError})
	assert.Empty(t, c.Reconcile(ctx))

	c.Wait()
	events := fake.Calls("AppendNodeEvent")
	require.Len(t, events, 1)
	assert.Equal(t, []string{schema.NodeEventRerunPrompt, schema.NodeEventSourceUI}, events[0].Args)

	panel, err = c.Panel("X")
	require.NoError(t, err)
	assert.Equal(t, ModeLocked, panel.Mode)
	assert.True(t, panel.CanRerun)
	require.NotNil(t, panel.Prompt)
}

func TestConfirmRerunPromotesPending(t *testing.T) {
	n := action("X", schema.NodeStatusActive, "original")
	n.PendingInstruction = ptr("better")
	c, store, fake := setup(t, n)
	ctx := context.Background()
	c.Reconcile(ctx)
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	require.Len(t, c.Reconcile(ctx), 1)

	require.NoError(t, c.ConfirmRerun(ctx, "X"))
	require.Len(t, fake.Calls("RerunNode"), 1)
	got, _ := store.Node("X")
	assert.Equal(t, "better", got.Instruction)
	assert.Nil(t, got.PendingInstruction)
	assert.Empty(t, c.Prompts())

	c.Wait()
	var names []string
	for _, call := range fake.Calls("AppendNodeEvent") {
		names = append(names, call.Args.([]string)[0])
	}
	// Event writes are fire-and-forget goroutines; only membership is stable.
	assert.ElementsMatch(t, []string{schema.NodeEventRerunPrompt, schema.NodeEventRerunConfirmed}, names)
}

func TestConfirmRerunFailureKeepsPending(t *testing.T) {
	n := action("X", schema.NodeStatusCompleted, "original")
	n.PendingInstruction = ptr("better")
	c, store, fake := setup(t, n)
	fake.FailNext("RerunNode", errors.New("executor busy"))

	err := c.ConfirmRerun(context.Background(), "X")
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeTransport, pe.Code)
	assert.Equal(t, "X", pe.NodeID)

	got, _ := store.Node("X")
	assert.Equal(t, "better", *got.PendingInstruction)
	panel, _ := c.Panel("X")
	assert.Contains(t, panel.RerunError, "executor busy")
}

func TestSaveErrorsSurvivePlanSwitches(t *testing.T) {
	c, store, fake := setup(t, action("A", schema.NodeStatusWaiting, "search"))
	fake.OnUpdate(func(planID, nodeID string, u schema.NodeUpdate) (*schema.NodeUpdateResult, error) {
		return nil, errors.New("planner offline")
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = c.Save(ctx, "A", Draft{Instruction: "search deeper"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				store.SetPlanInit("p2", "", "")
			} else {
				store.SetPlanInit("p1", "", "")
			}
			c.Reconcile(ctx)
		}
	}()
	wg.Wait()

	// The last reset wins; a failure after it lands in the fresh map.
	store.SetPlanInit("p1", "", "")
	c.Reconcile(ctx)
	_, err := c.Save(ctx, "A", Draft{Instruction: "search deeper"})
	require.Error(t, err)
	panel, err := c.Panel("A")
	require.NoError(t, err)
	assert.Contains(t, panel.SaveError, "planner offline")
}

func TestDismissRerun(t *testing.T) {
	n := action("X", schema.NodeStatusActive, "original")
	n.PendingInstruction = ptr("better")
	c, store, fake := setup(t, n)
	ctx := context.Background()
	c.Reconcile(ctx)
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	c.Reconcile(ctx)

	c.DismissRerun(ctx, "X")
	assert.Empty(t, c.Prompts())
	c.DismissRerun(ctx, "X")

	// A new pending instruction is a new pair and prompts again.
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusActive})
	c.Reconcile(ctx)
	store.ApplyNodePendingInstruction("X", ptr("best"))
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	assert.Equal(t, []Prompt{{NodeID: "X", PendingInstruction: "best"}}, c.Reconcile(ctx))

	c.Wait()
	assert.Len(t, fake.Calls("AppendNodeEvent"), 3)
}

func TestPromptClosedWhenPendingCleared(t *testing.T) {
	n := action("X", schema.NodeStatusActive, "original")
	n.PendingInstruction = ptr("better")
	c, store, _ := setup(t, n)
	ctx := context.Background()
	c.Reconcile(ctx)
	store.ApplyStatusNodes(map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	c.Reconcile(ctx)
	require.Len(t, c.Prompts(), 1)

	store.ApplyNodePendingInstruction("X", nil)
	c.Reconcile(ctx)
	assert.Empty(t, c.Prompts())
}

func TestPanelRuleDiagnostics(t *testing.T) {
	gate := schema.PlanNode{
		ID: "G", Type: schema.NodeTypeLogicGate, Stage: schema.StageProcess, Status: schema.NodeStatusPending,
		Rules: []schema.GateRule{
			{ID: "ok", Condition: `execution.progress > 0.5`, Target: "A"},
			{ID: "broken", Condition: `execution.progress >`, Target: "B"},
		},
	}
	store := graphstore.New(graphstore.WithLogger(quietLogger()))
	store.ApplyNodeAdded(gate)
	rc, err := expressions.NewRuleChecker()
	require.NoError(t, err)
	c := New(plannertest.NewFake(), store, WithRuleChecker(rc), WithLogger(quietLogger()))

	panel, err := c.Panel("G")
	require.NoError(t, err)
	require.Len(t, panel.RuleIssues, 1)
	assert.Equal(t, "rules[1].condition", panel.RuleIssues[0].Path)
	assert.Equal(t, expressions.IssueRuleSyntax, panel.RuleIssues[0].Code)
}

func TestStartReconcilesOnStatusChanges(t *testing.T) {
	hub := streaming.NewMemoryHub()
	store := graphstore.New(graphstore.WithHub(hub), graphstore.WithLogger(quietLogger()))
	store.SetPlanInit("p1", "", "")
	n := action("X", schema.NodeStatusActive, "original")
	n.PendingInstruction = ptr("better")
	store.ApplyNodeAdded(n)

	fake := plannertest.NewFake()
	c := New(fake, store, WithHub(hub), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	store.MergeStatus("p1", schema.Execution{Status: "running"}, nil, map[string]schema.NodeStatus{"X": schema.NodeStatusCompleted})
	require.Eventually(t, func() bool { return len(c.Prompts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	c.Wait()
}

func TestStartRequiresHub(t *testing.T) {
	c, _, _ := setup(t)
	err := c.Start(context.Background())
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeInvalidState, pe.Code)
}
