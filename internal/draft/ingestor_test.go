package draft

import (
	"context"
	"encoding/json"
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
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

var frame = plannertest.Frame

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func node(id string) map[string]any {
	return map[string]any{"node": map[string]any{"id": id, "instruction": "step " + id}}
}

func link(source, target string) map[string]string {
	return map[string]string{"source": source, "target": target}
}

func newIngestor(t *testing.T, fake *plannertest.Fake, opts ...Option) (*Ingestor, *graphstore.Store) {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	store := graphstore.New(graphstore.WithLogger(quietLogger()))
	opts = append([]Option{WithValidator(v), WithLogger(quietLogger()), WithTitleDeriver(expressions.NewTitleDeriver())}, opts...)
	in := New(fake, store, opts...)
	t.Cleanup(func() { _ = in.Close() })
	return in, store
}

func waitIdle(t *testing.T, in *Ingestor) {
	t.Helper()
	require.Eventually(t, func() bool { return !in.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestIngestor_StreamThenReconcile(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueDraft(
		frame(schema.StreamDrafting, nil),
		frame(schema.StreamPlanInit, map[string]string{"plan_id": "p1", "project_name": "llamas"}),
		frame(schema.StreamNodeAdded, node("A")),
		frame(schema.StreamNodeAdded, node("B")),
		frame(schema.StreamLinkAdded, link("A", "B")),
		frame(schema.StreamPlanReady, map[string]string{"plan_id": "p1"}),
	)
	fake.SetDetail(&schema.PlanDetail{
		ID:          "p1",
		ProjectName: "llamas",
		Manifest: []json.RawMessage{
			json.RawMessage(`{"id":"A","instruction":"search llamas"}`),
			json.RawMessage(`{"id":"B","instruction":"summarize"}`),
			json.RawMessage(`{"id":"C","stage":"summary","title":"Write report"}`),
			json.RawMessage(`{"no_id":true}`),
		},
		Connections: []schema.PlanLink{{Source: "A", Target: "B"}, {Source: "B", Target: "C"}},
		Execution:   schema.Execution{Status: "running"},
	})

	var (
		mu    sync.Mutex
		ready []string
	)
	in, store := newIngestor(t, fake, WithOnReady(func(planID string) {
		mu.Lock()
		defer mu.Unlock()
		ready = append(ready, planID)
	}))

	runID, err := in.Start(context.Background(), "research llamas", "")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	waitIdle(t, in)

	plan := store.Snapshot()
	assert.Equal(t, schema.DraftStatusReady, plan.Status)
	assert.Equal(t, "p1", plan.PlanID)
	assert.Equal(t, "llamas", plan.ProjectName)
	require.Len(t, plan.Nodes, 3)
	assert.Equal(t, "search llamas", plan.Nodes[0].Title)
	assert.Equal(t, "Write report", plan.Nodes[2].Title)
	assert.Len(t, plan.Links, 2)
	assert.Equal(t, "running", plan.Execution.Status)

	mu.Lock()
	assert.Equal(t, []string{"p1"}, ready)
	mu.Unlock()
	require.Len(t, fake.Calls("FetchPlanDetail"), 1)
}

func TestIngestor_PlanReadyWithoutIDUsesBoundPlan(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{"empty object", map[string]string{}},
		{"no payload", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := plannertest.NewFake()
			fake.QueueDraft(
				frame(schema.StreamPlanInit, map[string]string{"plan_id": "p1"}),
				frame(schema.StreamNodeAdded, node("A")),
				frame(schema.StreamPlanReady, tt.data),
			)
			fake.SetDetail(&schema.PlanDetail{
				ID:       "p1",
				Manifest: []json.RawMessage{json.RawMessage(`{"id":"A"}`), json.RawMessage(`{"id":"B"}`)},
			})
			in, store := newIngestor(t, fake)

			_, err := in.Start(context.Background(), "q", "")
			require.NoError(t, err)
			waitIdle(t, in)

			plan := store.Snapshot()
			assert.Equal(t, schema.DraftStatusReady, plan.Status)
			assert.Empty(t, plan.Error)
			assert.Len(t, plan.Nodes, 2)
			calls := fake.Calls("FetchPlanDetail")
			require.Len(t, calls, 1)
			assert.Equal(t, "p1", calls[0].PlanID)
		})
	}
}

func TestIngestor_DetailFetchFailureKeepsStream(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueDraft(
		frame(schema.StreamPlanInit, map[string]string{"plan_id": "p1"}),
		frame(schema.StreamNodeAdded, node("A")),
		frame(schema.StreamPlanReady, map[string]string{"plan_id": "p1"}),
	)
	in, store := newIngestor(t, fake)

	_, err := in.Start(context.Background(), "q", "")
	require.NoError(t, err)
	waitIdle(t, in)

	plan := store.Snapshot()
	assert.Equal(t, schema.DraftStatusReady, plan.Status)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "A", plan.Nodes[0].ID)
}

func TestIngestor_IgnoresMalformedAndUnknown(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueOpenDraft(
		frame(schema.StreamPlanInit, map[string]string{"plan_id": "p1"}),
		frame("heartbeat", map[string]int{"n": 1}),
		frame(schema.StreamNodeAdded, map[string]any{"node": map[string]any{"type": "action"}}),
		frame(schema.StreamNodeAdded, map[string]any{"node": map[string]any{"id": "G", "type": "mystery"}}),
		frame(schema.StreamLinkAdded, map[string]string{"source": "A"}),
		frame(schema.StreamNodeAdded, node("A")),
	)
	in, store := newIngestor(t, fake)

	_, err := in.Start(context.Background(), "q", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := store.Node("A")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	plan := store.Snapshot()
	assert.Len(t, plan.Nodes, 1)
	assert.Empty(t, plan.Links)
	assert.Equal(t, schema.DraftStatusDrafting, plan.Status)
	in.Stop()
	assert.Equal(t, schema.DraftStatusDrafting, store.Snapshot().Status, "cancellation is not an error")
}

func TestIngestor_PlanError(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueDraft(
		frame(schema.StreamNodeAdded, node("A")),
		frame(schema.StreamPlanError, map[string]string{"message": "model overloaded"}),
		frame(schema.StreamNodeAdded, node("B")),
	)
	in, store := newIngestor(t, fake)

	_, err := in.Start(context.Background(), "q", "")
	require.NoError(t, err)
	waitIdle(t, in)

	plan := store.Snapshot()
	assert.Equal(t, schema.DraftStatusError, plan.Status)
	assert.Equal(t, "model overloaded", plan.Error)
	require.Len(t, plan.Nodes, 1, "nodes added before the error are kept, later frames are not read")
}

func TestIngestor_TransportErrors(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		fake := plannertest.NewFake()
		fake.FailNext("StreamDraft", schema.NewError(schema.ErrCodeTransport, "connection refused"))
		in, store := newIngestor(t, fake)

		_, err := in.Start(context.Background(), "q", "")
		require.NoError(t, err)
		waitIdle(t, in)
		assert.Equal(t, schema.DraftStatusError, store.Snapshot().Status)
		assert.Equal(t, "connection refused", store.Snapshot().Error, "code prefix is not shown")
	})

	t.Run("error frame", func(t *testing.T) {
		fake := plannertest.NewFake()
		fake.QueueDraft(
			frame(schema.StreamNodeAdded, node("A")),
			schema.StreamFrame{Err: errors.New("unexpected EOF")},
		)
		in, store := newIngestor(t, fake)

		_, err := in.Start(context.Background(), "q", "")
		require.NoError(t, err)
		waitIdle(t, in)
		plan := store.Snapshot()
		assert.Equal(t, schema.DraftStatusError, plan.Status)
		assert.Equal(t, "unexpected EOF", plan.Error)
		assert.Len(t, plan.Nodes, 1)
	})

	t.Run("stream ends early", func(t *testing.T) {
		fake := plannertest.NewFake()
		fake.QueueDraft(frame(schema.StreamNodeAdded, node("A")))
		in, store := newIngestor(t, fake)

		_, err := in.Start(context.Background(), "q", "")
		require.NoError(t, err)
		waitIdle(t, in)
		assert.Equal(t, streamEndedMessage, store.Snapshot().Error)
	})
}

func TestIngestor_StartSupersedesPrevious(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueOpenDraft(
		frame(schema.StreamPlanInit, map[string]string{"plan_id": "old"}),
		frame(schema.StreamNodeAdded, node("OLD")),
	)
	fake.QueueDraft(
		frame(schema.StreamPlanInit, map[string]string{"plan_id": "new"}),
		frame(schema.StreamNodeAdded, node("NEW")),
	)
	in, store := newIngestor(t, fake)

	first, err := in.Start(context.Background(), "first", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := store.Node("OLD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	second, err := in.Start(context.Background(), "second", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	waitIdle(t, in)

	plan := store.Snapshot()
	assert.Equal(t, "new", plan.PlanID)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "NEW", plan.Nodes[0].ID)
	assert.Len(t, fake.Calls("StreamDraft"), 2)
}

func TestIngestor_RedeliveredNodeIsIdempotent(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueOpenDraft(
		frame(schema.StreamNodeAdded, node("A")),
		frame(schema.StreamNodeAdded, map[string]any{"node": map[string]any{"id": "A", "instruction": "second", "status": "active"}}),
		frame(schema.StreamNodeAdded, node("Z")),
	)
	in, store := newIngestor(t, fake)

	_, err := in.Start(context.Background(), "q", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := store.Node("Z")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	in.Stop()

	plan := store.Snapshot()
	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, "second", plan.Nodes[0].Instruction)
	assert.Equal(t, schema.NodeStatusActive, plan.Nodes[0].Status)
}

func TestIngestor_RejectsEmptyQuery(t *testing.T) {
	in, _ := newIngestor(t, plannertest.NewFake())
	_, err := in.Start(context.Background(), "  ", "")
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)
	assert.False(t, in.Running())
}

func TestIngestor_OpenExistingPlan(t *testing.T) {
	fake := plannertest.NewFake()
	fake.SetDetail(&schema.PlanDetail{
		ID:          "p9",
		ProjectName: "alpacas",
		Manifest:    []json.RawMessage{json.RawMessage(`{"id":"A","status":"completed"}`)},
		Execution:   schema.Execution{Status: "completed", Progress: 1},
	})
	var ready []string
	in, store := newIngestor(t, fake, WithOnReady(func(planID string) { ready = append(ready, planID) }))
	store.SetPlanInit("stale", "", "")
	store.SetSelectedNodeID("gone")

	require.NoError(t, in.Open(context.Background(), "p9"))

	plan := store.Snapshot()
	assert.Equal(t, "p9", plan.PlanID)
	assert.Equal(t, "alpacas", plan.ProjectName)
	assert.Equal(t, schema.DraftStatusReady, plan.Status)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, schema.NodeStatusCompleted, plan.Nodes[0].Status)
	assert.Empty(t, plan.SelectedNodeID)
	assert.Equal(t, []string{"p9"}, ready)

	err := in.Open(context.Background(), "missing")
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeNotFound, pe.Code)
	assert.Equal(t, "p9", store.PlanID(), "a failed open keeps the bound plan")
}
