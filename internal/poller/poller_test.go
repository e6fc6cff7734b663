package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/graphstore"
	"github.com/rendis/plangraph/internal/planner/plannertest"
	"github.com/rendis/plangraph/pkg/schema"
)

// every is a sub-second schedule; cron descriptors round up to one second.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boundStore(planID string, ids ...string) *graphstore.Store {
	s := graphstore.New(graphstore.WithLogger(quietLogger()))
	s.SetPlanInit(planID, "", "")
	for _, id := range ids {
		s.ApplyNodeAdded(schema.PlanNode{ID: id, Type: schema.NodeTypeAction, Stage: schema.StageAction, Status: schema.NodeStatusPending, Instruction: "do " + id})
	}
	return s
}

func snapshot(progress float64, nodes map[string]string) *schema.StatusSnapshot {
	raw := make(map[string]json.RawMessage, len(nodes))
	for id, v := range nodes {
		raw[id] = json.RawMessage(v)
	}
	return &schema.StatusSnapshot{
		Execution:  schema.Execution{Status: "running", Progress: progress},
		Checkpoint: json.RawMessage(`{"step":1}`),
		Nodes:      raw,
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("")
	require.NoError(t, err)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(2*time.Second), s.Next(from))

	s, err = ParseSchedule("*/5 * * * * *")
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Second), s.Next(from))

	_, err = ParseSchedule("every now and then")
	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)
}

func TestDecodeStatuses(t *testing.T) {
	got := DecodeStatuses(map[string]json.RawMessage{
		"a": json.RawMessage(`"completed"`),
		"b": json.RawMessage(`{"status":"active","progress":0.3}`),
		"c": json.RawMessage(`{"status":"exploded"}`),
		"d": json.RawMessage(`42`),
		"e": json.RawMessage(`{not json`),
	}, quietLogger())

	assert.Equal(t, map[string]schema.NodeStatus{
		"a": schema.NodeStatusCompleted,
		"b": schema.NodeStatusActive,
	}, got)
}

func TestPollOnce_BestEffortMerge(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueStatus("p1", snapshot(0.5, map[string]string{
		"A":     `"completed"`,
		"B":     `{"status":"bogus"}`,
		"ghost": `"active"`,
	}))
	store := boundStore("p1", "A", "B")
	p := New(fake, store, WithLogger(quietLogger()))

	require.NoError(t, p.PollOnce(context.Background(), "p1"))

	plan := store.Snapshot()
	assert.Equal(t, 0.5, plan.Execution.Progress)
	assert.JSONEq(t, `{"step":1}`, string(plan.Checkpoint))
	a, _ := plan.Node("A")
	b, _ := plan.Node("B")
	assert.Equal(t, schema.NodeStatusCompleted, a.Status)
	assert.Equal(t, schema.NodeStatusPending, b.Status)
	assert.Equal(t, "do A", a.Instruction, "instructions are never touched by polling")
	assert.Len(t, plan.Nodes, 2)
}

func TestPollOnce_DropsUnboundPlan(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueStatus("p1", snapshot(0.9, map[string]string{"A": `"completed"`}))
	store := boundStore("p2", "A")
	p := New(fake, store, WithLogger(quietLogger()))

	require.NoError(t, p.PollOnce(context.Background(), "p1"))
	a, _ := store.Node("A")
	assert.Equal(t, schema.NodeStatusPending, a.Status)
	assert.Zero(t, store.Snapshot().Execution.Progress)
}

func TestPollOnce_FetchError(t *testing.T) {
	fake := plannertest.NewFake()
	fake.FailNext("FetchPlanStatus", schema.NewError(schema.ErrCodeTransport, "boom"))
	p := New(fake, boundStore("p1"), WithLogger(quietLogger()))

	err := p.PollOnce(context.Background(), "p1")
	require.Error(t, err)
}

func TestWatch_PollsUntilStopped(t *testing.T) {
	fake := plannertest.NewFake()
	fake.FailNext("FetchPlanStatus", schema.NewError(schema.ErrCodeTransport, "flaky"))
	fake.QueueStatus("p1",
		snapshot(0.2, map[string]string{"A": `"active"`}),
		snapshot(1, map[string]string{"A": `"completed"`}),
	)
	store := boundStore("p1", "A")
	p := New(fake, store, WithSchedule(every(5*time.Millisecond)), WithLogger(quietLogger()))

	p.Watch(context.Background(), "p1")
	assert.Equal(t, "p1", p.Watching())

	require.Eventually(t, func() bool {
		a, _ := store.Node("A")
		return a.Status == schema.NodeStatusCompleted
	}, 2*time.Second, 5*time.Millisecond, "loop continues after a failed fetch")

	p.Stop()
	assert.Empty(t, p.Watching())
	calls := len(fake.Calls("FetchPlanStatus"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, len(fake.Calls("FetchPlanStatus")), "no fetch after Stop")
}

func TestWatch_Replaces(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueStatus("p1", snapshot(0.1, nil))
	fake.QueueStatus("p2", snapshot(0.2, nil))
	store := boundStore("p2")
	p := New(fake, store, WithSchedule(every(5*time.Millisecond)), WithLogger(quietLogger()))

	p.Watch(context.Background(), "p1")
	p.Watch(context.Background(), "p2")
	assert.Equal(t, "p2", p.Watching())

	require.Eventually(t, func() bool {
		return store.Snapshot().Execution.Progress == 0.2
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	before := len(fake.Calls("FetchPlanStatus"))
	time.Sleep(20 * time.Millisecond)
	for _, c := range fake.Calls("FetchPlanStatus")[before:] {
		t.Errorf("unexpected fetch for %s after stop", c.PlanID)
	}
}

func TestWatch_SkipsWhenPlanUnbound(t *testing.T) {
	fake := plannertest.NewFake()
	fake.QueueStatus("p1", snapshot(0.1, nil))
	store := boundStore("p1")
	p := New(fake, store, WithSchedule(every(5*time.Millisecond)), WithLogger(quietLogger()))

	store.Reset()
	p.Watch(context.Background(), "p1")
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	assert.Empty(t, fake.Calls("FetchPlanStatus"))
}
