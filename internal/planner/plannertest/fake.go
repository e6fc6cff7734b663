// Package plannertest provides an in-memory planner.Client for tests.
package plannertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/pkg/schema"
)

// Call records one invocation of a Fake method.
type Call struct {
	Method string
	PlanID string
	NodeID string
	Args   any
}

type draftScript struct {
	frames []schema.StreamFrame
	hold   bool
}

// Fake is a scripted planner.Client. Draft streams, status snapshots and
// failures are queued ahead of time; every call is recorded.
type Fake struct {
	mu       sync.Mutex
	drafts   []draftScript
	details  map[string]*schema.PlanDetail
	statuses map[string][]*schema.StatusSnapshot
	failures map[string][]error
	update   func(planID, nodeID string, u schema.NodeUpdate) (*schema.NodeUpdateResult, error)
	calls    []Call
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		details:  make(map[string]*schema.PlanDetail),
		statuses: make(map[string][]*schema.StatusSnapshot),
		failures: make(map[string][]error),
	}
}

// Frame builds a stream frame with v marshaled as its data. A nil v gives
// an empty payload.
func Frame(event string, v any) schema.StreamFrame {
	f := schema.StreamFrame{Event: event}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		f.Data = data
	}
	return f
}

// QueueDraft scripts the next StreamDraft call. The channel closes after
// the last frame.
func (f *Fake) QueueDraft(frames ...schema.StreamFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draftScript{frames: frames})
}

// QueueOpenDraft scripts a stream that stays open after its frames until
// the caller cancels.
func (f *Fake) QueueOpenDraft(frames ...schema.StreamFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draftScript{frames: frames, hold: true})
}

// SetDetail sets the manifest returned for planID.
func (f *Fake) SetDetail(d *schema.PlanDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[d.ID] = d
}

// QueueStatus appends snapshots for planID. The last one repeats once the
// queue drains.
func (f *Fake) QueueStatus(planID string, snaps ...*schema.StatusSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[planID] = append(f.statuses[planID], snaps...)
}

// FailNext makes the next call to method return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// OnUpdate overrides the UpdateNode response. By default the planner
// acknowledges with an empty result.
func (f *Fake) OnUpdate(fn func(planID, nodeID string, u schema.NodeUpdate) (*schema.NodeUpdateResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update = fn
}

// Calls returns the recorded calls to method, or all calls when method is empty.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if q := f.failures[c.Method]; len(q) > 0 {
		f.failures[c.Method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) StreamDraft(ctx context.Context, query, modelHint string) (<-chan schema.StreamFrame, error) {
	if err := f.record(Call{Method: "StreamDraft", Args: []string{query, modelHint}}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	var script draftScript
	if len(f.drafts) > 0 {
		script, f.drafts = f.drafts[0], f.drafts[1:]
	}
	f.mu.Unlock()

	ch := make(chan schema.StreamFrame)
	go func() {
		defer close(ch)
		for _, fr := range script.frames {
			select {
			case ch <- fr:
			case <-ctx.Done():
				return
			}
		}
		if script.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *Fake) FetchPlanDetail(ctx context.Context, planID string) (*schema.PlanDetail, error) {
	if err := f.record(Call{Method: "FetchPlanDetail", PlanID: planID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[planID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan %q not found", planID)
	}
	cp := *d
	return &cp, nil
}

func (f *Fake) FetchPlanStatus(ctx context.Context, planID string) (*schema.StatusSnapshot, error) {
	if err := f.record(Call{Method: "FetchPlanStatus", PlanID: planID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.statuses[planID]
	if len(q) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no status for plan %q", planID)
	}
	snap := q[0]
	if len(q) > 1 {
		f.statuses[planID] = q[1:]
	}
	return snap, nil
}

func (f *Fake) UpdateNode(ctx context.Context, planID, nodeID string, u schema.NodeUpdate) (*schema.NodeUpdateResult, error) {
	if err := f.record(Call{Method: "UpdateNode", PlanID: planID, NodeID: nodeID, Args: u}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.update
	f.mu.Unlock()
	if fn != nil {
		return fn(planID, nodeID, u)
	}
	return &schema.NodeUpdateResult{}, nil
}

func (f *Fake) RerunNode(ctx context.Context, planID, nodeID string) error {
	return f.record(Call{Method: "RerunNode", PlanID: planID, NodeID: nodeID})
}

func (f *Fake) AppendNodeEvent(ctx context.Context, planID, nodeID, event, source string) error {
	return f.record(Call{Method: "AppendNodeEvent", PlanID: planID, NodeID: nodeID, Args: []string{event, source}})
}

func (f *Fake) Interact(ctx context.Context, planID, message string) error {
	return f.record(Call{Method: "Interact", PlanID: planID, Args: message})
}

var _ planner.Client = (*Fake)(nil)
