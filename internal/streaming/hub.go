package streaming

import "context"

// ChangeKind classifies a graph store mutation.
//
//   - draft: drafting started or failed, plan bound or marked ready
//   - structure: node or link added
//   - status: execution, checkpoint or node status merged
//   - node_edit: instruction, pending instruction or model override changed
//   - selection: selected, focus or highlight cursor moved
type ChangeKind string

const (
	ChangeReset      ChangeKind = "reset"
	ChangeDraft      ChangeKind = "draft"
	ChangeStructure  ChangeKind = "structure"
	ChangeStatus     ChangeKind = "status"
	ChangeNodeEdit   ChangeKind = "node_edit"
	ChangeSelection  ChangeKind = "selection"
	ChangePlanDetail ChangeKind = "plan_detail"
)

// ChangeEvent is published after a graph store mutation has been applied.
type ChangeEvent struct {
	PlanID  string     `json:"plan_id,omitempty"`
	NodeID  string     `json:"node_id,omitempty"`
	Kind    ChangeKind `json:"kind"`
	Version uint64     `json:"version"`
}

// EventFilter specifies which changes a subscriber wants to receive.
type EventFilter struct {
	PlanID string       `json:"plan_id,omitempty"`
	Kinds  []ChangeKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for graph store change notifications.
type EventHub interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ChangeEvent, func(), error)
}
