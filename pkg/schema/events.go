package schema

// Stream event tags emitted by the planner while drafting a plan.
const (
	StreamDrafting  = "drafting"
	StreamPlanInit  = "plan_init"
	StreamNodeAdded = "node_added"
	StreamLinkAdded = "link_added"
	StreamPlanReady = "plan_ready"
	StreamPlanError = "plan_error"
)

// Node telemetry events reported through AppendNodeEvent.
const (
	NodeEventRerunPrompt    = "rerun_prompt"
	NodeEventRerunConfirmed = "rerun_confirmed"
	NodeEventRerunDismissed = "rerun_dismissed"
)

// NodeEventSourceUI tags telemetry originating from user interaction.
const NodeEventSourceUI = "ui"

// DraftStatus is the session lifecycle of the plan held by the graph store.
type DraftStatus string

const (
	DraftStatusIdle     DraftStatus = "idle"
	DraftStatusDrafting DraftStatus = "drafting"
	DraftStatusReady    DraftStatus = "ready"
	DraftStatusError    DraftStatus = "error"
)

// NodeStatus represents the execution lifecycle state of a plan node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
)

// Valid reports whether s is one of the known node statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusWaiting, NodeStatusActive, NodeStatusCompleted, NodeStatusError:
		return true
	}
	return false
}

// Terminal reports whether the node has finished executing, successfully or not.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusError
}
