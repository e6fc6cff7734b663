package nodeedit

import "github.com/rendis/plangraph/pkg/schema"

// Mode is how the instruction field of a node may be edited.
type Mode string

const (
	// ModeEdit commits edits to the instruction directly.
	ModeEdit Mode = "edit"
	// ModeShadow queues edits as a pending instruction for the next run.
	ModeShadow Mode = "shadow"
	// ModeLocked rejects instruction edits.
	ModeLocked Mode = "locked"
)

var modeByStatus = map[schema.NodeStatus]Mode{
	schema.NodeStatusPending: ModeEdit,
	schema.NodeStatusWaiting: ModeEdit,
	schema.NodeStatusActive:  ModeShadow,
}

// ModeFor returns the edit mode for a node status. Completed, errored and
// unknown statuses are locked.
func ModeFor(status schema.NodeStatus) Mode {
	if m, ok := modeByStatus[status]; ok {
		return m
	}
	return ModeLocked
}

// promptsRerun reports whether moving from one status to another should
// raise a rerun prompt for a node holding a pending instruction.
func promptsRerun(from, to schema.NodeStatus) bool {
	return from != to && to.Terminal()
}
