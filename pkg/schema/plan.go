package schema

import "encoding/json"

// StreamFrame is one decoded server-sent event of a draft subscription.
// A frame with Err set reports an unrecoverable transport failure and ends the stream.
type StreamFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Err   error           `json:"-"`
}

// PlanInitEvent binds a draft session to a plan identity.
type PlanInitEvent struct {
	PlanID                string `json:"plan_id"`
	ProjectName           string `json:"project_name,omitempty"`
	ConversationSessionID string `json:"conversation_session_id,omitempty"`
}

// PlanReadyEvent signals the planner finished drafting.
type PlanReadyEvent struct {
	PlanID string `json:"plan_id"`
}

// PlanErrorEvent reports a drafting failure.
type PlanErrorEvent struct {
	Message string `json:"message"`
}

// NodeAddedEvent carries one node payload.
type NodeAddedEvent struct {
	Node json.RawMessage `json:"node"`
}

// PlanDetail is the authoritative plan manifest returned by FetchPlanDetail.
type PlanDetail struct {
	ID                    string            `json:"id"`
	ProjectName           string            `json:"project_name,omitempty"`
	ConversationSessionID string            `json:"conversation_session_id,omitempty"`
	Manifest              []json.RawMessage `json:"manifest"`
	Connections           []PlanLink        `json:"connections"`
	Execution             Execution         `json:"execution"`
}

// StatusSnapshot is one poll response. Node entries are kept raw so that
// a malformed record does not fail the whole decode.
type StatusSnapshot struct {
	Execution  Execution                  `json:"execution"`
	Checkpoint json.RawMessage            `json:"checkpoint,omitempty"`
	Nodes      map[string]json.RawMessage `json:"nodes"`
}

// NodeUpdate is the body of an UpdateNode command. Unset fields are omitted;
// a null model override restores the planner default.
type NodeUpdate struct {
	ModelOverride Optional[string] `json:"model_override,omitzero"`
	Instruction   Optional[string] `json:"instruction,omitzero"`
}

// Empty reports whether the update carries no change.
func (u NodeUpdate) Empty() bool {
	return !u.ModelOverride.Set && !u.Instruction.Set
}

// NodeUpdateResult is the planner acknowledgement of an UpdateNode command.
type NodeUpdateResult struct {
	ModelOverride      Optional[string] `json:"model_override,omitzero"`
	Instruction        Optional[string] `json:"instruction,omitzero"`
	PendingInstruction Optional[string] `json:"pending_instruction,omitzero"`
}
