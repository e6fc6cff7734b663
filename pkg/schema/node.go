package schema

import (
	"encoding/json"
	"fmt"
)

// NodeType enumerates the kinds of plan nodes.
type NodeType string

const (
	NodeTypeAction        NodeType = "action"
	NodeTypeLogicGate     NodeType = "logic_gate"
	NodeTypeReplanTrigger NodeType = "replan_trigger"
)

var validNodeTypes = map[NodeType]bool{
	NodeTypeAction:        true,
	NodeTypeLogicGate:     true,
	NodeTypeReplanTrigger: true,
}

// Stage is the visual lane a node is grouped into. Not used by graph algorithms.
type Stage string

const (
	StageSearch  Stage = "search"
	StageProcess Stage = "process"
	StageSummary Stage = "summary"
	StageAction  Stage = "action"
)

// Stages lists the lane taxonomy in canvas order.
var Stages = []Stage{StageSearch, StageProcess, StageSummary, StageAction}

// LaneIndex returns the canvas position of a stage, or -1 if unknown.
func (s Stage) LaneIndex() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Position is a 2D canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GateRule is one routing rule of a logic_gate node.
type GateRule struct {
	ID        string `json:"id,omitempty"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
	Target    string `json:"target,omitempty"`
}

// PlanNode is one step of a plan.
type PlanNode struct {
	ID                 string          `json:"id"`
	Type               NodeType        `json:"type"`
	Title              string          `json:"title,omitempty"`
	Stage              Stage           `json:"stage"`
	Status             NodeStatus      `json:"status"`
	Position           *Position       `json:"position,omitempty"`
	ModelOverride      *string         `json:"model_override"`
	Instruction        string          `json:"instruction,omitempty"`
	PendingInstruction *string         `json:"pending_instruction"`
	Rules              []GateRule      `json:"rules,omitempty"`  // logic_gate
	Reason             string          `json:"reason,omitempty"` // replan_trigger
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// Clone returns a deep copy of the node.
func (n PlanNode) Clone() PlanNode {
	c := n
	if n.Position != nil {
		p := *n.Position
		c.Position = &p
	}
	if n.ModelOverride != nil {
		v := *n.ModelOverride
		c.ModelOverride = &v
	}
	if n.PendingInstruction != nil {
		v := *n.PendingInstruction
		c.PendingInstruction = &v
	}
	if n.Rules != nil {
		c.Rules = append([]GateRule(nil), n.Rules...)
	}
	if n.Raw != nil {
		c.Raw = append(json.RawMessage(nil), n.Raw...)
	}
	return c
}

// PlanLink is a directed edge between two nodes.
type PlanLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Key returns the "source=>target" identity of the link.
func (l PlanLink) Key() string {
	return EdgeKey(l.Source, l.Target)
}

// EdgeKey builds the edge identity used by critical-path edge sets.
func EdgeKey(source, target string) string {
	return source + "=>" + target
}

// Execution is the plan-level execution record reported by the planner.
type Execution struct {
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// DecodeNode parses a backend node payload. The raw bytes are kept unmodified on the result.
func DecodeNode(raw json.RawMessage) (PlanNode, error) {
	var n PlanNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return PlanNode{}, NewError(ErrCodeValidation, "malformed node payload").WithCause(err)
	}
	if n.ID == "" {
		return PlanNode{}, NewError(ErrCodeValidation, "node payload has empty id")
	}
	if n.Type == "" {
		n.Type = NodeTypeAction
	}
	if !validNodeTypes[n.Type] {
		return PlanNode{}, NewErrorf(ErrCodeValidation, "node %s has unknown type: %s", n.ID, n.Type)
	}
	if n.Stage.LaneIndex() < 0 {
		n.Stage = defaultStage(n.Type)
	}
	if !n.Status.Valid() {
		n.Status = NodeStatusPending
	}
	if n.PendingInstruction != nil && *n.PendingInstruction == n.Instruction {
		n.PendingInstruction = nil
	}
	n.Raw = append(json.RawMessage(nil), raw...)
	return n, nil
}

func defaultStage(t NodeType) Stage {
	switch t {
	case NodeTypeAction:
		return StageAction
	default:
		return StageProcess
	}
}

// DecodeLink parses a link payload, rejecting missing endpoints.
func DecodeLink(raw json.RawMessage) (PlanLink, error) {
	var l PlanLink
	if err := json.Unmarshal(raw, &l); err != nil {
		return PlanLink{}, NewError(ErrCodeValidation, "malformed link payload").WithCause(err)
	}
	if l.Source == "" || l.Target == "" {
		return PlanLink{}, NewError(ErrCodeValidation, fmt.Sprintf("link %q has a missing endpoint", l.Key()))
	}
	return l, nil
}
