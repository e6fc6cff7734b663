package diagram

import "github.com/rendis/plangraph/pkg/schema"

// NodeKind selects the shape a node is drawn with.
type NodeKind string

const (
	NodeKindAction NodeKind = "action"
	NodeKindGate   NodeKind = "gate"
	NodeKindReplan NodeKind = "replan"
)

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeLogicGate:
		return NodeKindGate
	case schema.NodeTypeReplanTrigger:
		return NodeKindReplan
	default:
		return NodeKindAction
	}
}

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Lanes []Lane
	Nodes []*Node
	Edges []Edge
}

// Lane groups the nodes of one stage.
type Lane struct {
	Stage   schema.Stage
	NodeIDs []string
}

// Node is one visible plan node.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   schema.NodeStatus
	Critical bool
	Badge    string // "+N" on a collapsed branch root
}

// Edge is one visible link.
type Edge struct {
	From     string
	To       string
	Critical bool
}
