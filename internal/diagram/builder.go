package diagram

import (
	"github.com/rendis/plangraph/internal/analysis"
	"github.com/rendis/plangraph/pkg/schema"
)

// Input is the visible subgraph to draw.
type Input struct {
	Title    string
	Nodes    []schema.PlanNode
	Links    []schema.PlanLink
	Critical analysis.CriticalPathResult
	Badges   map[string]string
}

// Build constructs a DiagramModel. Nodes keep their input order inside
// stage lanes; duplicate and dangling links are dropped.
func Build(in Input) *DiagramModel {
	model := &DiagramModel{Title: in.Title}

	present := make(map[string]bool, len(in.Nodes))
	for _, n := range in.Nodes {
		if present[n.ID] {
			continue
		}
		present[n.ID] = true
		label := n.Title
		if label == "" {
			label = n.ID
		}
		model.Nodes = append(model.Nodes, &Node{
			ID:       n.ID,
			Label:    label,
			Kind:     kindOf(n.Type),
			Status:   n.Status,
			Critical: in.Critical.HasNode(n.ID),
			Badge:    in.Badges[n.ID],
		})
	}

	for _, l := range analysis.Lanes(in.Nodes) {
		model.Lanes = append(model.Lanes, Lane{Stage: l.Stage, NodeIDs: l.NodeIDs})
	}

	seen := make(map[string]bool, len(in.Links))
	for _, l := range in.Links {
		key := l.Key()
		if seen[key] || !present[l.Source] || !present[l.Target] {
			continue
		}
		seen[key] = true
		model.Edges = append(model.Edges, Edge{
			From:     l.Source,
			To:       l.Target,
			Critical: in.Critical.HasEdge(l.Source, l.Target),
		})
	}
	return model
}

// nodeLabel is the display label with the collapse badge appended.
func nodeLabel(n *Node) string {
	label := firstLine(n.Label)
	if n.Badge != "" {
		label += " (" + n.Badge + ")"
	}
	return label
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
