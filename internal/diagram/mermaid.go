package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/plangraph/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a left-to-right Mermaid flowchart
// with one subgraph per stage lane. Critical-path edges are drawn thick.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph LR\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for _, lane := range model.Lanes {
		b.WriteString(fmt.Sprintf("    subgraph lane_%s[%q]\n", lane.Stage, string(lane.Stage)))
		for _, id := range lane.NodeIDs {
			if n, ok := index[id]; ok {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(n)))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Critical {
			arrow = "==>"
		}
		b.WriteString(fmt.Sprintf("    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef critical stroke:#e67e22,stroke-width:3px\n")

	var critical []string
	for _, n := range model.Nodes {
		if cls := mermaidStatusClass(n.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(n.ID), cls))
		}
		if n.Critical {
			critical = append(critical, mermaidSafeID(n.ID))
		}
	}
	if len(critical) > 0 {
		b.WriteString(fmt.Sprintf("    class %s critical\n", strings.Join(critical, ",")))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(nodeLabel(node))

	switch node.Kind {
	case NodeKindGate:
		return fmt.Sprintf("%s{%s}", id, label)
	case NodeKindReplan:
		return fmt.Sprintf("%s{{%s}}", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_", "/", "_")
	return "n_" + r.Replace(id)
}

// mermaidEscapeLabel quotes a label, replacing double quotes with the
// Mermaid entity.
func mermaidEscapeLabel(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "#quot;") + `"`
}

func mermaidStatusClass(status schema.NodeStatus) string {
	if status.Valid() {
		return string(status)
	}
	return ""
}
