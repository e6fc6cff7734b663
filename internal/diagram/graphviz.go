package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/plangraph/pkg/schema"
)

// criticalColor outlines critical-path nodes and edges.
const criticalColor = "#e67e22"

// RenderImage renders a DiagramModel as a PNG image using graphviz.
// Each stage lane becomes a cluster.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.LRRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, lane := range model.Lanes {
		sub, subErr := graph.CreateSubGraphByName("cluster_" + string(lane.Stage))
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create lane %s: %w", lane.Stage, subErr)
		}
		sub.SetLabel(string(lane.Stage))
		sub.SetStyle(cgraph.DashedGraphStyle)

		for _, id := range lane.NodeIDs {
			node, ok := index[id]
			if !ok {
				continue
			}
			gvNode, nErr := sub.CreateNodeByName(node.ID)
			if nErr != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
			}
			gvNode.SetLabel(nodeLabel(node))
			applyNodeStyle(gvNode, node)
			gvNodes[node.ID] = gvNode
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s: %w", schema.EdgeKey(edge.From, edge.To), eErr)
		}
		if edge.Critical {
			e.SetColor(criticalColor)
			e.SetPenWidth(2.5)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindGate:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindReplan:
		gvNode.SetShape(cgraph.HexagonShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	applyStatusColor(gvNode, node.Status)
	if node.Critical {
		gvNode.SetColor(criticalColor)
		gvNode.SetPenWidth(2.5)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status schema.NodeStatus) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case schema.NodeStatusCompleted:
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case schema.NodeStatusError:
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case schema.NodeStatusActive:
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case schema.NodeStatusWaiting:
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	default:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	}
}
