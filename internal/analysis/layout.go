package analysis

import "github.com/rendis/plangraph/pkg/schema"

// Rendered card size used to pad canvas extents.
const (
	NodeWidth  = 220.0
	NodeHeight = 96.0
)

// Lane groups the nodes of one stage for the canvas.
type Lane struct {
	Stage   schema.Stage `json:"stage"`
	NodeIDs []string     `json:"node_ids"`
	MinX    float64      `json:"min_x"`
	MaxX    float64      `json:"max_x"`
}

// Bounds is the bounding box of a node set, padded by the card size.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Width of the box.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height of the box.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Lanes groups node ids by stage in taxonomy order. Stages with no nodes are omitted.
func Lanes(nodes []schema.PlanNode) []Lane {
	byStage := make(map[schema.Stage]*Lane, len(schema.Stages))
	positioned := make(map[schema.Stage]bool, len(schema.Stages))
	for _, n := range nodes {
		lane, ok := byStage[n.Stage]
		if !ok {
			lane = &Lane{Stage: n.Stage}
			byStage[n.Stage] = lane
		}
		if p := n.Position; p != nil {
			if !positioned[n.Stage] {
				lane.MinX, lane.MaxX = p.X, p.X+NodeWidth
				positioned[n.Stage] = true
			} else {
				lane.MinX = min(lane.MinX, p.X)
				lane.MaxX = max(lane.MaxX, p.X+NodeWidth)
			}
		}
		lane.NodeIDs = append(lane.NodeIDs, n.ID)
	}

	lanes := make([]Lane, 0, len(byStage))
	for _, st := range schema.Stages {
		if lane, ok := byStage[st]; ok {
			lanes = append(lanes, *lane)
		}
	}
	return lanes
}

// ComputeBounds returns the extent of the positioned nodes. Nodes without a
// position are skipped; the zero Bounds is returned when none remain.
func ComputeBounds(nodes []schema.PlanNode) Bounds {
	var b Bounds
	first := true
	for _, n := range nodes {
		if n.Position == nil {
			continue
		}
		x, y := n.Position.X, n.Position.Y
		if first {
			b = Bounds{MinX: x, MinY: y, MaxX: x + NodeWidth, MaxY: y + NodeHeight}
			first = false
			continue
		}
		b.MinX = min(b.MinX, x)
		b.MinY = min(b.MinY, y)
		b.MaxX = max(b.MaxX, x+NodeWidth)
		b.MaxY = max(b.MaxY, y+NodeHeight)
	}
	return b
}
