package workspace

import (
	"context"
	"sort"

	"github.com/rendis/plangraph/internal/analysis"
	"github.com/rendis/plangraph/internal/collapse"
	"github.com/rendis/plangraph/internal/nodeedit"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// CriticalPath is the highlight data for the canvas.
type CriticalPath struct {
	Path  []string `json:"path"`
	Nodes []string `json:"nodes"`
	Edges []string `json:"edges"`
}

// View is everything the canvas and detail panel render for the bound plan.
type View struct {
	PlanID          string             `json:"plan_id,omitempty"`
	ProjectName     string             `json:"project_name,omitempty"`
	Status          schema.DraftStatus `json:"status"`
	Error           string             `json:"error,omitempty"`
	Execution       schema.Execution   `json:"execution"`
	Version         uint64             `json:"version"`
	SelectedNodeID  string             `json:"selected_node_id,omitempty"`
	FocusNodeID     string             `json:"focus_node_id,omitempty"`
	HighlightNodeID string             `json:"highlight_node_id,omitempty"`

	Nodes        []schema.PlanNode `json:"visible_nodes"`
	Links        []schema.PlanLink `json:"visible_connections"`
	TotalNodes   int               `json:"total_nodes"`
	CriticalPath CriticalPath      `json:"critical_path"`
	Branches     []analysis.Branch `json:"branches"`
	Toggles      []collapse.Toggle `json:"branch_toggles"`
	Badges       map[string]string `json:"branch_badges"`
	Locked       bool              `json:"locked"`
	Lanes        []analysis.Lane   `json:"lanes"`
	Bounds       analysis.Bounds   `json:"bounds"`

	// GateRoutes maps each logic gate to the target of its first matching rule.
	GateRoutes  map[string]string `json:"gate_routes,omitempty"`
	Diagnostics schema.Issues     `json:"diagnostics,omitempty"`
	Prompts     []nodeedit.Prompt `json:"rerun_prompts,omitempty"`

	critical analysis.CriticalPathResult
}

// View derives the renderable state from the current store snapshot:
// critical path and branches over the full graph, collapse applied on top,
// lanes and bounds over what remains visible. A selection hidden by a
// collapse is cleared in the store.
func (ws *Workspace) View(ctx context.Context) View {
	plan := ws.store.Snapshot()

	cp := analysis.CriticalPath(plan.Nodes, plan.Links)
	branches := analysis.Branches(plan.Nodes, plan.Links, cp)

	ws.mu.Lock()
	if plan.PlanID != "" && ws.collapse.PlanID() != plan.PlanID {
		ws.collapse.Open(ctx, plan.PlanID)
	}
	ws.collapse.Sync(ctx, branches)
	cv := ws.collapse.View(plan.Nodes, plan.Links, branches, plan.SelectedNodeID)
	ws.mu.Unlock()

	selected := plan.SelectedNodeID
	if cv.ClearSelection {
		ws.store.SetSelectedNodeID("")
		selected = ""
	}

	v := View{
		PlanID:          plan.PlanID,
		ProjectName:     plan.ProjectName,
		Status:          plan.Status,
		Error:           plan.Error,
		Execution:       plan.Execution,
		Version:         plan.Version,
		SelectedNodeID:  selected,
		FocusNodeID:     plan.FocusNodeID,
		HighlightNodeID: plan.HighlightNodeID,
		Nodes:           cv.VisibleNodes,
		Links:           cv.VisibleLinks,
		TotalNodes:      len(plan.Nodes),
		CriticalPath:    criticalPathOf(cp),
		Branches:        branches,
		Toggles:         cv.Toggles,
		Badges:          cv.Badges,
		Locked:          cv.Locked,
		Lanes:           analysis.Lanes(cv.VisibleNodes),
		Bounds:          analysis.ComputeBounds(cv.VisibleNodes),
		Prompts:         ws.edits.Prompts(),
		critical:        cp,
	}

	diag := validation.CheckGraph(plan.Nodes, plan.Links)
	for _, n := range plan.Nodes {
		if n.Type != schema.NodeTypeLogicGate {
			continue
		}
		diag = append(diag, ws.rules.Check(n)...)
		if rule, ok := ws.rules.Route(ctx, n, plan.Execution, plan.Checkpoint); ok && rule.Target != "" {
			if v.GateRoutes == nil {
				v.GateRoutes = make(map[string]string)
			}
			v.GateRoutes[n.ID] = rule.Target
		}
	}
	v.Diagnostics = diag
	return v
}

func criticalPathOf(cp analysis.CriticalPathResult) CriticalPath {
	out := CriticalPath{
		Path:  append([]string{}, cp.Path...),
		Nodes: make([]string, 0, len(cp.Nodes)),
		Edges: make([]string, 0, len(cp.Edges)),
	}
	for id := range cp.Nodes {
		out.Nodes = append(out.Nodes, id)
	}
	for e := range cp.Edges {
		out.Edges = append(out.Edges, e)
	}
	sort.Strings(out.Nodes)
	sort.Strings(out.Edges)
	return out
}
