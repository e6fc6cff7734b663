package collapse

import (
	"fmt"

	"github.com/rendis/plangraph/internal/analysis"
	"github.com/rendis/plangraph/pkg/schema"
)

// Toggle is the collapse affordance rendered at a branch root.
type Toggle struct {
	RootID      string           `json:"root_id"`
	OriginID    string           `json:"origin_id"`
	Position    *schema.Position `json:"position,omitempty"`
	MemberCount int              `json:"member_count"` // root included
	Collapsed   bool             `json:"collapsed"`
}

// View is the renderable subgraph after applying collapse flags.
type View struct {
	VisibleNodes   []schema.PlanNode `json:"visible_nodes"`
	VisibleLinks   []schema.PlanLink `json:"visible_links"`
	Toggles        []Toggle          `json:"branch_toggles"`
	Badges         map[string]string `json:"branch_badges"`
	Locked         bool              `json:"locked"`
	ClearSelection bool              `json:"clear_selection,omitempty"`
}

// View derives the visible nodes and links. Members of a collapsed branch are
// hidden, but every branch root stays visible to carry its toggle. A collapsed
// branch of N members gets a "+N" badge at its root. ClearSelection is set
// when selectedID is hidden.
func (c *Controller) View(nodes []schema.PlanNode, links []schema.PlanLink, branches []analysis.Branch, selectedID string) View {
	c.mu.Lock()
	collapsed := cloneSet(c.collapsed)
	locked := c.locked
	c.mu.Unlock()

	roots := make(map[string]bool, len(branches))
	hidden := make(map[string]bool)
	for _, b := range branches {
		roots[b.RootID] = true
		if !collapsed[b.RootID] {
			continue
		}
		for _, id := range b.Nodes {
			hidden[id] = true
		}
	}
	for r := range roots {
		delete(hidden, r)
	}

	v := View{
		VisibleNodes: make([]schema.PlanNode, 0, len(nodes)),
		VisibleLinks: make([]schema.PlanLink, 0, len(links)),
		Toggles:      make([]Toggle, 0, len(branches)),
		Badges:       make(map[string]string),
		Locked:       locked,
	}

	present := make(map[string]*schema.PlanNode, len(nodes))
	for i := range nodes {
		present[nodes[i].ID] = &nodes[i]
		if !hidden[nodes[i].ID] {
			v.VisibleNodes = append(v.VisibleNodes, nodes[i])
		}
	}
	for _, l := range links {
		if present[l.Source] == nil || present[l.Target] == nil {
			continue
		}
		if hidden[l.Source] || hidden[l.Target] {
			continue
		}
		v.VisibleLinks = append(v.VisibleLinks, l)
	}

	for _, b := range branches {
		t := Toggle{
			RootID:      b.RootID,
			OriginID:    b.OriginID,
			MemberCount: len(b.Nodes),
			Collapsed:   collapsed[b.RootID],
		}
		if n := present[b.RootID]; n != nil && n.Position != nil {
			p := *n.Position
			t.Position = &p
		}
		v.Toggles = append(v.Toggles, t)
		if t.Collapsed && t.MemberCount > 0 {
			v.Badges[b.RootID] = fmt.Sprintf("+%d", t.MemberCount)
		}
	}

	v.ClearSelection = selectedID != "" && hidden[selectedID]
	return v
}
