package analysis

import (
	"slices"

	"github.com/rendis/plangraph/pkg/schema"
)

// Branch is a maximal subtree hanging off the critical path, collapsible as a unit.
type Branch struct {
	RootID   string   `json:"root_id"`   // first off-path node
	OriginID string   `json:"origin_id"` // critical-path node the branch leaves from
	Nodes    []string `json:"nodes"`     // reachable members in visit order, root first
}

// Contains reports whether id is a member of the branch.
func (b Branch) Contains(id string) bool {
	return slices.Contains(b.Nodes, id)
}

// Branches returns one branch per first-seen link leaving the critical path.
// Each branch holds everything reachable from its root without passing
// through a critical-path node. Walks of sibling branches are not
// deduplicated against each other, so a re-convergent node may belong to
// more than one branch.
func Branches(nodes []schema.PlanNode, links []schema.PlanLink, cp CriticalPathResult) []Branch {
	if len(cp.Nodes) == 0 {
		return nil
	}
	g := buildGraph(nodes, links)

	var branches []Branch
	roots := make(map[string]bool)
	for _, l := range links {
		if !cp.Nodes[l.Source] || cp.Nodes[l.Target] || !g.present[l.Target] {
			continue
		}
		if roots[l.Target] {
			continue
		}
		roots[l.Target] = true
		branches = append(branches, Branch{
			RootID:   l.Target,
			OriginID: l.Source,
			Nodes:    g.reach(l.Target, cp.Nodes),
		})
	}
	return branches
}

// reach walks depth-first from root along outgoing edges, never entering a barrier node.
func (g *graph) reach(root string, barrier map[string]bool) []string {
	visited := make(map[string]bool)
	var members []string
	stack := []string{root}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		members = append(members, u)
		next := g.out[u]
		// Push in reverse so successors are visited in link order.
		for i := len(next) - 1; i >= 0; i-- {
			if v := next[i]; !visited[v] && !barrier[v] {
				stack = append(stack, v)
			}
		}
	}
	return members
}
