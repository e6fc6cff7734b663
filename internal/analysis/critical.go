// Package analysis derives read-only views from a plan snapshot: the critical
// path, the side branches hanging off it, and lane/bounds data for the canvas.
// All functions are pure and safe to call concurrently.
package analysis

import "github.com/rendis/plangraph/pkg/schema"

// CriticalPathResult is the longest directed path, by node count, through the plan.
type CriticalPathResult struct {
	Path  []string        // node ids, source first
	Nodes map[string]bool // node id set
	Edges map[string]bool // "source=>target" edge keys
}

// HasNode reports whether id lies on the critical path.
func (r CriticalPathResult) HasNode(id string) bool { return r.Nodes[id] }

// HasEdge reports whether the link source→target lies on the critical path.
func (r CriticalPathResult) HasEdge(source, target string) bool {
	return r.Edges[schema.EdgeKey(source, target)]
}

// graph is the adjacency view of a plan restricted to links whose endpoints
// are both present. Duplicate links collapse to one edge; self-loops are dropped.
type graph struct {
	order    []string            // node ids in input order
	present  map[string]bool
	out      map[string][]string // node id → successors, first-seen order
	inDegree map[string]int
}

func buildGraph(nodes []schema.PlanNode, links []schema.PlanLink) *graph {
	g := &graph{
		order:    make([]string, 0, len(nodes)),
		present:  make(map[string]bool, len(nodes)),
		out:      make(map[string][]string, len(nodes)),
		inDegree: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		if g.present[n.ID] {
			continue
		}
		g.present[n.ID] = true
		g.order = append(g.order, n.ID)
		g.inDegree[n.ID] = 0
	}

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if !g.present[l.Source] || !g.present[l.Target] || l.Source == l.Target {
			continue
		}
		key := l.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		g.out[l.Source] = append(g.out[l.Source], l.Target)
		g.inDegree[l.Target]++
	}
	return g
}

// CriticalPath computes the longest path by node count using a Kahn pass.
// Relaxation is strict, so the first predecessor discovered for a node keeps
// the pointer on ties. The end node is the one with the greatest distance,
// ties going to the earliest node in input order. A plan with nodes but no
// usable links yields its first node alone; an empty plan yields an empty result.
func CriticalPath(nodes []schema.PlanNode, links []schema.PlanLink) CriticalPathResult {
	result := CriticalPathResult{
		Nodes: make(map[string]bool),
		Edges: make(map[string]bool),
	}
	g := buildGraph(nodes, links)
	if len(g.order) == 0 {
		return result
	}

	dist := make(map[string]int, len(g.order))
	pred := make(map[string]string, len(g.order))
	inDegree := make(map[string]int, len(g.order))
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		dist[id] = 1
		inDegree[id] = g.inDegree[id]
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.out[u] {
			if dist[u]+1 > dist[v] {
				dist[v] = dist[u] + 1
				pred[v] = u
			}
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	end := g.order[0]
	for _, id := range g.order[1:] {
		if dist[id] > dist[end] {
			end = id
		}
	}

	// Walk predecessors back to a source. Nodes trapped in a cycle can carry
	// pointers into each other, so stop on revisit.
	visited := map[string]bool{end: true}
	path := []string{end}
	for cur := end; ; {
		p, ok := pred[cur]
		if !ok || visited[p] {
			break
		}
		visited[p] = true
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	result.Path = path
	for i, id := range path {
		result.Nodes[id] = true
		if i > 0 {
			result.Edges[schema.EdgeKey(path[i-1], id)] = true
		}
	}
	return result
}
