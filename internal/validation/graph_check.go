package validation

import (
	"fmt"

	"github.com/rendis/plangraph/pkg/schema"
)

// Issue codes reported by CheckGraph.
const (
	IssueDanglingLink      = "DANGLING_LINK"
	IssueSelfLoop          = "SELF_LOOP"
	IssueDuplicateLink     = "DUPLICATE_LINK"
	IssueCycle             = "CYCLE"
	IssueUnknownRuleTarget = "UNKNOWN_RULE_TARGET"
)

// CheckGraph reports structural anomalies in a plan graph. The graph store
// accepts all of these; the analyzers treat the offending links as inert.
func CheckGraph(nodes []schema.PlanNode, links []schema.PlanLink) schema.Issues {
	var issues schema.Issues

	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}

	out := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	seen := make(map[string]bool, len(links))
	for i, l := range links {
		path := fmt.Sprintf("links[%d]", i)
		switch {
		case !ids[l.Source] || !ids[l.Target]:
			issues.Add(path, IssueDanglingLink,
				fmt.Sprintf("link %s references a missing node", l.Key()))
		case l.Source == l.Target:
			issues.Add(path, IssueSelfLoop,
				fmt.Sprintf("node %q links to itself", l.Source))
		case seen[l.Key()]:
			issues.Add(path, IssueDuplicateLink,
				fmt.Sprintf("link %s is repeated", l.Key()))
		default:
			seen[l.Key()] = true
			out[l.Source] = append(out[l.Source], l.Target)
			inDegree[l.Target]++
		}
	}

	// Kahn's algorithm for cycle detection.
	queue := make([]string, 0, len(nodes))
	queued := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 && !queued[n.ID] {
			queued[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(ids) {
		flagged := make(map[string]bool)
		for _, n := range nodes {
			if inDegree[n.ID] > 0 && !flagged[n.ID] {
				flagged[n.ID] = true
				issues.Add(fmt.Sprintf("nodes[%s]", n.ID), IssueCycle,
					fmt.Sprintf("node %q is on or downstream of a cycle", n.ID))
			}
		}
	}

	for _, n := range nodes {
		for j, r := range n.Rules {
			if r.Target != "" && !ids[r.Target] {
				issues.Add(fmt.Sprintf("nodes[%s].rules[%d]", n.ID, j), IssueUnknownRuleTarget,
					fmt.Sprintf("rule routes to unknown node %q", r.Target))
			}
		}
	}
	return issues
}
