package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/plangraph/pkg/schema"
)

// Issue codes reported by RuleChecker.
const (
	IssueRuleSyntax  = "RULE_SYNTAX"
	IssueRuleNoRoute = "RULE_NO_CONDITION"
)

// RuleChecker validates and evaluates logic_gate rule conditions with CEL.
type RuleChecker struct {
	cel *CELEngine
}

// NewRuleChecker creates a checker backed by a fresh CEL environment.
func NewRuleChecker() (*RuleChecker, error) {
	e, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &RuleChecker{cel: e}, nil
}

// Check compiles every rule condition of a logic_gate node and reports the
// ones that can never route. Nodes of other types have no issues.
func (c *RuleChecker) Check(n schema.PlanNode) schema.Issues {
	if n.Type != schema.NodeTypeLogicGate {
		return nil
	}
	var issues schema.Issues
	for i, r := range n.Rules {
		path := fmt.Sprintf("rules[%d].condition", i)
		if r.Condition == "" {
			issues.Add(path, IssueRuleNoRoute, "rule has no condition and never matches")
			continue
		}
		if err := c.cel.Compile(r.Condition); err != nil {
			issues.Add(path, IssueRuleSyntax, err.Error())
		}
	}
	return issues
}

// Route evaluates the gate's rules in order against the plan's current
// execution record and checkpoint and returns the first rule whose condition
// is true. Rules that fail to compile, evaluate, or return a non-bool are skipped.
func (c *RuleChecker) Route(ctx context.Context, n schema.PlanNode, execution schema.Execution, checkpoint json.RawMessage) (schema.GateRule, bool) {
	if n.Type != schema.NodeTypeLogicGate {
		return schema.GateRule{}, false
	}
	data := map[string]any{
		"node": map[string]any{
			"id":     n.ID,
			"status": string(n.Status),
			"stage":  string(n.Stage),
			"title":  n.Title,
		},
		"execution": map[string]any{
			"status":   execution.Status,
			"progress": execution.Progress,
		},
	}
	if len(checkpoint) > 0 {
		var cp map[string]any
		if err := json.Unmarshal(checkpoint, &cp); err == nil {
			data["checkpoint"] = cp
		}
	}

	for _, r := range n.Rules {
		if r.Condition == "" {
			continue
		}
		out, err := c.cel.Evaluate(ctx, r.Condition, data)
		if err != nil {
			continue
		}
		if ok, isBool := out.(bool); isBool && ok {
			return r, true
		}
	}
	return schema.GateRule{}, false
}
