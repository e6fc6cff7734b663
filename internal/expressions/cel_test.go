package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Evaluate(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), `execution.progress > 0.5`, map[string]any{
		"execution": map[string]any{"progress": 0.75},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_MissingVariablesDefaultEmpty(t *testing.T) {
	e := newCEL(t)
	out, err := e.Evaluate(context.Background(), `size(checkpoint) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_Errors(t *testing.T) {
	e := newCEL(t)
	var pe *schema.PlanError

	err := e.Compile("node.status ==")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)

	err = e.Compile("unknown_var > 1")
	require.ErrorAs(t, err, &pe)

	_, err = e.Evaluate(context.Background(), `checkpoint.missing > 1`, nil)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeExpression, pe.Code)
}

func gate(rules ...schema.GateRule) schema.PlanNode {
	return schema.PlanNode{ID: "g", Type: schema.NodeTypeLogicGate, Status: schema.NodeStatusActive, Rules: rules}
}

func TestRuleChecker_Check(t *testing.T) {
	c, err := NewRuleChecker()
	require.NoError(t, err)

	result := c.Check(gate(
		schema.GateRule{Label: "ok", Condition: `checkpoint.count > 3`},
		schema.GateRule{Label: "broken", Condition: `checkpoint.count >`},
		schema.GateRule{Label: "blank"},
	))
	require.Len(t, result, 2)
	assert.Equal(t, "rules[1].condition", result[0].Path)
	assert.Equal(t, IssueRuleSyntax, result[0].Code)
	assert.Equal(t, IssueRuleNoRoute, result[1].Code)
	assert.Equal(t, "rules[2].condition", result[1].Path)

	assert.Empty(t, c.Check(schema.PlanNode{ID: "a", Type: schema.NodeTypeAction}))
}

func TestRuleChecker_Route(t *testing.T) {
	c, err := NewRuleChecker()
	require.NoError(t, err)
	ctx := context.Background()

	n := gate(
		schema.GateRule{ID: "bad", Condition: `checkpoint.count >`},
		schema.GateRule{ID: "not-bool", Condition: `checkpoint.count`},
		schema.GateRule{ID: "few", Condition: `checkpoint.count < 3.0`, Target: "retry"},
		schema.GateRule{ID: "many", Condition: `checkpoint.count >= 3.0`, Target: "summarize"},
	)

	rule, ok := c.Route(ctx, n, schema.Execution{Status: "running"}, json.RawMessage(`{"count": 5}`))
	require.True(t, ok)
	assert.Equal(t, "many", rule.ID)

	rule, ok = c.Route(ctx, n, schema.Execution{}, json.RawMessage(`{"count": 1}`))
	require.True(t, ok)
	assert.Equal(t, "retry", rule.Target)

	_, ok = c.Route(ctx, n, schema.Execution{}, nil)
	assert.False(t, ok, "missing checkpoint field fails every rule")

	_, ok = c.Route(ctx, schema.PlanNode{Type: schema.NodeTypeAction}, schema.Execution{}, nil)
	assert.False(t, ok)
}

func TestRuleChecker_RouteUsesNodeAndExecution(t *testing.T) {
	c, err := NewRuleChecker()
	require.NoError(t, err)

	n := gate(schema.GateRule{ID: "go", Condition: `node.status == "active" && execution.status == "running"`})
	rule, ok := c.Route(context.Background(), n, schema.Execution{Status: "running"}, nil)
	require.True(t, ok)
	assert.Equal(t, "go", rule.ID)
}
