package expressions

import "context"

// Engine evaluates expressions against JSON-shaped data.
// Two implementations: GoJQ (payload projection) and CEL (gate rule conditions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
