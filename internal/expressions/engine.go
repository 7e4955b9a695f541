package expressions

import "context"

// Engine evaluates expressions against upstream node outputs.
// Two implementations: Expr (prompt interpolation logic) and GoJQ
// (provider output extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
