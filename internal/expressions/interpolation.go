package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomengine/loom/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution when a
// node's prompt or parameters are prepared for dispatch.
type InterpolationScope struct {
	Nodes  map[string]any // upstream node ID -> output (unmarshalled)
	Inputs map[string]any // input handle -> resolved upstream value
	Run    map[string]any // run metadata (run_id, graph_id, etc.)
}

// Interpolator resolves ${{...}} references in node prompts and parameters.
// Plain dotted paths resolve directly against the scope; anything richer
// (operators, function calls, indexing) is handed to the expr engine with
// the scope namespaces as top-level variables.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{engine: NewExprEngine()}
}

// Resolve scans raw JSON for ${{...}} tokens and replaces each with the value
// it references in the scope. Returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}

		// Embed the resolved value into the JSON string.
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return json.RawMessage(result.String()), nil
}

// resolveExpr resolves a single expression path like "nodes.fetch.output.url".
func (interp *Interpolator) resolveExpr(expr string, scope *InterpolationScope) (any, error) {
	if !isPathExpr(expr) {
		return interp.evaluate(expr, scope)
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "nodes":
		return interp.resolveNodes(expr, scope)
	case "inputs":
		return interp.resolveInputs(expr, scope)
	case "run":
		return interp.resolveRun(expr, scope)
	default:
		available := []string{"nodes", "inputs", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// isPathExpr reports whether the token is a bare dotted path (namespace
// lookup) as opposed to a full expression.
func isPathExpr(expr string) bool {
	for _, r := range expr {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// evaluate runs a non-path expression through the expr engine. The scope
// namespaces appear as top-level variables.
func (interp *Interpolator) evaluate(expr string, scope *InterpolationScope) (any, error) {
	// Mirror the path form: nodes.<id>.output.
	nodes := make(map[string]any, len(scope.Nodes))
	for id, out := range scope.Nodes {
		nodes[id] = map[string]any{"output": out}
	}
	env := map[string]any{
		"nodes":  nodes,
		"inputs": scope.Inputs,
		"run":    scope.Run,
	}
	val, err := interp.engine.Evaluate(context.Background(), expr, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"expression ${{%s}} failed: %s", expr, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expr})
	}
	return val, nil
}

// resolveNodes resolves nodes.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveNodes(expr string, scope *InterpolationScope) (any, error) {
	// Expected: nodes.<id>.output or nodes.<id>.output.<field>...
	parts := strings.SplitN(expr, ".", 4) // [nodes, id, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid node reference %q: expected nodes.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	nodeID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid node reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Nodes == nil {
		return nil, interp.missingNodeErr(expr, nodeID, scope)
	}

	output, ok := scope.Nodes[nodeID]
	if !ok {
		return nil, interp.missingNodeErr(expr, nodeID, scope)
	}

	// nodes.<id>.output — return the whole output.
	if len(parts) == 3 {
		return output, nil
	}

	// nodes.<id>.output.<field>[.<subfield>...]
	return interp.traversePath(output, parts[3], expr)
}

// resolveInputs resolves inputs.<handle> references.
func (interp *Interpolator) resolveInputs(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid input reference %q: expected inputs.<handle>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	return interp.resolveFromMap(scope.Inputs, parts[1], expr, "inputs")
}

// resolveRun resolves run.<field> references.
func (interp *Interpolator) resolveRun(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid run reference %q: expected run.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	return interp.resolveFromMap(scope.Run, parts[1], expr, "run")
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingNodeErr builds an error for missing node references with available nodes listed.
func (interp *Interpolator) missingNodeErr(expr, id string, scope *InterpolationScope) *schema.LoomError {
	available := mapKeys(scope.Nodes)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"node %q not found in ${{%s}}; available nodes: [%s]", id, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_nodes": available})
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without extra quotes so that references embedded within
// larger strings (e.g. a prompt template) read naturally. For complex types
// (maps, slices), JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
