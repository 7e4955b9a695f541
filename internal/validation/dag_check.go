package validation

import (
	"fmt"
	"sort"

	"github.com/loomengine/loom/pkg/schema"
)

// validateDAG performs graph analysis on the document edge set:
// cycle detection (Kahn's algorithm) and orphan-node reachability
// (nodes that have inputs wired to nothing are reported as warnings).
func validateDAG(doc *schema.GraphDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodeIDs[n.ID] = true
	}

	// succ[id] = targets of out-edges, inDegree over edges whose both
	// endpoints exist (dangling refs already caught by semantic).
	succ := make(map[string][]string, len(doc.Nodes))
	inDegree := make(map[string]int, len(doc.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, e := range doc.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			continue
		}
		succ[e.Source] = append(succ[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(doc.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			"graph contains a dependency cycle")
		return result
	}

	// Unwired runnable nodes with declared inputs are legal but suspicious.
	wired := make(map[string]bool, len(doc.Edges))
	for _, e := range doc.Edges {
		wired[e.Target] = true
	}
	for _, n := range doc.Nodes {
		if n.Kind.Runnable() && len(n.Inputs) > 0 && !wired[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q declares inputs but none are connected", n.ID))
		}
	}

	return result
}
