package engine

import (
	"github.com/loomengine/loom/pkg/schema"
)

// Plan is the executable view of a graph for one run: the runnable nodes in
// scope, their dependency counts, and their successor lists. Node order
// follows document order so ties between ready nodes resolve
// deterministically.
type Plan struct {
	Nodes      map[string]*schema.Node
	Order      []string            // node IDs in document order
	InDegree   map[string]int      // node ID -> unmet in-scope dependencies
	Successors map[string][]string // node ID -> in-scope dependents
}

// BuildPlan restricts a graph document to the run scope and derives the
// dependency structure the scheduler walks.
//
// The scope lists node and group IDs; group IDs expand to their members.
// An empty scope means the whole document. Composite nodes are containers,
// not work, and never enter a plan. Edges with an endpoint outside the scope
// are dropped: out-of-scope upstream outputs are read from the document
// as-is instead of being recomputed.
func BuildPlan(doc *schema.GraphDocument, scope []string) (*Plan, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph document is nil")
	}

	include := resolveScope(doc, scope)

	plan := &Plan{
		Nodes:      make(map[string]*schema.Node),
		InDegree:   make(map[string]int),
		Successors: make(map[string][]string),
	}

	for _, n := range doc.Nodes {
		if !n.Kind.Runnable() {
			continue
		}
		if include != nil && !include[n.ID] {
			continue
		}
		plan.Nodes[n.ID] = n
		plan.Order = append(plan.Order, n.ID)
		plan.InDegree[n.ID] = 0
	}

	if len(plan.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no runnable nodes in scope")
	}

	seen := make(map[schema.EdgeTuple]bool, len(doc.Edges))
	for _, e := range doc.Edges {
		if _, ok := plan.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := plan.Nodes[e.Target]; !ok {
			continue
		}
		// Parallel edges between the same handle pair count once.
		t := e.Tuple()
		if seen[t] {
			continue
		}
		seen[t] = true
		plan.InDegree[e.Target]++
		plan.Successors[e.Source] = append(plan.Successors[e.Source], e.Target)
	}

	if err := checkAcyclic(plan); err != nil {
		return nil, err
	}

	return plan, nil
}

// Ready returns the node IDs with no unmet dependencies, in document order.
func (p *Plan) Ready() []string {
	var ready []string
	for _, id := range p.Order {
		if p.InDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// DownstreamCone returns every in-scope node reachable from the given node,
// excluding the node itself.
func (p *Plan) DownstreamCone(nodeID string) []string {
	visited := make(map[string]bool)
	queue := append([]string(nil), p.Successors[nodeID]...)
	var cone []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		cone = append(cone, id)
		queue = append(queue, p.Successors[id]...)
	}
	return cone
}

// resolveScope expands the scope ID list into a node ID set. Returns nil when
// the scope is empty, meaning everything is included.
func resolveScope(doc *schema.GraphDocument, scope []string) map[string]bool {
	if len(scope) == 0 {
		return nil
	}

	groups := make(map[string]*schema.Group, len(doc.Groups))
	for _, g := range doc.Groups {
		groups[g.ID] = g
	}

	include := make(map[string]bool, len(scope))
	for _, id := range scope {
		if g, ok := groups[id]; ok {
			for _, member := range g.Members {
				include[member] = true
			}
			continue
		}
		include[id] = true
	}
	return include
}

// checkAcyclic runs Kahn's algorithm over the plan. The validator rejects
// cyclic documents at edit time; this guards runs started on documents that
// bypassed it (imports, direct store loads).
func checkAcyclic(p *Plan) error {
	inDegree := make(map[string]int, len(p.InDegree))
	for id, d := range p.InDegree {
		inDegree[id] = d
	}

	queue := make([]string, 0, len(p.Order))
	for _, id := range p.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range p.Successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(p.Nodes) {
		return schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle")
	}
	return nil
}
