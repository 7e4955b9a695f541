package validation

import (
	"github.com/loomengine/loom/pkg/schema"
)

// GraphView is the read-only topology view the edge checks need.
// Satisfied by *graph.Graph and by test fixtures.
type GraphView interface {
	Node(id string) (*schema.Node, bool)
	OutEdges(nodeID string) []*schema.Edge
	HasEdgeTuple(t schema.EdgeTuple) bool
}

// CheckEdge decides whether a proposed edge may be committed. It is purely
// advisory: no side effects, the caller surfaces the rejection reason and
// leaves the graph unchanged on rejection.
//
// Checks, in order: endpoint existence, handle existence, self-loop,
// duplicate four-tuple, port-type compatibility, cycle formation.
func CheckEdge(view GraphView, proposed *schema.Edge) error {
	if proposed == nil {
		return schema.NewError(schema.ErrCodeValidation, "edge is nil")
	}

	src, ok := view.Node(proposed.Source)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "source node %q does not exist", proposed.Source)
	}
	tgt, ok := view.Node(proposed.Target)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "target node %q does not exist", proposed.Target)
	}

	srcPort, ok := src.OutputPort(proposed.SourceHandle)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q has no output port %q", proposed.Source, proposed.SourceHandle)
	}
	tgtPort, ok := tgt.InputPort(proposed.TargetHandle)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q has no input port %q", proposed.Target, proposed.TargetHandle)
	}

	if proposed.Source == proposed.Target {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"node %q cannot connect to itself", proposed.Source)
	}

	if view.HasEdgeTuple(proposed.Tuple()) {
		return schema.NewErrorf(schema.ErrCodeDuplicateEdge,
			"edge %s.%s -> %s.%s already exists",
			proposed.Source, proposed.SourceHandle, proposed.Target, proposed.TargetHandle)
	}

	if !srcPort.Type.Compatible(tgtPort.Type) {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"output port %q (%s) is incompatible with input port %q (%s)",
			proposed.SourceHandle, srcPort.Type, proposed.TargetHandle, tgtPort.Type)
	}

	if reachable(view, proposed.Target, proposed.Source) {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"edge %s -> %s would create a cycle", proposed.Source, proposed.Target)
	}

	return nil
}

// reachable reports whether `to` can be reached from `from` over existing
// out-edges. BFS over nodes that currently exist; O(V+E) per call, which is
// fine because edge admission happens on user action, never in the
// scheduler's hot path.
func reachable(view GraphView, from, to string) bool {
	if from == to {
		return true
	}

	visited := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, e := range view.OutEdges(node) {
			next := e.Target
			if next == to {
				return true
			}
			if _, exists := view.Node(next); !exists {
				continue
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
