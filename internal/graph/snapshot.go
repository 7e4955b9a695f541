package graph

import (
	"github.com/loomengine/loom/pkg/schema"
)

// Snapshot returns a deep copy of the graph as a document, preserving
// insertion order and execution state. Used by the history stack and to
// freeze the topology a run operates on.
func (g *Graph) Snapshot() *schema.GraphDocument {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := &schema.GraphDocument{
		Nodes:  make([]*schema.Node, 0, len(g.nodeOrder)),
		Edges:  make([]*schema.Edge, 0, len(g.edgeOrder)),
		Groups: make([]*schema.Group, 0, len(g.groupOrder)),
	}
	for _, id := range g.nodeOrder {
		doc.Nodes = append(doc.Nodes, g.nodes[id].Clone())
	}
	for _, id := range g.edgeOrder {
		doc.Edges = append(doc.Edges, g.edges[id].Clone())
	}
	for _, id := range g.groupOrder {
		doc.Groups = append(doc.Groups, g.groups[id].Clone())
	}
	return doc
}

// Restore replaces the whole graph with a deep copy of the document.
// The document is trusted: callers validate before restoring. Nodes captured
// mid-flight (queued or running) come back as idle, so a snapshot taken
// during a run never strands a node in a state nothing can move it out of.
func (g *Graph) Restore(doc *schema.GraphDocument) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*schema.Node, len(doc.Nodes))
	g.nodeOrder = g.nodeOrder[:0]
	g.edges = make(map[string]*schema.Edge, len(doc.Edges))
	g.edgeOrder = g.edgeOrder[:0]
	g.tuples = make(map[schema.EdgeTuple]string, len(doc.Edges))
	g.groups = make(map[string]*schema.Group, len(doc.Groups))
	g.groupOrder = g.groupOrder[:0]

	for _, n := range doc.Nodes {
		cp := n.Clone()
		if cp.Status != schema.NodeStatusIdle && !cp.Status.Terminal() {
			cp.ResetExecState()
		}
		g.nodes[cp.ID] = cp
		g.nodeOrder = append(g.nodeOrder, cp.ID)
	}
	for _, e := range doc.Edges {
		cp := e.Clone()
		g.edges[cp.ID] = cp
		g.edgeOrder = append(g.edgeOrder, cp.ID)
		g.tuples[cp.Tuple()] = cp.ID
	}
	for _, grp := range doc.Groups {
		cp := grp.Clone()
		g.groups[cp.ID] = cp
		g.groupOrder = append(g.groupOrder, cp.ID)
	}
}

// Export returns the graph in the persisted document format.
func (g *Graph) Export() *schema.GraphDocument {
	return g.Snapshot()
}

// Import replaces the graph with the document, resetting all execution
// state: statuses are not portable across import boundaries.
// The document must already have passed validation.
func (g *Graph) Import(doc *schema.GraphDocument) {
	cp := doc.Clone()
	for _, n := range cp.Nodes {
		n.ResetExecState()
	}
	g.Restore(cp)
}
