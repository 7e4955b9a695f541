package graph

import (
	"sync"

	"github.com/google/uuid"

	"github.com/loomengine/loom/internal/validation"
	"github.com/loomengine/loom/pkg/schema"
)

// Graph is the canonical in-memory representation of nodes, edges and group
// containers. All mutators preserve the structural invariants: acyclicity,
// no duplicate edge tuples, referential integrity of edge endpoints and
// parents, and port-type compatibility.
//
// The graph is owned by the engine; all writes are funneled through its
// serialized update path. Read accessors return live pointers and must not
// be mutated by callers — observers use Snapshot.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*schema.Node
	nodeOrder  []string
	edges      map[string]*schema.Edge
	edgeOrder  []string
	tuples     map[schema.EdgeTuple]string
	groups     map[string]*schema.Group
	groupOrder []string
}

// GroupDeletePolicy selects what happens to member nodes when a group is
// removed.
type GroupDeletePolicy int

const (
	// PromoteMembers detaches members from the group and keeps them.
	PromoteMembers GroupDeletePolicy = iota
	// RemoveMembers deletes member nodes along with the group, cascading
	// to their incident edges.
	RemoveMembers
)

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:  make(map[string]*schema.Node),
		edges:  make(map[string]*schema.Edge),
		tuples: make(map[schema.EdgeTuple]string),
		groups: make(map[string]*schema.Group),
	}
}

// --- Mutators ---

// AddNode inserts a node. A missing ID is generated. The node's execution
// state is reset to idle.
func (g *Graph) AddNode(node *schema.Node) error {
	if node == nil {
		return schema.NewError(schema.ErrCodeValidation, "node is nil")
	}
	if !schema.KnownNodeKinds[node.Kind] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind)
	}
	for _, p := range node.Inputs {
		if !schema.KnownPortTypes[p.Type] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"input port %q has unknown type %q", p.ID, p.Type)
		}
	}
	for _, p := range node.Outputs {
		if !schema.KnownPortTypes[p.Type] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"output port %q has unknown type %q", p.ID, p.Type)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if _, exists := g.nodes[node.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node %q already exists", node.ID)
	}
	if node.ParentID != "" {
		if _, ok := g.groups[node.ParentID]; !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"parent group %q does not exist", node.ParentID)
		}
	}

	n := node.Clone()
	n.ResetExecState()
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	if n.ParentID != "" {
		g.addMemberLocked(n.ParentID, n.ID)
	}
	return nil
}

// UpdateNodeData replaces a node's opaque payload.
func (g *Graph) UpdateNodeData(id string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q does not exist", id)
	}
	n.Data = append([]byte(nil), data...)
	return nil
}

// RemoveNode deletes a node, cascading to its incident edges and detaching
// it from its group.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeNodeLocked(id)
}

func (g *Graph) removeNodeLocked(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q does not exist", id)
	}

	var incident []string
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		if e != nil && (e.Source == id || e.Target == id) {
			incident = append(incident, eid)
		}
	}
	for _, eid := range incident {
		g.removeEdgeLocked(eid)
	}

	if n.ParentID != "" {
		g.removeMemberLocked(n.ParentID, id)
	}

	delete(g.nodes, id)
	g.nodeOrder = removeID(g.nodeOrder, id)
	return nil
}

// Connect admits a proposed edge through the validator and commits it
// atomically. A rejected edge leaves the graph unchanged; the returned
// error carries the rejection reason.
func (g *Graph) Connect(edge *schema.Edge) error {
	if edge == nil {
		return schema.NewError(schema.ErrCodeValidation, "edge is nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := validation.CheckEdge(lockedView{g}, edge); err != nil {
		return err
	}

	e := edge.Clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := g.edges[e.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "edge %q already exists", e.ID)
	}

	g.edges[e.ID] = e
	g.edgeOrder = append(g.edgeOrder, e.ID)
	g.tuples[e.Tuple()] = e.ID
	return nil
}

// Disconnect removes an edge by ID.
func (g *Graph) Disconnect(edgeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[edgeID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "edge %q does not exist", edgeID)
	}
	g.removeEdgeLocked(edgeID)
	return nil
}

func (g *Graph) removeEdgeLocked(edgeID string) {
	e, ok := g.edges[edgeID]
	if !ok {
		return
	}
	delete(g.tuples, e.Tuple())
	delete(g.edges, edgeID)
	g.edgeOrder = removeID(g.edgeOrder, edgeID)
}

// AddGroup registers a group container. A missing ID is generated; member
// references must exist and are recorded on both sides.
func (g *Graph) AddGroup(grp *schema.Group) error {
	if grp == nil {
		return schema.NewError(schema.ErrCodeValidation, "group is nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if grp.ID == "" {
		grp.ID = uuid.New().String()
	}
	if _, exists := g.groups[grp.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "group %q already exists", grp.ID)
	}
	for _, m := range grp.Members {
		n, ok := g.nodes[m]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"group member %q does not exist", m)
		}
		if n.ParentID != "" && n.ParentID != grp.ID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"node %q already belongs to group %q", m, n.ParentID)
		}
	}

	gc := grp.Clone()
	g.groups[gc.ID] = gc
	g.groupOrder = append(g.groupOrder, gc.ID)
	for _, m := range gc.Members {
		g.nodes[m].ParentID = gc.ID
	}
	return nil
}

// RemoveGroup deletes a group. PromoteMembers detaches members;
// RemoveMembers cascades the delete to them and their edges.
func (g *Graph) RemoveGroup(id string, policy GroupDeletePolicy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, ok := g.groups[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "group %q does not exist", id)
	}

	members := append([]string(nil), grp.Members...)
	for _, m := range members {
		switch policy {
		case RemoveMembers:
			_ = g.removeNodeLocked(m)
		default:
			if n, ok := g.nodes[m]; ok {
				n.ParentID = ""
			}
		}
	}

	delete(g.groups, id)
	g.groupOrder = removeID(g.groupOrder, id)
	return nil
}

// SetParent moves a node into a group, or detaches it when groupID is
// empty. A node has at most one parent.
func (g *Graph) SetParent(nodeID, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[nodeID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q does not exist", nodeID)
	}
	if groupID != "" {
		if _, ok := g.groups[groupID]; !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "group %q does not exist", groupID)
		}
	}

	if n.ParentID != "" {
		g.removeMemberLocked(n.ParentID, nodeID)
	}
	n.ParentID = groupID
	if groupID != "" {
		g.addMemberLocked(groupID, nodeID)
	}
	return nil
}

func (g *Graph) addMemberLocked(groupID, nodeID string) {
	grp, ok := g.groups[groupID]
	if !ok {
		return
	}
	for _, m := range grp.Members {
		if m == nodeID {
			return
		}
	}
	grp.Members = append(grp.Members, nodeID)
}

func (g *Graph) removeMemberLocked(groupID, nodeID string) {
	grp, ok := g.groups[groupID]
	if !ok {
		return
	}
	grp.Members = removeID(grp.Members, nodeID)
}

// --- Read accessors ---

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*schema.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*schema.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*schema.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edge returns the edge with the given ID.
func (g *Graph) Edge(id string) (*schema.Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	return e, ok
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*schema.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*schema.Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, g.edges[id])
	}
	return out
}

// OutEdges returns the edges whose source is the given node.
func (g *Graph) OutEdges(nodeID string) []*schema.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return lockedView{g}.OutEdges(nodeID)
}

// HasEdgeTuple reports whether an edge with the identical four-tuple exists.
func (g *Graph) HasEdgeTuple(t schema.EdgeTuple) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tuples[t]
	return ok
}

// Group returns the group with the given ID.
func (g *Graph) Group(id string) (*schema.Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[id]
	return grp, ok
}

// Groups returns all groups in insertion order.
func (g *Graph) Groups() []*schema.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*schema.Group, 0, len(g.groupOrder))
	for _, id := range g.groupOrder {
		out = append(out, g.groups[id])
	}
	return out
}

// lockedView gives the validator an unlocked topology view while the caller
// already holds the graph lock. Also reused by locked read accessors.
type lockedView struct{ g *Graph }

func (v lockedView) Node(id string) (*schema.Node, bool) {
	n, ok := v.g.nodes[id]
	return n, ok
}

func (v lockedView) OutEdges(nodeID string) []*schema.Edge {
	var out []*schema.Edge
	for _, id := range v.g.edgeOrder {
		if e := v.g.edges[id]; e != nil && e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func (v lockedView) HasEdgeTuple(t schema.EdgeTuple) bool {
	_, ok := v.g.tuples[t]
	return ok
}

var _ validation.GraphView = (*Graph)(nil)
var _ validation.GraphView = lockedView{}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
