package schema

import "encoding/json"

// PortType tags an input or output slot. Edges are only legal between ports
// with equal tags, or where either side is PortAny.
type PortType string

const (
	PortText  PortType = "text"
	PortImage PortType = "image"
	PortVideo PortType = "video"
	PortAudio PortType = "audio"
	PortAny   PortType = "any"
)

// KnownPortTypes is the closed set of recognized port type tags.
var KnownPortTypes = map[PortType]bool{
	PortText:  true,
	PortImage: true,
	PortVideo: true,
	PortAudio: true,
	PortAny:   true,
}

// Compatible reports whether an edge between two port types is legal.
func (p PortType) Compatible(other PortType) bool {
	return p == other || p == PortAny || other == PortAny
}

// NodeKind selects the capability of a node. The engine only branches on
// kind for scheduling concerns (composite nodes scope, they never run);
// provider-specific behavior is selected by the task runner registry.
type NodeKind string

const (
	KindText      NodeKind = "text"
	KindImage     NodeKind = "image"
	KindVideo     NodeKind = "video"
	KindCharacter NodeKind = "character"
	KindComposite NodeKind = "composite"
)

// KnownNodeKinds is the closed set of recognized node kinds.
var KnownNodeKinds = map[NodeKind]bool{
	KindText:      true,
	KindImage:     true,
	KindVideo:     true,
	KindCharacter: true,
	KindComposite: true,
}

// Runnable reports whether nodes of this kind are dispatched to a task
// runner. Composite nodes only scope their members.
func (k NodeKind) Runnable() bool {
	return k != KindComposite
}

// Port is a typed input or output slot on a node. ID doubles as the edge
// handle name.
type Port struct {
	ID   string   `json:"id"`
	Type PortType `json:"type"`
}

// Node is a unit of work in the graph. Data and Output are opaque payload:
// the engine never inspects them except to build a task runner invocation.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Label    string   `json:"label,omitempty"`
	Inputs   []Port   `json:"inputs,omitempty"`
	Outputs  []Port   `json:"outputs,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`

	Status    NodeStatus      `json:"status"`
	Progress  int             `json:"progress,omitempty"`
	Canceled  bool            `json:"canceled,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Logs      []string        `json:"logs,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// InputPort returns the input port with the given handle.
func (n *Node) InputPort(handle string) (Port, bool) {
	for _, p := range n.Inputs {
		if p.ID == handle {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort returns the output port with the given handle.
func (n *Node) OutputPort(handle string) (Port, bool) {
	for _, p := range n.Outputs {
		if p.ID == handle {
			return p, true
		}
	}
	return Port{}, false
}

// ResetExecState clears all execution state back to idle. Topology and
// payload are untouched.
func (n *Node) ResetExecState() {
	n.Status = NodeStatusIdle
	n.Progress = 0
	n.Canceled = false
	n.LastError = ""
	n.Logs = nil
	n.Output = nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Inputs = append([]Port(nil), n.Inputs...)
	cp.Outputs = append([]Port(nil), n.Outputs...)
	cp.Logs = append([]string(nil), n.Logs...)
	cp.Output = append(json.RawMessage(nil), n.Output...)
	cp.Data = append(json.RawMessage(nil), n.Data...)
	return &cp
}

// Edge is a directed connection between an output port and an input port.
// It is both a data dependency and an execution-order dependency: the target
// must not start before the source reaches a terminal state.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle"`
	Target       string `json:"target"`
	TargetHandle string `json:"target_handle"`
}

// EdgeTuple is the identity of an edge for duplicate detection.
type EdgeTuple struct {
	Source       string
	SourceHandle string
	Target       string
	TargetHandle string
}

// Tuple returns the four-tuple identity of the edge.
func (e *Edge) Tuple() EdgeTuple {
	return EdgeTuple{e.Source, e.SourceHandle, e.Target, e.TargetHandle}
}

// Clone returns a copy of the edge.
func (e *Edge) Clone() *Edge {
	cp := *e
	return &cp
}

// Group is a named subset of nodes addressable as a run scope. It has no
// execution semantics beyond scoping which members are eligible to run.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members,omitempty"`
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp
}

// GraphDocument is the persisted graph format, used for import/export and
// autosave. Serialize/deserialize round-trips to an equivalent graph;
// execution state is reset to idle on import.
type GraphDocument struct {
	Nodes  []*Node  `json:"nodes"`
	Edges  []*Edge  `json:"edges"`
	Groups []*Group `json:"groups,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *GraphDocument) Clone() *GraphDocument {
	cp := &GraphDocument{
		Nodes:  make([]*Node, len(d.Nodes)),
		Edges:  make([]*Edge, len(d.Edges)),
		Groups: make([]*Group, len(d.Groups)),
	}
	for i, n := range d.Nodes {
		cp.Nodes[i] = n.Clone()
	}
	for i, e := range d.Edges {
		cp.Edges[i] = e.Clone()
	}
	for i, g := range d.Groups {
		cp.Groups[i] = g.Clone()
	}
	return cp
}
