package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/pkg/schema"
)

// docView adapts a static node/edge set to the GraphView interface.
type docView struct {
	nodes map[string]*schema.Node
	edges []*schema.Edge
}

func newDocView(nodes []*schema.Node, edges []*schema.Edge) *docView {
	v := &docView{nodes: make(map[string]*schema.Node, len(nodes)), edges: edges}
	for _, n := range nodes {
		v.nodes[n.ID] = n
	}
	return v
}

func (v *docView) Node(id string) (*schema.Node, bool) {
	n, ok := v.nodes[id]
	return n, ok
}

func (v *docView) OutEdges(nodeID string) []*schema.Edge {
	var out []*schema.Edge
	for _, e := range v.edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func (v *docView) HasEdgeTuple(t schema.EdgeTuple) bool {
	for _, e := range v.edges {
		if e.Tuple() == t {
			return true
		}
	}
	return false
}

func anyNode(id string) *schema.Node {
	return &schema.Node{
		ID:      id,
		Kind:    schema.KindText,
		Inputs:  []schema.Port{{ID: "in", Type: schema.PortAny}},
		Outputs: []schema.Port{{ID: "out", Type: schema.PortAny}},
	}
}

func edge(src, tgt string) *schema.Edge {
	return &schema.Edge{Source: src, SourceHandle: "out", Target: tgt, TargetHandle: "in"}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var le *schema.LoomError
	require.True(t, errors.As(err, &le), "expected LoomError, got %T: %v", err, err)
	return le.Code
}

func TestCheckEdge_Accepts(t *testing.T) {
	view := newDocView([]*schema.Node{anyNode("a"), anyNode("b")}, nil)
	assert.NoError(t, CheckEdge(view, edge("a", "b")))
}

func TestCheckEdge_Rejections(t *testing.T) {
	chain := newDocView(
		[]*schema.Node{anyNode("a"), anyNode("b"), anyNode("c")},
		[]*schema.Edge{edge("a", "b"), edge("b", "c")},
	)

	typed := newDocView([]*schema.Node{
		{ID: "img", Kind: schema.KindImage, Outputs: []schema.Port{{ID: "out", Type: schema.PortImage}}},
		{ID: "txt", Kind: schema.KindText, Inputs: []schema.Port{{ID: "in", Type: schema.PortText}}},
	}, nil)

	tests := []struct {
		name string
		view GraphView
		edge *schema.Edge
		code string
	}{
		{"nil edge", chain, nil, schema.ErrCodeValidation},
		{"missing source", chain, edge("ghost", "b"), schema.ErrCodeNotFound},
		{"missing target", chain, edge("a", "ghost"), schema.ErrCodeNotFound},
		{"missing source handle", chain,
			&schema.Edge{Source: "a", SourceHandle: "side", Target: "b", TargetHandle: "in"},
			schema.ErrCodeValidation},
		{"missing target handle", chain,
			&schema.Edge{Source: "a", SourceHandle: "out", Target: "b", TargetHandle: "side"},
			schema.ErrCodeValidation},
		{"self loop", chain, edge("a", "a"), schema.ErrCodeCycleDetected},
		{"duplicate tuple", chain, edge("a", "b"), schema.ErrCodeDuplicateEdge},
		{"direct cycle", chain, edge("b", "a"), schema.ErrCodeCycleDetected},
		{"transitive cycle", chain, edge("c", "a"), schema.ErrCodeCycleDetected},
		{"type mismatch", typed, edge("img", "txt"), schema.ErrCodeTypeMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, errCode(t, CheckEdge(tc.view, tc.edge)))
		})
	}
}

func TestCheckEdge_ParallelEdgeDifferentHandles(t *testing.T) {
	a := anyNode("a")
	a.Outputs = append(a.Outputs, schema.Port{ID: "alt", Type: schema.PortAny})
	view := newDocView([]*schema.Node{a, anyNode("b")}, []*schema.Edge{edge("a", "b")})

	err := CheckEdge(view, &schema.Edge{Source: "a", SourceHandle: "alt", Target: "b", TargetHandle: "in"})
	assert.NoError(t, err)
}

func TestCheckEdge_WildcardCompatibility(t *testing.T) {
	tests := []struct {
		src, tgt schema.PortType
		ok       bool
	}{
		{schema.PortText, schema.PortText, true},
		{schema.PortText, schema.PortAny, true},
		{schema.PortAny, schema.PortImage, true},
		{schema.PortText, schema.PortImage, false},
		{schema.PortVideo, schema.PortAudio, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.ok, tc.src.Compatible(tc.tgt), "%s -> %s", tc.src, tc.tgt)
	}
}
