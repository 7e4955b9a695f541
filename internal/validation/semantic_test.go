package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/pkg/schema"
)

func withID(e *schema.Edge, id string) *schema.Edge {
	e.ID = id
	return e
}

func TestSemantic_CleanDocument(t *testing.T) {
	doc := &schema.GraphDocument{
		Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
		Edges: []*schema.Edge{withID(edge("a", "b"), "e1")},
		Groups: []*schema.Group{
			{ID: "grp", Members: []string{"a"}},
		},
	}
	result := validateSemantic(doc)
	assert.True(t, result.Valid())
}

func TestSemantic_Violations(t *testing.T) {
	tests := []struct {
		name string
		doc  *schema.GraphDocument
		code string
		path string
	}{
		{
			"duplicate node id",
			&schema.GraphDocument{Nodes: []*schema.Node{anyNode("a"), anyNode("a")}},
			schema.ErrCodeValidation, "nodes[1]",
		},
		{
			"duplicate edge tuple",
			&schema.GraphDocument{
				Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
				Edges: []*schema.Edge{withID(edge("a", "b"), "e1"), withID(edge("a", "b"), "e2")},
			},
			schema.ErrCodeDuplicateEdge, "edges[1]",
		},
		{
			"dangling edge source",
			&schema.GraphDocument{
				Nodes: []*schema.Node{anyNode("b")},
				Edges: []*schema.Edge{withID(edge("ghost", "b"), "e1")},
			},
			schema.ErrCodeNotFound, "edges[0].source",
		},
		{
			"unknown source handle",
			&schema.GraphDocument{
				Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
				Edges: []*schema.Edge{{ID: "e1", Source: "a", SourceHandle: "side", Target: "b", TargetHandle: "in"}},
			},
			schema.ErrCodeValidation, "edges[0].source_handle",
		},
		{
			"dangling parent",
			&schema.GraphDocument{
				Nodes: []*schema.Node{func() *schema.Node {
					n := anyNode("a")
					n.ParentID = "ghost"
					return n
				}()},
			},
			schema.ErrCodeNotFound, "nodes[0].parent_id",
		},
		{
			"dangling group member",
			&schema.GraphDocument{
				Groups: []*schema.Group{{ID: "grp", Members: []string{"ghost"}}},
			},
			schema.ErrCodeNotFound, "groups[0].members[0]",
		},
		{
			"port type mismatch",
			&schema.GraphDocument{
				Nodes: []*schema.Node{
					{ID: "img", Kind: schema.KindImage, Outputs: []schema.Port{{ID: "out", Type: schema.PortImage}}},
					{ID: "txt", Kind: schema.KindText, Inputs: []schema.Port{{ID: "in", Type: schema.PortText}}},
				},
				Edges: []*schema.Edge{withID(edge("img", "txt"), "e1")},
			},
			schema.ErrCodeTypeMismatch, "edges[0]",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := validateSemantic(tc.doc)
			require.False(t, result.Valid())
			assert.Equal(t, tc.code, result.Errors[0].Code)
			assert.Equal(t, tc.path, result.Errors[0].Path)
		})
	}
}
