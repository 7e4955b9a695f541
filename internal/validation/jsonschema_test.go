package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/pkg/schema"
)

func TestJSONSchema_ValidDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	doc := &schema.GraphDocument{
		Nodes: []*schema.Node{anyNode("a")},
		Edges: []*schema.Edge{},
	}
	assert.NoError(t, v.ValidateDocument(doc))
}

func TestJSONSchema_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		doc  *schema.GraphDocument
	}{
		{"nil document", nil},
		{"empty node id", &schema.GraphDocument{
			Nodes: []*schema.Node{anyNode("")},
			Edges: []*schema.Edge{},
		}},
		{"unknown kind", &schema.GraphDocument{
			Nodes: []*schema.Node{{ID: "a", Kind: "hologram"}},
			Edges: []*schema.Edge{},
		}},
		{"unknown port type", &schema.GraphDocument{
			Nodes: []*schema.Node{{
				ID: "a", Kind: schema.KindText,
				Inputs: []schema.Port{{ID: "in", Type: "quantum"}},
			}},
			Edges: []*schema.Edge{},
		}},
		{"edge missing handles", &schema.GraphDocument{
			Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
			Edges: []*schema.Edge{{ID: "e1", Source: "a", Target: "b"}},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateDocument(tc.doc)
			require.Error(t, err)
			var le *schema.LoomError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, schema.ErrCodeValidation, le.Code)
		})
	}
}

func TestDocumentValidator_Pipeline(t *testing.T) {
	dv, err := NewDocumentValidator()
	require.NoError(t, err)

	t.Run("clean", func(t *testing.T) {
		doc := &schema.GraphDocument{
			Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
			Edges: []*schema.Edge{withID(edge("a", "b"), "e1")},
		}
		result := dv.Validate(doc)
		assert.True(t, result.Valid())
		assert.NoError(t, dv.ValidateDocument(doc))
	})

	t.Run("structural errors short-circuit", func(t *testing.T) {
		doc := &schema.GraphDocument{
			Nodes: []*schema.Node{{ID: "a", Kind: "hologram"}, anyNode("a")},
			Edges: []*schema.Edge{},
		}
		result := dv.Validate(doc)
		require.False(t, result.Valid())
		// Only the schema stage ran: the duplicate id is not reported.
		assert.Len(t, result.Errors, 1)
	})

	t.Run("semantic errors skip dag stage", func(t *testing.T) {
		// A cycle and a dangling reference: only the dangling ref surfaces.
		doc := &schema.GraphDocument{
			Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
			Edges: []*schema.Edge{
				withID(edge("a", "b"), "e1"),
				withID(edge("b", "a"), "e2"),
				withID(edge("ghost", "a"), "e3"),
			},
		}
		result := dv.Validate(doc)
		require.False(t, result.Valid())
		for _, issue := range result.Errors {
			assert.NotEqual(t, schema.ErrCodeCycleDetected, issue.Code)
		}
	})

	t.Run("cycle reported on sound document", func(t *testing.T) {
		doc := &schema.GraphDocument{
			Nodes: []*schema.Node{anyNode("a"), anyNode("b")},
			Edges: []*schema.Edge{
				withID(edge("a", "b"), "e1"),
				withID(edge("b", "a"), "e2"),
			},
		}
		result := dv.Validate(doc)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	})
}
