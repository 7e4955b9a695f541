package validation

import (
	"fmt"

	"github.com/loomengine/loom/pkg/schema"
)

// validateSemantic performs reference analysis on the graph document.
// Checks: duplicate node/edge/group IDs, edge endpoint and port handle
// references, duplicate edge tuples, port-type compatibility, parent group
// references, group member references.
func validateSemantic(doc *schema.GraphDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(doc.Nodes))
	for i, n := range doc.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := nodes[n.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
	}

	groups := make(map[string]*schema.Group, len(doc.Groups))
	for i, g := range doc.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		if _, dup := groups[g.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate group id %q", g.ID))
			continue
		}
		groups[g.ID] = g
		for j, m := range g.Members {
			if _, ok := nodes[m]; !ok {
				result.AddError(fmt.Sprintf("%s.members[%d]", path, j),
					schema.ErrCodeNotFound,
					fmt.Sprintf("group %q references non-existent node %q", g.ID, m))
			}
		}
	}

	// Parent references: a node's parent must be an existing group.
	for i, n := range doc.Nodes {
		if n.ParentID == "" {
			continue
		}
		if _, ok := groups[n.ParentID]; !ok {
			result.AddError(fmt.Sprintf("nodes[%d].parent_id", i),
				schema.ErrCodeNotFound,
				fmt.Sprintf("node %q references non-existent group %q", n.ID, n.ParentID))
		}
	}

	edgeIDs := make(map[string]bool, len(doc.Edges))
	tuples := make(map[schema.EdgeTuple]bool, len(doc.Edges))
	for i, e := range doc.Edges {
		path := fmt.Sprintf("edges[%d]", i)

		if edgeIDs[e.ID] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true

		if tuples[e.Tuple()] {
			result.AddError(path, schema.ErrCodeDuplicateEdge,
				fmt.Sprintf("duplicate edge %s.%s -> %s.%s",
					e.Source, e.SourceHandle, e.Target, e.TargetHandle))
		}
		tuples[e.Tuple()] = true

		src, srcOK := nodes[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeNotFound,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		tgt, tgtOK := nodes[e.Target]
		if !tgtOK {
			result.AddError(path+".target", schema.ErrCodeNotFound,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if !srcOK || !tgtOK {
			continue
		}

		srcPort, ok := src.OutputPort(e.SourceHandle)
		if !ok {
			result.AddError(path+".source_handle", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no output port %q", e.Source, e.SourceHandle))
			continue
		}
		tgtPort, ok := tgt.InputPort(e.TargetHandle)
		if !ok {
			result.AddError(path+".target_handle", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no input port %q", e.Target, e.TargetHandle))
			continue
		}

		if !srcPort.Type.Compatible(tgtPort.Type) {
			result.AddError(path, schema.ErrCodeTypeMismatch,
				fmt.Sprintf("port %q (%s) is incompatible with port %q (%s)",
					e.SourceHandle, srcPort.Type, e.TargetHandle, tgtPort.Type))
		}
	}

	return result
}
