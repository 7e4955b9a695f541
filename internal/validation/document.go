package validation

import "github.com/loomengine/loom/pkg/schema"

// DocumentValidator orchestrates the three-stage document validation
// pipeline used on import and load:
// 1. Structural (JSON Schema)
// 2. Semantic (endpoint/handle/parent references, port compatibility)
// 3. DAG (cycles, unwired inputs)
type DocumentValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewDocumentValidator creates a DocumentValidator.
func NewDocumentValidator() (*DocumentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (dv *DocumentValidator) Validate(doc *schema.GraphDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph document is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := dv.jsonSchema.ValidateDocument(doc); err != nil {
		le, ok := err.(*schema.LoomError)
		if !ok {
			le = schema.NewError(schema.ErrCodeValidation, err.Error())
		}
		result.AddError("/", le.Code, le.Message)
		return result
	}

	result.Merge(validateSemantic(doc))

	// DAG stage only over a referentially sound document.
	if result.Valid() {
		result.Merge(validateDAG(doc))
	}

	return result
}

// ValidateDocument returns an error form of Validate for callers that do not
// need per-issue detail.
func (dv *DocumentValidator) ValidateDocument(doc *schema.GraphDocument) error {
	return dv.Validate(doc).ToError()
}
