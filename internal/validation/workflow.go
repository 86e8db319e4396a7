package validation

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/pkg/schema"
)

// WorkflowValidator runs the load-time pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, per-node config, gates)
// 3. Graph (cycles, parallel groups)
// 4. Expressions (compile warnings)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	eval       *expressions.Evaluator
}

var _ engine.Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator. eval may be nil to skip
// expression compile checks.
func NewWorkflowValidator(eval *expressions.Evaluator) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, eval: eval}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit; the graph stage only runs on a
// semantically valid definition.
func (wv *WorkflowValidator) Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	if ctx.Err() != nil {
		return result
	}

	result.Merge(engine.ExpressionIssues(def, wv.eval))
	return result
}

// ValidateDefinition returns the pipeline's errors as a single FlowError.
func (wv *WorkflowValidator) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return wv.Validate(ctx, def).ToError()
}

// CheckDeliverable validates an agent's deliverable against the node's
// deliverable_schema.
func (wv *WorkflowValidator) CheckDeliverable(schemaDoc, deliverable map[string]any) error {
	return wv.jsonSchema.ValidateDocument(deliverable, schemaDoc)
}

// validateStructural converts JSON Schema violations into issues keyed by
// instance location.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			path, msg, found := strings.Cut(v, ": ")
			if !found {
				path, msg = "/", v
			}
			result.AddError(path, schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
