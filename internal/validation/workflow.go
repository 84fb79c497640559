package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node payloads, references, expressions, mappings)
// 3. Graph (reachability, loop bodies, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checker    *checker
}

// NewWorkflowValidator creates a WorkflowValidator.
// catalog may be nil to skip agent and tool existence checks.
func NewWorkflowValidator(catalog Catalog) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	eval, err := expressions.NewEvaluator(0)
	if err != nil {
		return nil, err
	}
	rules, err := expressions.NewRuleEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		checker: &checker{
			eval:    eval,
			rules:   rules,
			jq:      expressions.NewJQEngine(),
			catalog: catalog,
		},
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}
	if len(wf.InputSchema) > 0 {
		if _, err := wv.jsonSchema.compileInput(wf.InputSchema); err != nil {
			result.AddError("inputSchema", schema.ErrCodeValidation, fmt.Sprintf("input schema does not compile: %v", err))
		}
	}

	// Stage 2: Semantic.
	semantic, idx := validateSemantic(wf, wv.checker)
	result.Merge(semantic)

	// Stage 3: Graph (skip if semantic errors; references may dangle).
	if result.Valid() {
		result.Merge(validateGraph(wf, idx))
	}

	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateWorkflow, converting
// each violation into an issue located at its instance path.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}

	fe := schema.AsFlowError(err, schema.ErrCodeValidation)
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, violation := range violations {
			path, msg, found := strings.Cut(violation, ": ")
			if !found {
				path, msg = "/", violation
			}
			result.AddError(path, schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
