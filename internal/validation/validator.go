package validation

import "github.com/rendis/agentflow/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// stored or run, and execution inputs against a workflow's input schema.
// Uses JSON Schema Draft 2020-12 for both.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
