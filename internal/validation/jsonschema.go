package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentflow/pkg/schema"
)

//go:embed workflow.schema.json
var workflowSchemaDoc []byte

const (
	workflowSchemaURL = "https://agentflow.dev/schemas/workflow.json"
	inputSchemaCache  = 256
)

// JSONSchemaValidator checks workflow documents against the embedded
// workflow schema, and execution inputs against each workflow's own
// inputSchema. Compiled input schemas are kept in an LRU keyed by digest.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema
	inputs   *lru.Cache[string, *jsonschema.Schema]
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema(workflowSchemaURL, workflowSchemaDoc)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	inputs, err := lru.New[string, *jsonschema.Schema](inputSchemaCache)
	if err != nil {
		return nil, err
	}
	return &JSONSchemaValidator{workflow: wf, inputs: inputs}, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateWorkflow checks the document shape of wf. References, start/end
// counts and reachability are checked by the semantic and graph stages.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	return check(v.workflow, wf, "workflow")
}

// ValidateInput checks input against inputSchema. An empty schema accepts
// anything; a nil input is checked as an empty object.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.compileInput(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return check(compiled, input, "input")
}

func (v *JSONSchemaValidator) compileInput(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.inputs.Get(key); ok {
		return s, nil
	}
	s, err := compileSchema("agentflow://input/"+key, raw)
	if err != nil {
		return nil, err
	}
	v.inputs.Add(key, s)
	return s, nil
}

// check validates value after a JSON round trip, which gives the validator
// json.Number values and plain maps.
func check(s *jsonschema.Schema, value any, what string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "cannot encode "+what).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "cannot decode "+what).WithCause(err)
	}

	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var violations []string
	leaves(verr, &violations)
	msg := verr.Error()
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, msg)
	case 1:
		msg = violations[0]
	default:
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// leaves appends "<instance path>: <message>" for every leaf of the error tree.
func leaves(verr *jsonschema.ValidationError, out *[]string) {
	if len(verr.Causes) > 0 {
		for _, c := range verr.Causes {
			leaves(c, out)
		}
		return
	}
	*out = append(*out, "/"+strings.Join(verr.InstanceLocation, "/")+": "+verr.Error())
}
