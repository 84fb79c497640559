package runners

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// BuiltinToolID is the tool id under which in-process functions are served.
const BuiltinToolID = "builtin"

// builtinFunc runs one built-in function against the tool parameters.
type builtinFunc func(ctx context.Context, params map[string]any) (any, error)

// Builtins serves small deterministic functions in-process so workflows can
// hash, compare, validate and reshape data without an external tool server.
// Functions are selected by ToolRequest.FunctionName.
type Builtins struct {
	jq        *expressions.JQEngine
	schemas   *validation.JSONSchemaValidator
	functions map[string]builtinFunc
}

// NewBuiltins creates the built-in tool set.
func NewBuiltins() (*Builtins, error) {
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	b := &Builtins{jq: expressions.NewJQEngine(), schemas: schemas}
	b.functions = map[string]builtinFunc{
		"hash":      hashFunction,
		"hmac":      hmacFunction,
		"uuid":      uuidFunction,
		"equals":    equalsFunction,
		"contains":  containsFunction,
		"matches":   matchesFunction,
		"validate":  b.validateFunction,
		"transform": b.transformFunction,
	}
	return b, nil
}

// Functions lists the function names served, sorted.
func (b *Builtins) Functions() []string {
	names := make([]string, 0, len(b.functions))
	for name := range b.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements engine.ToolRunner.
func (b *Builtins) Execute(ctx context.Context, toolID string, req engine.ToolRequest) (*engine.ToolResponse, error) {
	fn, ok := b.functions[req.FunctionName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "builtin function %q is not defined", req.FunctionName).
			WithDetails(map[string]any{"available": b.Functions()})
	}
	result, err := fn(ctx, req.Parameters)
	if err != nil {
		return nil, err
	}
	return &engine.ToolResponse{
		ID:     uuid.NewString(),
		Result: result,
		Status: "success",
	}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "parameter %q must be a string", key)
	}
	return s, nil
}

func requireParam(params map[string]any, fn, key string) (any, error) {
	v, ok := params[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires %q", fn, key)
	}
	return v, nil
}

func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
}

func hashFunction(_ context.Context, params map[string]any) (any, error) {
	data, err := stringParam(params, "data")
	if err != nil {
		return nil, err
	}
	algorithm, _ := params["algorithm"].(string)
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	sum := h()
	sum.Write([]byte(data))
	return map[string]any{"hash": hex.EncodeToString(sum.Sum(nil))}, nil
}

func hmacFunction(_ context.Context, params map[string]any) (any, error) {
	data, err := stringParam(params, "data")
	if err != nil {
		return nil, err
	}
	key, err := stringParam(params, "key")
	if err != nil {
		return nil, err
	}
	algorithm, _ := params["algorithm"].(string)
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, []byte(key))
	mac.Write([]byte(data))
	return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil))}, nil
}

func uuidFunction(context.Context, map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}

// canonical round-trips v through JSON so numbers compare equal regardless
// of their Go type.
func canonical(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func equalsFunction(_ context.Context, params map[string]any) (any, error) {
	expected, err := requireParam(params, "equals", "expected")
	if err != nil {
		return nil, err
	}
	actual, err := requireParam(params, "equals", "actual")
	if err != nil {
		return nil, err
	}
	return map[string]any{"match": reflect.DeepEqual(canonical(expected), canonical(actual))}, nil
}

func containsFunction(_ context.Context, params map[string]any) (any, error) {
	haystack, err := requireParam(params, "contains", "haystack")
	if err != nil {
		return nil, err
	}
	needle, err := requireParam(params, "contains", "needle")
	if err != nil {
		return nil, err
	}

	switch h := canonical(haystack).(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "contains on a string needs a string needle")
		}
		return map[string]any{"match": strings.Contains(h, s)}, nil
	case []any:
		n := canonical(needle)
		found := slices.ContainsFunc(h, func(item any) bool { return reflect.DeepEqual(item, n) })
		return map[string]any{"match": found}, nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "contains on an object needs a string key")
		}
		_, found := h[s]
		return map[string]any{"match": found}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "contains does not support haystack of type %T", haystack)
}

func matchesFunction(_ context.Context, params map[string]any) (any, error) {
	value, err := stringParam(params, "value")
	if err != nil {
		return nil, err
	}
	pattern, err := stringParam(params, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid pattern %q", pattern).WithCause(err)
	}
	return map[string]any{"match": re.MatchString(value), "groups": re.FindStringSubmatch(value)}, nil
}

// validateFunction checks an object against a JSON Schema. Violations are
// reported in the result, not as a failure.
func (b *Builtins) validateFunction(_ context.Context, params map[string]any) (any, error) {
	value, ok := params["value"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "validate requires an object \"value\"")
	}
	rawSchema, err := requireParam(params, "validate", "schema")
	if err != nil {
		return nil, err
	}
	schemaBytes, err := json.Marshal(rawSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema is not JSON").WithCause(err)
	}

	if err := b.schemas.ValidateInput(value, schemaBytes); err != nil {
		return map[string]any{"valid": false, "error": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}

func (b *Builtins) transformFunction(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	result, err := b.jq.Query(ctx, query, params["data"])
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	return map[string]any{"result": result}, nil
}

var _ engine.ToolRunner = (*Builtins)(nil)
