package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultCacheSize bounds the number of compiled conditions kept in memory.
const DefaultCacheSize = 512

var (
	allowedUnary = map[string]bool{"!": true, "not": true, "-": true, "+": true}

	allowedBinary = map[string]bool{
		"==": true, "!=": true,
		"<": true, "<=": true, ">": true, ">=": true,
		"&&": true, "||": true, "and": true, "or": true,
	}
)

// Compiled is a validated, compiled condition.
type Compiled struct {
	Source  string
	Refs    []Reference
	program *vm.Program
}

// Evaluator evaluates guard and condition expressions. Expressions are
// restricted to literals, ${...} references, comparisons and boolean
// connectives; any other construct is rejected before compilation.
// Thread-safe: compiled programs live in a bounded LRU cache.
type Evaluator struct {
	cache *lru.Cache[string, *Compiled]
}

// NewEvaluator creates an Evaluator with an LRU cache of the given size.
func NewEvaluator(cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Compiled](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create condition cache: %w", err)
	}
	return &Evaluator{cache: cache}, nil
}

// Name returns the engine identifier.
func (e *Evaluator) Name() string {
	return "condition"
}

// Compile parses, validates and compiles expression. Results are cached.
func (e *Evaluator) Compile(expression string) (*Compiled, error) {
	if c, ok := e.cache.Get(expression); ok {
		return c, nil
	}
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeConditionEval, "empty condition expression")
	}

	rewritten, refs, err := RewriteReferences(expression)
	if err != nil {
		return nil, err
	}

	tree, err := parser.Parse(rewritten)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEval,
			"parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	g := &grammarCheck{bindings: len(refs)}
	ast.Walk(&tree.Node, g)
	if g.err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEval,
			"unsupported construct in %q: %s", expression, g.err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}

	program, err := expr.Compile(rewritten, expr.DisableAllBuiltins())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEval,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	c := &Compiled{Source: expression, Refs: refs, program: program}
	e.cache.Add(expression, c)
	return c, nil
}

// Evaluate implements Engine. data is expected to carry "variables" and
// "steps" maps as produced by Scope.Data.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	scope := &Scope{}
	if v, ok := data["variables"].(map[string]any); ok {
		scope.Variables = v
	}
	if s, ok := data["steps"].(map[string]any); ok {
		scope.Steps = s
	}
	return e.EvaluateValue(ctx, expression, scope)
}

// EvaluateValue evaluates expression against scope and returns the raw result.
func (e *Evaluator) EvaluateValue(ctx context.Context, expression string, scope *Scope) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(c.Refs))
	for i, r := range c.Refs {
		v, _ := scope.Resolve(r)
		env[bindingName(i)] = v
	}

	out, err := expr.Run(c.program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEval,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// EvaluateBool evaluates expression and applies Truthy to the result.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, scope *Scope) (bool, error) {
	out, err := e.EvaluateValue(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy converts an evaluation result to a boolean: nil, false, zero
// numbers and empty strings or collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	}
	return true
}

// grammarCheck rejects every AST node outside the condition grammar.
type grammarCheck struct {
	bindings int
	err      error
}

func (g *grammarCheck) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode, *ast.StringNode:
	case *ast.IdentifierNode:
		if !g.isBinding(n.Value) {
			g.err = fmt.Errorf("identifier %q is not a ${...} reference", n.Value)
		}
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			g.err = fmt.Errorf("operator %q", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			g.err = fmt.Errorf("operator %q", n.Operator)
		}
	default:
		g.err = fmt.Errorf("%T", n)
	}
}

func (g *grammarCheck) isBinding(name string) bool {
	for i := 0; i < g.bindings; i++ {
		if name == bindingName(i) {
			return true
		}
	}
	return false
}

var _ Engine = (*Evaluator)(nil)
