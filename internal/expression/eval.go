// Package expression implements the restricted condition language used by
// gateways, escalation rules, dynamic assignees and script assignments.
//
// Expressions see only the variable bag passed to them. There are no loops,
// no assignments and no access to process state, so evaluation time is
// bounded by the compiled node count.
package expression

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/pitabwire/careflow/model"
)

// Limits bounds the size of accepted expressions.
type Limits struct {
	MaxLength int
	MaxDepth  int
	MaxNodes  int
}

// DefaultLimits are used when a zero Limits is supplied.
var DefaultLimits = Limits{MaxLength: 4096, MaxDepth: 32, MaxNodes: 512}

// Program is a compiled expression. It is immutable and safe for concurrent
// use.
type Program struct {
	src  string
	root node
}

// Source returns the expression text.
func (p *Program) Source() string { return p.src }

// Compile parses src into a Program.
func Compile(src string, limits Limits) (*Program, error) {
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	root, err := parse(src, limits)
	if err != nil {
		return nil, model.NewExpressionError(fmt.Sprintf("compile %q: %v", src, err))
	}
	return &Program{src: src, root: root}, nil
}

// Eval evaluates the program against vars.
func (p *Program) Eval(vars map[string]any) (any, error) {
	v, err := eval(p.root, vars)
	if err != nil {
		return nil, model.NewExpressionError(fmt.Sprintf("evaluate %q: %v", p.src, err))
	}
	return v, nil
}

// EvalBool evaluates the program and requires a boolean result.
func (p *Program) EvalBool(vars map[string]any) (bool, error) {
	v, err := p.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, model.NewExpressionError(fmt.Sprintf("evaluate %q: result is %s, not boolean", p.src, typeName(v)))
	}
	return b, nil
}

// Evaluator compiles and caches programs by source text.
type Evaluator struct {
	limits Limits
	cache  sync.Map // string -> *Program
}

// NewEvaluator creates an Evaluator with the given limits.
func NewEvaluator(limits Limits) *Evaluator {
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	return &Evaluator{limits: limits}
}

// Compile returns the cached program for src, compiling it on first use.
func (e *Evaluator) Compile(src string) (*Program, error) {
	if p, ok := e.cache.Load(src); ok {
		return p.(*Program), nil
	}
	p, err := Compile(src, e.limits)
	if err != nil {
		return nil, err
	}
	e.cache.Store(src, p)
	return p, nil
}

// Eval compiles and evaluates src against vars.
func (e *Evaluator) Eval(src string, vars map[string]any) (any, error) {
	p, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	return p.Eval(vars)
}

// EvalBool compiles and evaluates src as a condition.
func (e *Evaluator) EvalBool(src string, vars map[string]any) (bool, error) {
	p, err := e.Compile(src)
	if err != nil {
		return false, err
	}
	return p.EvalBool(vars)
}

var errUndefined = errors.New("undefined variable")

func eval(n node, vars map[string]any) (any, error) {
	switch n := n.(type) {
	case *litNode:
		return n.v, nil
	case *varNode:
		v, ok := lookup(vars, n.path)
		if !ok {
			return nil, fmt.Errorf("%w %q", errUndefined, n.name)
		}
		return normalize(v), nil
	case *listNode:
		out := make([]any, 0, len(n.items))
		for _, item := range n.items {
			v, err := eval(item, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *unaryNode:
		x, err := eval(n.x, vars)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.op, x)
	case *binaryNode:
		return evalBinary(n, vars)
	case *callNode:
		return evalCall(n, vars)
	default:
		return nil, fmt.Errorf("unknown node %T", n)
	}
}

func lookup(vars map[string]any, path []string) (any, bool) {
	var cur any = vars
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evalUnary(op string, x any) (any, error) {
	switch op {
	case "!":
		b, ok := x.(bool)
		if !ok {
			return nil, fmt.Errorf("operator ! needs a boolean, got %s", typeName(x))
		}
		return !b, nil
	case "-":
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("operator - needs a number, got %s", typeName(x))
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func evalBinary(n *binaryNode, vars map[string]any) (any, error) {
	l, err := eval(n.l, vars)
	if err != nil {
		return nil, err
	}

	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		lb, ok := l.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans, got %s", n.op, typeName(l))
		}
		if n.op == "&&" && !lb || n.op == "||" && lb {
			return lb, nil
		}
		r, err := eval(n.r, vars)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans, got %s", n.op, typeName(r))
		}
		return rb, nil
	}

	r, err := eval(n.r, vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", n.op, err)
		}
		switch n.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in":
		return member(l, r)
	case "+":
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(n.op, l, r)
	default:
		return arith(n.op, l, r)
	}
}

func arith(op string, l, r any) (any, error) {
	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %s and %s", op, typeName(l), typeName(r))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func equal(l, r any) bool {
	if lf, ok := l.(float64); ok {
		rf, ok := r.(float64)
		return ok && lf == rf
	}
	return reflect.DeepEqual(l, r)
}

func compare(l, r any) (int, error) {
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			break
		}
		switch {
		case lv < rv:
			return -1, nil
		case lv > rv:
			return 1, nil
		}
		return 0, nil
	case string:
		rv, ok := r.(string)
		if !ok {
			break
		}
		return strings.Compare(lv, rv), nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(l), typeName(r))
}

func member(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("operator in: cannot search string for %s", typeName(needle))
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("operator in: map keys are strings, got %s", typeName(needle))
		}
		_, found := h[s]
		return found, nil
	}
	return false, fmt.Errorf("operator in: cannot search %s", typeName(haystack))
}

func evalCall(n *callNode, vars map[string]any) (any, error) {
	switch n.name {
	case "defined":
		_, err := eval(n.args[0], vars)
		if errors.Is(err, errUndefined) {
			return false, nil
		}
		return err == nil, err
	case "coalesce":
		for _, a := range n.args {
			v, err := eval(a, vars)
			if errors.Is(err, errUndefined) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	}

	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := eval(a, vars)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.name {
	case "len":
		switch v := args[0].(type) {
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		}
		return nil, fmt.Errorf("len: unsupported %s", typeName(args[0]))
	case "lower", "upper":
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %s", n.name, typeName(args[0]))
		}
		if n.name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	case "contains":
		return member(args[1], args[0])
	case "min", "max":
		return extreme(n.name, args)
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

func extreme(name string, args []any) (any, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			args = list
		}
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: no values", name)
	}
	best, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("%s: expected numbers, got %s", name, typeName(args[0]))
	}
	for _, a := range args[1:] {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: expected numbers, got %s", name, typeName(a))
		}
		if name == "min" && f < best || name == "max" && f > best {
			best = f
		}
	}
	return best, nil
}

// normalize converts Go numeric types and typed slices/maps coming from YAML
// or callers into the float64 / []any / map[string]any forms the evaluator
// works on.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
