// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// operatorMap translates operator tokens and word operators to builtin names.
var operatorMap = map[string]string{
	"+":    "add", "-": "sub",
	"*":    "mul", "/": "div",
	"<":    "lt", ">": "gt",
	"<=":   "lte", ">=": "gte",
	"<<":   "shl", ">>": "shr",
	"==":   "eq", "!=": "neq",
	"and":  "and", "or": "or", "not": "not",
	"min":  "min", "max": "max",
	"null": "null", "valid": "valid",
}

var operators []string

func init() {
	for op := range operatorMap {
		// Word operators lex as symbols; only punctuation-like operators
		// belong to the operator token class.
		if isSymbolStart(op[0]) {
			continue
		}
		operators = append(operators, op)
	}
	// Longest first so that "<<" is matched before "<".
	sort.Slice(operators, func(i, j int) bool {
		if len(operators[i]) != len(operators[j]) {
			return len(operators[i]) > len(operators[j])
		}
		return operators[i] < operators[j]
	})
}

// Operators returns the operator lexemes recognized by the language, sorted
// longest first.
func Operators() []string { return operators }

// maxEvalDepth bounds evaluator recursion so a pathological policy cannot
// overflow the host stack.
const maxEvalDepth = 1000

type userFunc struct {
	params []Node // symbol tokens
	body   Node
}

// Evaluator executes parsed policy trees. It is not safe for concurrent use;
// the store creates a fresh Evaluator for every policy run.
type Evaluator struct {
	logger log.Logger
	Stack  *VarStack
	funcs  map[string]userFunc
	depth  int
}

func NewEvaluator(logger log.Logger) *Evaluator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Evaluator{
		logger: logger,
		Stack:  NewVarStack(),
		funcs:  map[string]userFunc{},
	}
	e.importExterns()
	return e
}

// importExterns binds the host-provided functions into the root scope.
func (e *Evaluator) importExterns() {
	e.Stack.Set("abs", Func(externAbs), true)
	e.Stack.Set("debug", Func(func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, errf("debug requires at least one argument")
		}
		level.Debug(e.logger).Log("msg", "debug", "values", fmt.Sprintf("%v", args))
		return args[len(args)-1], nil
	}), true)
}

func externAbs(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, errf("abs requires exactly one argument")
	}
	switch v := args[0].(type) {
	case int64:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	case float64:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	}
	return nil, errf("abs requires a numeric argument")
}

// EvalAll evaluates a sequence of top-level nodes and returns their values.
func (e *Evaluator) EvalAll(nodes []Node) ([]interface{}, error) {
	results := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		v, err := e.Eval(n)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// EvalString lexes, parses, and evaluates a policy source. Used by tests.
func (e *Evaluator) EvalString(src string) ([]interface{}, error) {
	nodes, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.EvalAll(nodes)
}

func (e *Evaluator) Eval(n Node) (interface{}, error) {
	if e.depth >= maxEvalDepth {
		return nil, errf("maximum evaluation depth exceeded")
	}
	e.depth++
	defer func() { e.depth-- }()

	if n.isLeaf() {
		return e.evalLeaf(n.Leaf)
	}
	return e.evalApply(n.List)
}

func (e *Evaluator) evalLeaf(t *Token) (interface{}, error) {
	switch t.Kind {
	case KindNumber:
		return evalNumber(t)
	case KindString:
		return t.Value[1 : len(t.Value)-1], nil
	case KindSymbol:
		if t.Value == "nil" {
			return nil, nil
		}
		return e.Stack.Get(t.Value, false, t.Line)
	default:
		return nil, errf("unexpected token %q on line %d", t.Value, t.Line)
	}
}

func evalNumber(t *Token) (interface{}, error) {
	switch t.Num {
	case NumFloat:
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, errf("malformed number %q on line %d", t.Value, t.Line)
		}
		return f, nil
	case NumInteger:
		i, err := strconv.ParseInt(t.Value, 10, 64)
		if err != nil {
			return nil, errf("malformed number %q on line %d", t.Value, t.Line)
		}
		return i, nil
	case NumHex:
		i, err := strconv.ParseInt(t.Value[2:], 16, 64)
		if err != nil {
			return nil, errf("malformed number %q on line %d", t.Value, t.Line)
		}
		return i, nil
	case NumOctal:
		s := t.Value[1:] // leading 0
		if len(s) > 0 && (s[0] == 'o' || s[0] == 'O') {
			s = s[1:]
		}
		i, err := strconv.ParseInt(s, 8, 64)
		if err != nil {
			return nil, errf("malformed number %q on line %d", t.Value, t.Line)
		}
		return i, nil
	}
	return nil, errf("unsupported numeric type for %q on line %d", t.Value, t.Line)
}

func (e *Evaluator) evalApply(nodes []Node) (interface{}, error) {
	if len(nodes) == 0 {
		return nil, errf("empty expression")
	}
	head := nodes[0]
	if !head.isLeaf() {
		return nil, errf("expected simple token as arg 1")
	}
	var name string
	switch head.Leaf.Kind {
	case KindSymbol:
		name = head.Leaf.Value
	case KindOperator:
		mapped, ok := operatorMap[head.Leaf.Value]
		if !ok {
			return nil, errf("unknown operator %q on line %d", head.Leaf.Value, head.Leaf.Line)
		}
		name = mapped
	default:
		return nil, errf("unexpected token type in arg 1 %q on line %d", head.Leaf.Value, head.Leaf.Line)
	}
	line := head.Leaf.Line
	args := nodes[1:]

	// A scope binding takes precedence over builtins; this is how external
	// functions and host-object methods are called.
	v, err := e.Stack.Get(name, true, line)
	if err != nil {
		return nil, err
	}
	if v != nil {
		fn, ok := v.(Func)
		if !ok {
			return nil, errf("%q is not callable on line %d", name, line)
		}
		vals := make([]interface{}, len(args))
		for i, a := range args {
			av, err := e.Eval(a)
			if err != nil {
				return nil, err
			}
			vals[i] = av
		}
		return fn(vals...)
	}

	if b, ok := builtins[name]; ok {
		return e.dispatch(name, b, args, line)
	}
	return e.defaultCall(name, args, line)
}

// dispatch applies a builtin's argument spec before calling it: value terms
// are evaluated, symbol terms must be literal symbols and pass their text,
// code terms pass the raw node. A variadic spec repeats its last term and
// requires only the non-repeated terms.
func (e *Evaluator) dispatch(name string, b *builtin, args []Node, line int) (interface{}, error) {
	specLen := len(b.kinds)
	if b.variadic {
		specLen++
	}
	if !b.variadic && specLen != len(args) {
		return nil, errf("arity mismatch in doc parsing of 'c_%s' on line %d", name, line)
	}
	if b.variadic && specLen > len(args)+1 {
		return nil, errf("not enough arguments for 'c_%s' on line %d", name, line)
	}

	vals := make([]interface{}, len(args))
	for i, a := range args {
		kind := argValue
		if len(b.kinds) > 0 {
			idx := i
			if idx >= len(b.kinds) {
				idx = len(b.kinds) - 1
			}
			kind = b.kinds[idx]
		}
		switch kind {
		case argCode:
			vals[i] = a
		case argSymbol:
			if !a.isLeaf() || a.Leaf.Kind != KindSymbol {
				return nil, errf("malformed expression on line %d", line)
			}
			vals[i] = a.Leaf.Value
		default:
			v, err := e.Eval(a)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
	}
	return b.fn(e, vals, line)
}

// defaultCall handles the eval builtin and user-defined functions.
func (e *Evaluator) defaultCall(name string, args []Node, line int) (interface{}, error) {
	if name == "eval" {
		var result interface{}
		for _, a := range args {
			v, err := e.Eval(a)
			if err != nil {
				return nil, err
			}
			result = v
		}
		return result, nil
	}

	fn, ok := e.funcs[name]
	if !ok {
		return nil, errf("Unknown function name %q on line %d", name, line)
	}
	if len(fn.params) != len(args) {
		return nil, errf("Function %q invoked with incorrect arity on line %d", name, line)
	}

	// A call is (let ((p1 a1) … (pn an)) body): parameters bind in a fresh
	// scope and each argument is evaluated after the previous binding.
	e.Stack.EnterScope()
	defer e.Stack.LeaveScope()
	for i, p := range fn.params {
		if !p.isLeaf() || p.Leaf.Kind != KindSymbol {
			return nil, errf("malformed parameter list for %q on line %d", name, line)
		}
		v, err := e.Eval(args[i])
		if err != nil {
			return nil, err
		}
		if _, err := e.Stack.Set(p.Leaf.Value, v, true); err != nil {
			return nil, err
		}
	}
	return e.Eval(fn.body)
}

// truthy implements the language's truth rule: nil, false, integer and float
// zero, and the empty string are falsy; everything else is truthy.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}
