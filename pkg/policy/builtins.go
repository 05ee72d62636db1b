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
	"reflect"
	"strings"
)

// argKind is one term of a builtin's argument spec.
type argKind int

const (
	argValue  argKind = iota // evaluate before passing
	argSymbol                // literal symbol token; its text is passed
	argCode                  // raw node, not evaluated
)

// builtin pairs an argument spec with its implementation. A variadic builtin
// repeats its last term; its minimum arity is the number of non-repeated
// terms.
type builtin struct {
	kinds    []argKind
	variadic bool
	fn       func(e *Evaluator, args []interface{}, line int) (interface{}, error)
}

var builtins map[string]*builtin

func init() {
	vv := []argKind{argValue, argValue}
	builtins = map[string]*builtin{
		"add":    {kinds: vv, fn: bAdd},
		"sub":    {kinds: vv, fn: bSub},
		"mul":    {kinds: vv, fn: bMul},
		"div":    {kinds: vv, fn: bDiv},
		"lt":     {kinds: vv, fn: bCompare(func(c int) bool { return c < 0 })},
		"gt":     {kinds: vv, fn: bCompare(func(c int) bool { return c > 0 })},
		"lte":    {kinds: vv, fn: bCompare(func(c int) bool { return c <= 0 })},
		"gte":    {kinds: vv, fn: bCompare(func(c int) bool { return c >= 0 })},
		"eq":     {kinds: vv, fn: bEq},
		"neq":    {kinds: vv, fn: bNeq},
		"shl":    {kinds: vv, fn: bShift(true)},
		"shr":    {kinds: vv, fn: bShift(false)},
		"and":    {kinds: []argKind{argValue}, variadic: true, fn: bAnd},
		"or":     {kinds: []argKind{argValue}, variadic: true, fn: bOr},
		"not":    {kinds: []argKind{argValue}, fn: bNot},
		"min":    {kinds: []argKind{argValue}, variadic: true, fn: bMinMax(true)},
		"max":    {kinds: []argKind{argValue}, variadic: true, fn: bMinMax(false)},
		"null":   {variadic: true, fn: bNull},
		"valid":  {variadic: true, fn: bValid},
		"if":     {kinds: []argKind{argValue, argCode, argCode}, fn: bIf},
		"let":    {kinds: []argKind{argCode, argCode}, variadic: true, fn: bLet},
		"with":   {kinds: []argKind{argSymbol, argSymbol, argCode}, fn: bWith},
		"def":    {kinds: []argKind{argSymbol, argCode, argCode}, fn: bDef},
		"defun":  {kinds: []argKind{argSymbol, argCode, argCode}, fn: bDef},
		"set":    {kinds: []argKind{argSymbol, argValue}, fn: bSet},
		"setq":   {kinds: []argKind{argSymbol, argValue}, fn: bSet},
		"defvar": {kinds: []argKind{argSymbol, argValue}, fn: bDefvar},
	}
}

func asInt(v interface{}) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func bAdd(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
	x, y := args[0], args[1]
	if xi, ok := asInt(x); ok {
		if yi, ok := asInt(y); ok {
			return xi + yi, nil
		}
	}
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			return xf + yf, nil
		}
	}
	if xs, ok := x.(string); ok {
		if ys, ok := y.(string); ok {
			return xs + ys, nil
		}
	}
	return nil, errf("unsupported operand types for add on line %d", line)
}

func bSub(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
	x, y := args[0], args[1]
	if xi, ok := asInt(x); ok {
		if yi, ok := asInt(y); ok {
			return xi - yi, nil
		}
	}
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			return xf - yf, nil
		}
	}
	return nil, errf("unsupported operand types for sub on line %d", line)
}

func bMul(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
	x, y := args[0], args[1]
	if xi, ok := asInt(x); ok {
		if yi, ok := asInt(y); ok {
			return xi * yi, nil
		}
	}
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			return xf * yf, nil
		}
	}
	// String repetition, in either operand order.
	if xs, ok := x.(string); ok {
		if yi, ok := asInt(y); ok {
			return repeat(xs, yi), nil
		}
	}
	if ys, ok := y.(string); ok {
		if xi, ok := asInt(x); ok {
			return repeat(ys, xi), nil
		}
	}
	return nil, errf("unsupported operand types for mul on line %d", line)
}

func repeat(s string, n int64) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(s, int(n))
}

// bDiv implements the numeric promotion rule: two integers produce an integer
// quotient truncated toward zero; any float operand produces a float.
func bDiv(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
	x, y := args[0], args[1]
	if xi, ok := asInt(x); ok {
		if yi, ok := asInt(y); ok {
			if yi == 0 {
				return nil, errf("division by zero on line %d", line)
			}
			return xi / yi, nil
		}
	}
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			if yf == 0 {
				return nil, errf("division by zero on line %d", line)
			}
			return xf / yf, nil
		}
	}
	return nil, errf("unsupported operand types for div on line %d", line)
}

// compare orders two values: numbers numerically, strings lexicographically.
func compare(x, y interface{}, line int) (int, error) {
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			switch {
			case xf < yf:
				return -1, nil
			case xf > yf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if xs, ok := x.(string); ok {
		if ys, ok := y.(string); ok {
			return strings.Compare(xs, ys), nil
		}
	}
	return 0, errf("unorderable operand types on line %d", line)
}

func bCompare(pred func(int) bool) func(*Evaluator, []interface{}, int) (interface{}, error) {
	return func(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
		c, err := compare(args[0], args[1], line)
		if err != nil {
			return nil, err
		}
		return pred(c), nil
	}
}

// equal reports value equality: nil equals only nil, numbers compare
// numerically across integer and float, and mismatched types are unequal
// rather than an error.
func equal(x, y interface{}) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	if xf, ok := asFloat(x); ok {
		if yf, ok := asFloat(y); ok {
			return xf == yf
		}
		return false
	}
	if xs, ok := x.(string); ok {
		ys, ok := y.(string)
		return ok && xs == ys
	}
	return reflect.DeepEqual(x, y)
}

func bEq(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	return equal(args[0], args[1]), nil
}

func bNeq(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	return !equal(args[0], args[1]), nil
}

func bShift(left bool) func(*Evaluator, []interface{}, int) (interface{}, error) {
	return func(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
		x, ok1 := asInt(args[0])
		y, ok2 := asInt(args[1])
		if !ok1 || !ok2 {
			return nil, errf("shift requires integer operands on line %d", line)
		}
		if y < 0 || y > 63 {
			return nil, errf("shift count out of range on line %d", line)
		}
		if left {
			return x << uint(y), nil
		}
		return x >> uint(y), nil
	}
}

// bAnd returns the first falsy argument or the last value. Evaluation is
// eager; every argument was already evaluated during dispatch.
func bAnd(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	for _, a := range args {
		if !truthy(a) {
			return a, nil
		}
	}
	return args[len(args)-1], nil
}

func bOr(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	for _, a := range args {
		if truthy(a) {
			return a, nil
		}
	}
	return args[len(args)-1], nil
}

func bNot(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	return !truthy(args[0]), nil
}

func bMinMax(min bool) func(*Evaluator, []interface{}, int) (interface{}, error) {
	return func(_ *Evaluator, args []interface{}, line int) (interface{}, error) {
		best := args[0]
		for _, a := range args[1:] {
			c, err := compare(a, best, line)
			if err != nil {
				return nil, err
			}
			if (min && c < 0) || (!min && c > 0) {
				best = a
			}
		}
		return best, nil
	}
}

// sizedLen returns the length of a sized container, or ok=false for values
// that have no length.
func sizedLen(v interface{}) (int, bool) {
	switch x := v.(type) {
	case string:
		return len(x), true
	case []interface{}:
		return len(x), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len(), true
	}
	return 0, false
}

// bNull is true iff every argument is nil or an empty sized container; an
// argument that is neither makes the result false.
func bNull(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	for _, a := range args {
		if a == nil {
			continue
		}
		n, ok := sizedLen(a)
		if !ok || n != 0 {
			return false, nil
		}
	}
	return true, nil
}

// bValid is true iff no argument is nil.
func bValid(_ *Evaluator, args []interface{}, _ int) (interface{}, error) {
	for _, a := range args {
		if a == nil {
			return false, nil
		}
	}
	return true, nil
}

func bIf(e *Evaluator, args []interface{}, _ int) (interface{}, error) {
	cond := args[0]
	yes := args[1].(Node)
	no := args[2].(Node)
	if truthy(cond) {
		return e.Eval(yes)
	}
	return e.Eval(no)
}

// bLet binds a list of (symbol value) pairs in a fresh scope, evaluates the
// body expressions in order, and returns the last value. The scope is left on
// every exit path.
func bLet(e *Evaluator, args []interface{}, line int) (interface{}, error) {
	bindings := args[0].(Node)
	if bindings.isLeaf() {
		return nil, errf("Expecting list as arg 1 in let on line %d", line)
	}
	e.Stack.EnterScope()
	defer e.Stack.LeaveScope()
	for _, b := range bindings.List {
		if b.isLeaf() || len(b.List) != 2 {
			return nil, errf("Expecting list of tuples in arg 1 of let on line %d", line)
		}
		name := b.List[0]
		if !name.isLeaf() || name.Leaf.Kind != KindSymbol {
			return nil, errf("Expecting list of (symbol value) in let on line %d", line)
		}
		v, err := e.Eval(b.List[1])
		if err != nil {
			return nil, err
		}
		if _, err := e.Stack.Set(name.Leaf.Value, v, true); err != nil {
			return nil, err
		}
	}
	var result interface{}
	for _, a := range args[1:] {
		v, err := e.Eval(a.(Node))
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}

// bWith maps a body over an iterable bound in the current scope, binding the
// iterator symbol in a per-element scope, and collects the results.
func bWith(e *Evaluator, args []interface{}, line int) (interface{}, error) {
	iterName := args[0].(string)
	iterVar := args[1].(string)
	body := args[2].(Node)

	v, err := e.Stack.Get(iterName, false, line)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, errf("%q is not iterable on line %d", iterName, line)
	}
	results := make([]interface{}, 0, len(items))
	for _, item := range items {
		e.Stack.EnterScope()
		if _, err := e.Stack.Set(iterVar, item, true); err != nil {
			e.Stack.LeaveScope()
			return nil, err
		}
		r, err := e.Eval(body)
		e.Stack.LeaveScope()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func bDef(e *Evaluator, args []interface{}, line int) (interface{}, error) {
	name := args[0].(string)
	params := args[1].(Node)
	body := args[2].(Node)
	if params.isLeaf() {
		return nil, errf("Expecting parameter list in def on line %d", line)
	}
	e.funcs[name] = userFunc{params: params.List, body: body}
	return name, nil
}

func bSet(e *Evaluator, args []interface{}, _ int) (interface{}, error) {
	return e.Stack.Set(args[0].(string), args[1], false)
}

func bDefvar(e *Evaluator, args []interface{}, _ int) (interface{}, error) {
	return e.Stack.Set(args[0].(string), args[1], true)
}
