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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verifyPolicy(t *testing.T, src string, want []interface{}) {
	t.Helper()
	e := NewEvaluator(nil)
	got, err := e.EvalString(src)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestComments(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	# This is a full-line pound comment
	12 # A partial-line comment with (+ 23 43) keywords
	(+ 3 # An expression with embedded comments
	2)
	`, []interface{}{int64(12), int64(5)})
}

func TestWhitespace(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, "(+ 1\n2)  (- 10 2)", []interface{}{int64(3), int64(8)})
}

func TestString(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	"foo" "bar"
	(+ "Hello " "World!")
	(+ (* 3 "Hey ") "!")
	`, []interface{}{"foo", "bar", "Hello World!", "Hey Hey Hey !"})
}

func TestBasicMath(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	10
	0o0                 # Octal
	.3                  # The leading 0 on a float is not required
	(* 0 1)
	(+ 1 2)
	(/ 11 2)            # Integer division
	(/ 11 2.0)          # Floating point division
	(* 3 6)
	(- 1 9)             # Negative result
	(* (- 8 6) 9)
	(>> (<< 1 4) 2)
	(+ 0xFF 0x1)        # Hex numbers
	(* 0o11 0o2)
	(+ 0xa 10)          # Numeric type mixing
	(+ 10.0e3 100e-2)   # Scientific notation for integers and floats
	`, []interface{}{
		int64(10), int64(0), 0.3, int64(0), int64(3), int64(5), 5.5,
		int64(18), int64(-8), int64(18), int64(4), int64(256), int64(18),
		int64(20), 10001.0,
	})
}

func TestCompare(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(< 5 4)
	(> 1 0)
	(<= 10 10)
	(>= 2 (/ 10 2))
	(== (+ 1 2) (/ 9 3))
	(!= "foo" "foo")
	(== 0x0 0)
	`, []interface{}{false, true, true, false, true, false, true})
}

func TestLogic(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(and 1 "")          # "" evaluates to false
	(and 0 1)           #   as does 0 -- the first false value is returned
	(and 1 2)           # If all values are true, the last value is returned
	(or "" 17)          # or returns the first true value encountered
	(or "" "")          # if all values are false, or returns the last one
	(not "")
	(not -0)
	`, []interface{}{"", int64(0), int64(2), int64(17), "", true, true})
}

func TestExtendedLogic(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(and 1 1 "")
	(and 0 0 1)
	(and 1 1 2)
	(or "" "" 17)
	(or "" "" "")
	(and 1 2 3 4 5 6 7 8 9 0)
	(or 0)
	`, []interface{}{"", int64(0), int64(2), int64(17), "", int64(0), int64(0)})
}

func TestVars(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(defvar foo "bar")
	(defvar a 5)
	(defvar b 6)
	(+ a b)
	(set a 8)
	(+ a b)
	(* foo 2)
	(defvar e3 7)
	(+ 1 e3)        # Make sure e3 is not mistaken for scientific notation
	`, []interface{}{
		"bar", int64(5), int64(6), int64(11), int64(8), int64(14),
		"barbar", int64(7), int64(8),
	})
}

func TestFuncs(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(def foo () 10)
	(def bar (a)
	    (* 2 a))
	(/ (foo) (bar 5))
	(def baz (b)
	    (- 2 (bar b)))
	(baz 12)
	(def foo (a) {
	    (def bar (b) (+ b 1))   # Nested function
	    (bar a)
	})
	(foo 9)
	`, []interface{}{"foo", "bar", int64(1), "baz", int64(-22), "foo", int64(10)})
}

func TestLet(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(def foo (a) (+ 2 a))
	(defvar a 2)
	(let ((a 1) (b 2)) (foo a))
	a                               # Value of 'a' unaffected by let
	(let ((a 1) (b 2)) a b)         # multiple expressions in let
	`, []interface{}{"foo", int64(2), int64(3), int64(2), int64(2)})
}

func TestMinMax(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(min 1 2 3 0)
	(defvar a 8)
	(defvar c (min 8 7 6 5))
	(max 0 c a 3)
	`, []interface{}{int64(0), int64(8), int64(5), int64(8)})
}

func TestIf(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(defvar a 1)
	(defvar b 0)
	(def f (cond)
	    (if cond
	        "yes"
	        "no"))
	(if a 4 3)
	(if b 1 0)
	(f (> 2 1))
	`, []interface{}{int64(1), int64(0), "f", int64(4), int64(0), "yes"})
}

func TestScope(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(defvar a 10)
	(def foo (b) (set a b))         # set affects the global 'a'
	(foo 2)
	a
	(def foo (b) (defvar a b))      # defvar creates a local 'a'
	(foo 4)
	a
	(set a 5)
	(let ((a 4)) a)                 # let creates a local 'a'
	a
	(if (== a 5) (defvar a 4) 0)    # defvar keeps the existing binding
	a
	`, []interface{}{
		int64(10), "foo", int64(2), int64(2), "foo", int64(4), int64(2),
		int64(5), int64(4), int64(5), int64(5), int64(5),
	})
}

func TestMultiStatements(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	{ 10 4 }                # A multi-statement evaluates to the last value
	(def f (a b) {          # Use them for function bodies
	    (defvar c (+ a b))
	    (set c (+ 1 c))
	    c
	})
	(f 4 5)
	(defvar q 11)
	(let ((q 2) (r 3)) {
	    q r
	    (- r q)
	})
	(if (== q 11) {
	    "q maintains proper scope"
	    (set q 12)
	} {
	    "oops, q has the wrong value"
	})
	(- q 10)
	`, []interface{}{int64(4), "f", int64(10), int64(11), int64(1), int64(12), int64(2)})
}

func TestMultiStatementsLisp(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(def f (a b) (let ()
	    (defvar c (+ a b))
	    (set c (+ 1 c))
	    c
	))
	(f 4 5)

	(defvar q 11)
	(let ((q 2) (r 3))
	    (+ q r)
	    (- r q)
	)
	q
	(if (== q 11) (let ()
	    "q maintains proper scope"
	    (set q 12)
	) (
	    "oops, q has the wrong value"
	))
	(- q 10)
	`, []interface{}{"f", int64(10), int64(11), int64(1), int64(11), int64(12), int64(2)})
}

// testEntity exercises member reads and member calls on a host object.
type testEntity struct {
	a, b int64
}

func (e *testEntity) Member(name string) (interface{}, bool) {
	switch name {
	case "a":
		return e.a, true
	case "b":
		return e.b, true
	case "mod":
		return Func(func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("mod requires two arguments")
			}
			e.a = args[0].(int64) % args[1].(int64)
			return e.a, nil
		}), true
	}
	return nil, false
}

func TestEntities(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	entity := &testEntity{a: 12, b: 7}
	_, err := e.Stack.Set("Entity", entity, true)
	require.NoError(t, err)

	got, err := e.EvalString(`
	Entity.a                    # Read variables
	Entity.b
	(Entity.mod Entity.b 4)     # Call functions
	`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(12), int64(7), int64(3)}, got)
	assert.Equal(t, int64(3), entity.a)
}

func TestEntityWriteRejected(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.Stack.Set("Entity", &testEntity{}, true)
	require.NoError(t, err)

	// Direct modification of entity attributes is not enabled.
	_, err = e.EvalString(`(set Entity.a 1)`)
	require.Error(t, err)
}

func TestExternals(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `(+ (abs -21) (abs 21))`, []interface{}{int64(42)})
}

func TestDebug(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `(debug "test" 1 nil "lala")`, []interface{}{"lala"})
}

func TestSyntaxError(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("\n(+ 2 2\n")
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestParseError(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("(2 + 2)")
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestNull(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `(null nil)`, []interface{}{true})
	verifyPolicy(t, `(null 0 1 2 "")`, []interface{}{false})
	verifyPolicy(t, `(null nil "")`, []interface{}{true})
	verifyPolicy(t, `(null)`, []interface{}{true})
}

func TestValid(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.Stack.Set("empty", []interface{}{}, true)
	require.NoError(t, err)

	got, err := e.EvalString(`
	(valid "test" 1 nil "lala")
	(valid "test" 1 "lala")
	(valid)
	(valid nil)
	(valid 0 "" empty)
	`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{false, true, true, false, true}, got)
}

func TestMultipleDefvar(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(defvar balloonEnabled 1)
	(defvar balloonEnabled 0)  # second defvar in the same scope does not
	balloonEnabled             # touch the value
	(defvar balloonEnabled 2)
	balloonEnabled
	`, []interface{}{int64(1), int64(1), int64(1), int64(1), int64(1)})
}

func TestSetq(t *testing.T) {
	t.Parallel()
	verifyPolicy(t, `
	(defvar balloonEnabled 1)
	balloonEnabled
	(setq balloonEnabled 2)
	balloonEnabled
	(set balloonEnabled 3)
	balloonEnabled
	`, []interface{}{int64(1), int64(1), int64(2), int64(2), int64(3), int64(3)})
}

func TestNotEnoughArguments(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("\n(and)")
	require.EqualError(t, err, "not enough arguments for 'c_and' on line 2")
}

func TestBadArity(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("\n(not)")
	require.EqualError(t, err, "arity mismatch in doc parsing of 'c_not' on line 2")
}

func TestBadSyntaxNumber(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("\n156\n125f56\n")
	require.EqualError(t, err, "undefined symbol f56 on line 3")
}

func TestBadArityDef(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString("\n(def test (x y) {\n})\n(test 1)\n")
	require.EqualError(t, err, `Function "test" invoked with incorrect arity on line 4`)
}

type namedGuest struct{ num int64 }

func (g *namedGuest) Member(name string) (interface{}, bool) {
	if name != "name" {
		return nil, false
	}
	return Func(func(...interface{}) (interface{}, error) {
		return fmt.Sprintf("Guest-%d", g.num), nil
	}), true
}

func TestGuestList(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	guests := []interface{}{&namedGuest{1}, &namedGuest{2}, &namedGuest{4}}
	_, err := e.Stack.Set("Guests", guests, true)
	require.NoError(t, err)

	got, err := e.EvalString(`
	(def guestName (guest) (+ "This guest's name is " (guest.name)))
	(with Guests guest (guestName guest))
	`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		"guestName",
		[]interface{}{
			"This guest's name is Guest-1",
			"This guest's name is Guest-2",
			"This guest's name is Guest-4",
		},
	}, got)
}

type nilAttrGuest struct{ num interface{} }

func (g *nilAttrGuest) Member(name string) (interface{}, bool) {
	if name == "num" {
		return g.num, true
	}
	return nil, false
}

func TestNilAttribute(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.Stack.Set("guest", &nilAttrGuest{num: nil}, true)
	require.NoError(t, err)

	got, err := e.EvalString(`
	guest.num
	(== guest.num nil)
	(== guest.num 0)
	`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{nil, true, false}, got)
}

func TestValidNilAttribute(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.Stack.Set("guest", &nilAttrGuest{num: nil}, true)
	require.NoError(t, err)
	_, err = e.Stack.Set("guest2", &nilAttrGuest{num: int64(0)}, true)
	require.NoError(t, err)

	got, err := e.EvalString(`
	guest.num
	(valid guest.num)
	(valid guest2.num)
	`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{nil, false, true}, got)
}

// Scope chains must be balanced after every evaluation, including failed
// ones inside let bodies and function calls.
func TestScopeBalance(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString(`(let ((a 1)) (+ a 1))`)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stack.Depth())

	_, err = e.EvalString(`(let ((a 1)) (thisdoesnotexist a))`)
	require.Error(t, err)
	assert.Equal(t, 1, e.Stack.Depth())

	_, err = e.EvalString(`(def f (x) (boom x)) (f 1)`)
	require.Error(t, err)
	assert.Equal(t, 1, e.Stack.Depth())
}

func TestEvalDepthBound(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	_, err := e.EvalString(`(def f (x) (f x)) (f 1)`)
	require.EqualError(t, err, "maximum evaluation depth exceeded")
}
