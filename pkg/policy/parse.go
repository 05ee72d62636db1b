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

import "fmt"

// Error is a failure in lexing, parsing, or evaluating a policy. The message
// carries the offending source line where one is known.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Node is one element of the parsed value tree: either a leaf token or an
// ordered list of child nodes. A node with a nil Leaf is a list, possibly
// empty.
type Node struct {
	Leaf *Token
	List []Node
}

func leaf(t *Token) Node    { return Node{Leaf: t} }
func list(ns []Node) Node   { return Node{List: ns} }
func (n Node) isLeaf() bool { return n.Leaf != nil }

// Parse builds the sequence of top-level value nodes from a token stream.
// Curly-brace blocks desugar to an application of the eval builtin, so
// { a b } parses as (eval a b).
func Parse(toks []*Token) ([]Node, error) {
	p := &parser{toks: toks}
	nodes, err := p.values("")
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		t := p.toks[p.pos]
		return nil, errf("unexpected %q on line %d", t.Value, t.Line)
	}
	return nodes, nil
}

// Compile lexes and parses a policy source with the evaluator's operator set.
func Compile(src string) ([]Node, error) {
	toks, err := Lex(src, Operators())
	if err != nil {
		return nil, err
	}
	return Parse(toks)
}

type parser struct {
	toks []*Token
	pos  int
}

// values parses value nodes until the given closing punctuation (or end of
// input when close is empty). The closing token is not consumed.
func (p *parser) values(close string) ([]Node, error) {
	nodes := []Node{}
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		if t.Kind == KindPunct {
			switch t.Value {
			case ")", "]", "}":
				if t.Value == close {
					return nodes, nil
				}
				return nil, errf("unexpected %q on line %d", t.Value, t.Line)
			}
		}
		n, err := p.value()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if close != "" {
		line := 0
		if len(p.toks) > 0 {
			line = p.toks[len(p.toks)-1].Line
		}
		return nil, errf("missing %q at end of input (line %d)", close, line)
	}
	return nodes, nil
}

func (p *parser) value() (Node, error) {
	t := p.toks[p.pos]
	if t.Kind != KindPunct {
		p.pos++
		return leaf(t), nil
	}
	var close string
	switch t.Value {
	case "(":
		close = ")"
	case "[":
		close = "]"
	case "{":
		close = "}"
	default:
		return Node{}, errf("unexpected %q on line %d", t.Value, t.Line)
	}
	p.pos++
	children, err := p.values(close)
	if err != nil {
		return Node{}, err
	}
	p.pos++ // closing punctuation
	if t.Value == "{" {
		children = append([]Node{leaf(symbolToken("eval", t.Line))}, children...)
	}
	return list(children), nil
}
