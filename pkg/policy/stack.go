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

import "strings"

// Object is implemented by host-side values whose members policy code can
// reach through dotted symbols such as Host.StatAvg or guest.balloon_cur.
// Member returns the named attribute, which may itself be a Func.
type Object interface {
	Member(name string) (interface{}, bool)
}

// Func is a host-provided callable visible to policy code. Arguments arrive
// already evaluated.
type Func func(args ...interface{}) (interface{}, error)

// VarStack is the lexical scope chain. The newest scope is at index 0.
type VarStack struct {
	scopes []map[string]interface{}
}

func NewVarStack() *VarStack {
	s := &VarStack{}
	s.EnterScope()
	return s
}

func (s *VarStack) EnterScope() {
	s.scopes = append([]map[string]interface{}{{}}, s.scopes...)
}

func (s *VarStack) LeaveScope() {
	s.scopes = s.scopes[1:]
}

// Get resolves a possibly dotted symbol. The head segment is looked up front
// to back in the scope chain; remaining segments dereference Object members.
// A scope whose binding lacks the requested member does not terminate the
// walk; the next scope is consulted, as if the binding were absent.
func (s *VarStack) Get(name string, allowUndefined bool, line int) (interface{}, error) {
	parts := strings.Split(name, ".")
	for _, scope := range s.scopes {
		v, ok := scope[parts[0]]
		if !ok {
			continue
		}
		found := true
		for _, seg := range parts[1:] {
			obj, isObj := v.(Object)
			if !isObj {
				found = false
				break
			}
			mv, ok := obj.Member(seg)
			if !ok {
				found = false
				break
			}
			v = mv
		}
		if found {
			return v, nil
		}
	}
	if allowUndefined {
		return nil, nil
	}
	return nil, errf("undefined symbol %s on line %d", name, line)
}

// Set updates a binding. With alloc, the name is bound in the top scope
// unless it is already bound there (first write wins, and the existing value
// is returned). Without alloc, the nearest scope already binding the name is
// updated; a miss is an error.
func (s *VarStack) Set(name string, value interface{}, alloc bool) (interface{}, error) {
	if alloc {
		top := s.scopes[0]
		if existing, ok := top[name]; ok {
			return existing, nil
		}
		top[name] = value
		return value, nil
	}
	for _, scope := range s.scopes {
		if _, ok := scope[name]; ok {
			scope[name] = value
			return value, nil
		}
	}
	return nil, errf("undefined symbol %s", name)
}

// Depth reports the number of scopes, used to verify scope balance in tests.
func (s *VarStack) Depth() int { return len(s.scopes) }
