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
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DefaultFragment is the fragment name used by the unnamed setPolicy verb.
// The numeric prefix leaves room for fragments sorting before and after it.
const DefaultFragment = "50_main_"

// Store holds named policy fragments and the compiled tree of their
// concatenation. The compiled tree always corresponds to the full fragment
// set: a fragment update that fails to compile is rolled back.
type Store struct {
	logger log.Logger

	mtx       sync.Mutex
	fragments map[string]string
	code      []Node
}

func NewStore(logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		logger:    logger,
		fragments: map[string]string{},
	}
}

// concat joins the fragments in lexicographic name order. An empty fragment
// set concatenates to "0", so compiling it yields a no-op policy rather than
// an empty tree; Clear, which compiles nothing, leaves the tree empty.
func (s *Store) concat() string {
	names := make([]string, 0, len(s.fragments))
	for n := range s.fragments {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, s.fragments[n])
	}
	joined := strings.Join(parts, "\n")
	if joined == "" {
		return "0"
	}
	return joined
}

// SetNamed inserts, replaces, or (with a nil text) deletes one fragment and
// recompiles the concatenation. On a compile failure the previous fragment
// set and compiled tree are restored and false is returned.
func (s *Store) SetNamed(name string, text *string) bool {
	if name == "" {
		name = DefaultFragment
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	old, had := s.fragments[name]
	if text == nil {
		if had {
			delete(s.fragments, name)
			level.Info(s.logger).Log("msg", "deleted policy", "name", name)
		}
	} else {
		s.fragments[name] = *text
	}

	code, err := Compile(s.concat())
	if err != nil {
		level.Warn(s.logger).Log("msg", "unable to load policy", "name", name, "err", err)
		if had {
			s.fragments[name] = old
		} else {
			delete(s.fragments, name)
		}
		return false
	}
	s.code = code
	if text != nil {
		level.Info(s.logger).Log("msg", "loaded policy", "name", name)
	}
	return true
}

// Set replaces the whole policy with a single unnamed fragment. On a compile
// failure the previous fragment set and compiled tree are kept and false is
// returned.
func (s *Store) Set(text string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	old := s.fragments
	s.fragments = map[string]string{DefaultFragment: text}
	code, err := Compile(s.concat())
	if err != nil {
		level.Warn(s.logger).Log("msg", "unable to load policy", "name", DefaultFragment, "err", err)
		s.fragments = old
		return false
	}
	s.code = code
	level.Info(s.logger).Log("msg", "loaded policy", "name", DefaultFragment)
	return true
}

// Clear drops all fragments and the compiled tree.
func (s *Store) Clear() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.fragments = map[string]string{}
	s.code = nil
}

// String returns the concatenated policy source.
func (s *Store) String() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.concat()
}

// Strings returns a snapshot of the named fragments.
func (s *Store) Strings() map[string]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]string, len(s.fragments))
	for k, v := range s.fragments {
		out[k] = v
	}
	return out
}

// Evaluate runs the compiled policy against the given host and guest values.
// Each run uses a fresh evaluator so the variable stack and user-function
// table are clean, and runs atomically with respect to fragment mutations.
// The top-level results are returned in order.
func (s *Store) Evaluate(host interface{}, guests []interface{}) ([]interface{}, error) {
	ev := NewEvaluator(s.logger)
	if _, err := ev.Stack.Set("Host", host, true); err != nil {
		return nil, err
	}
	if _, err := ev.Stack.Set("Guests", guests, true); err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	results, err := ev.EvalAll(s.code)
	if err != nil {
		level.Error(s.logger).Log("msg", "policy error", "err", err)
		return nil, err
	}
	return results, nil
}
