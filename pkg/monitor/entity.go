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

// Package monitor collects time-stamped statistics about the host and its
// guests and exposes them to the policy as entities.
package monitor

import (
	"fmt"
	"time"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/policy"
)

// Properties is the static property set of a monitored entity.
type Properties map[string]interface{}

// Sample is one accepted statistics record.
type Sample struct {
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Entity is the policy-visible snapshot of the host or one guest: properties,
// a copy of the statistics ring, and the control variables the policy writes
// for the controllers to read. An Entity is confined to the policy-engine
// tick that created it, so it needs no locking.
type Entity struct {
	properties Properties
	statistics []Sample
	controls   map[string]interface{}
}

func NewEntity(props Properties, stats []Sample) *Entity {
	return &Entity{
		properties: props,
		statistics: stats,
		controls:   map[string]interface{}{},
	}
}

// Prop returns a property value, or nil.
func (e *Entity) Prop(key string) interface{} {
	return e.properties[key]
}

// Stat returns the most recently sampled value of a field, or nil.
func (e *Entity) Stat(key string) interface{} {
	if len(e.statistics) == 0 {
		return nil
	}
	return e.statistics[len(e.statistics)-1].Fields[key]
}

// StatAvg averages a numeric field over the whole ring, or nil when the
// field never appeared.
func (e *Entity) StatAvg(key string) interface{} {
	var sum float64
	var n int
	for _, s := range e.statistics {
		switch v := s.Fields[key].(type) {
		case int64:
			sum += float64(v)
			n++
		case float64:
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return sum / float64(n)
}

// Statistics returns the snapshot ring, newest last.
func (e *Entity) Statistics() []Sample { return e.statistics }

func (e *Entity) SetControl(key string, v interface{}) {
	e.controls[key] = v
}

// GetControl returns a control value, or nil when the policy never set it.
func (e *Entity) GetControl(key string) interface{} {
	return e.controls[key]
}

// Member implements policy.Object. Policy code reaches the accessor methods
// by name and reads statistics fields directly, so (guest.Prop "name") and
// guest.balloon_cur both work.
func (e *Entity) Member(name string) (interface{}, bool) {
	switch name {
	case "Prop":
		return keyFunc(name, e.Prop), true
	case "Stat":
		return keyFunc(name, e.Stat), true
	case "StatAvg":
		return keyFunc(name, e.StatAvg), true
	case "GetControl":
		return keyFunc(name, e.GetControl), true
	case "SetControl":
		return policy.Func(func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("SetControl requires a key and a value")
			}
			key, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("SetControl requires a string key")
			}
			e.SetControl(key, args[1])
			return args[1], nil
		}), true
	}
	if len(e.statistics) > 0 {
		if v, ok := e.statistics[len(e.statistics)-1].Fields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func keyFunc(name string, get func(string) interface{}) policy.Func {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires exactly one argument", name)
		}
		key, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string key", name)
		}
		return get(key), nil
	}
}
