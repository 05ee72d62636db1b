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

package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/policy"
)

// stubCollector returns canned fields, or an error, per Collect call.
type stubCollector struct {
	fields   map[string]interface{}
	err      error
	required []string
	optional []string
}

func (c *stubCollector) Collect() (map[string]interface{}, error) { return c.fields, c.err }
func (c *stubCollector) Fields() []string                         { return c.required }
func (c *stubCollector) OptionalFields() []string                 { return c.optional }

func TestMonitorAcceptsCompleteSamples(t *testing.T) {
	t.Parallel()
	c := &stubCollector{
		fields:   map[string]interface{}{"a": int64(1), "b": int64(2)},
		required: []string{"a", "b"},
	}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 3)

	m.Collect()
	require.True(t, m.Ready())

	e := m.Interrogate()
	require.NotNil(t, e)
	assert.Equal(t, int64(1), e.Stat("a"))
	assert.Equal(t, int64(2), e.Stat("b"))
}

func TestMonitorDropsIncompleteSamples(t *testing.T) {
	t.Parallel()
	c := &stubCollector{
		fields:   map[string]interface{}{"a": int64(1)},
		required: []string{"a", "b"},
	}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 3)

	m.Collect()
	assert.False(t, m.Ready())
	assert.Nil(t, m.Interrogate())
}

func TestMonitorOptionalFieldsMayBeAbsent(t *testing.T) {
	t.Parallel()
	c := &stubCollector{
		fields:   map[string]interface{}{"a": int64(1)},
		required: []string{"a"},
		optional: []string{"maybe"},
	}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 3)

	m.Collect()
	assert.True(t, m.Ready())
}

// One collector failing must not prevent the others from contributing, but
// its required fields make the sample incomplete.
func TestMonitorCollectorIsolation(t *testing.T) {
	t.Parallel()
	good := &stubCollector{
		fields:   map[string]interface{}{"a": int64(1)},
		required: []string{"a"},
	}
	bad := &stubCollector{err: errors.New("boom")}
	m := NewMonitor(nil, "test", nil, []Collector{bad, good}, 3)

	m.Collect()
	require.True(t, m.Ready())
	assert.Equal(t, int64(1), m.Interrogate().Stat("a"))

	badRequired := &stubCollector{err: errors.New("boom"), required: []string{"x"}}
	m2 := NewMonitor(nil, "test2", nil, []Collector{good, badRequired}, 3)
	m2.Collect()
	assert.False(t, m2.Ready())
}

func TestMonitorRingIsBounded(t *testing.T) {
	t.Parallel()
	c := &stubCollector{fields: map[string]interface{}{"n": int64(0)}, required: []string{"n"}}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 2)

	for i := int64(1); i <= 5; i++ {
		c.fields = map[string]interface{}{"n": i}
		m.Collect()
	}
	stats := m.Interrogate().Statistics()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(4), stats[0].Fields["n"])
	assert.Equal(t, int64(5), stats[1].Fields["n"])
	assert.Equal(t, uint64(5), m.Generation())
}

// Interrogate must snapshot: later collections do not mutate an entity that
// was already handed out.
func TestMonitorInterrogateSnapshots(t *testing.T) {
	t.Parallel()
	c := &stubCollector{fields: map[string]interface{}{"n": int64(1)}, required: []string{"n"}}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 5)

	m.Collect()
	e := m.Interrogate()

	c.fields = map[string]interface{}{"n": int64(2)}
	m.Collect()
	assert.Equal(t, int64(1), e.Stat("n"))
	assert.Equal(t, int64(2), m.Interrogate().Stat("n"))
}

func TestMonitorShouldRun(t *testing.T) {
	t.Parallel()
	c := &stubCollector{fields: map[string]interface{}{}, required: nil}
	m := NewMonitor(nil, "test", nil, []Collector{c}, 3)
	assert.True(t, m.ShouldRun())
	m.Terminate()
	assert.False(t, m.ShouldRun())

	empty := NewMonitor(nil, "test", nil, nil, 3)
	assert.False(t, empty.ShouldRun())
}

func TestEntityControls(t *testing.T) {
	t.Parallel()
	e := NewEntity(Properties{"name": "g1"}, []Sample{
		{Fields: map[string]interface{}{"balloon_cur": int64(1024)}},
	})
	assert.Nil(t, e.GetControl("balloon_target"))
	e.SetControl("balloon_target", int64(512))
	assert.Equal(t, int64(512), e.GetControl("balloon_target"))
	assert.Equal(t, "g1", e.Prop("name"))
}

func TestEntityMember(t *testing.T) {
	t.Parallel()
	e := NewEntity(Properties{"name": "g1"}, []Sample{
		{Fields: map[string]interface{}{"balloon_cur": int64(1024)}},
	})

	v, ok := e.Member("balloon_cur")
	require.True(t, ok)
	assert.Equal(t, int64(1024), v)

	_, ok = e.Member("missing_stat")
	assert.False(t, ok)

	prop, ok := e.Member("Prop")
	require.True(t, ok)
	fn, ok := prop.(policy.Func)
	require.True(t, ok)
	name, err := fn("name")
	require.NoError(t, err)
	assert.Equal(t, "g1", name)
}

func TestEntityStatAvg(t *testing.T) {
	t.Parallel()
	e := NewEntity(nil, []Sample{
		{Fields: map[string]interface{}{"v": int64(1)}},
		{Fields: map[string]interface{}{"v": int64(3)}},
	})
	assert.Equal(t, 2.0, e.StatAvg("v"))
	assert.Nil(t, e.StatAvg("missing"))
}
