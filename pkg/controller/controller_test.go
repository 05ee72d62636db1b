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

package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

func guestEntity(uuid string, stats map[string]interface{}) *monitor.Entity {
	return monitor.NewEntity(
		monitor.Properties{"uuid": uuid, "name": "guest-" + uuid},
		[]monitor.Sample{{Fields: stats}},
	)
}

func TestNewPreservesOrder(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	cs, err := New("KSM, Balloon ,CpuTune", fake, nil)
	require.NoError(t, err)
	require.Len(t, cs, 3)
	assert.Equal(t, "KSM", cs[0].Name())
	assert.Equal(t, "Balloon", cs[1].Name())
	assert.Equal(t, "CpuTune", cs[2].Name())

	_, err = New("Nope", fake, nil)
	require.Error(t, err)
}

func TestBalloonAppliesTargetWithinBounds(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})

	g := guestEntity("u1", map[string]interface{}{
		"balloon_cur": int64(1000),
		"balloon_min": int64(500),
		"balloon_max": int64(2000),
	})
	g.SetControl("balloon_target", int64(800))

	c := newBalloon(fake, nil)
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Equal(t, []int64{800}, fake.BalloonTargets["u1"])
}

func TestBalloonClampsToEnvelope(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newBalloon(fake, nil)

	low := guestEntity("u1", map[string]interface{}{
		"balloon_cur": int64(1000), "balloon_min": int64(500), "balloon_max": int64(2000),
	})
	low.SetControl("balloon_target", int64(100))
	require.NoError(t, c.Process(nil, []*monitor.Entity{low}))

	high := guestEntity("u1", map[string]interface{}{
		"balloon_cur": int64(500), "balloon_min": int64(500), "balloon_max": int64(2000),
	})
	high.SetControl("balloon_target", int64(9999))
	require.NoError(t, c.Process(nil, []*monitor.Entity{high}))

	assert.Equal(t, []int64{500, 2000}, fake.BalloonTargets["u1"])
}

func TestBalloonSkipsWithoutTargetOrChange(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newBalloon(fake, nil)

	noTarget := guestEntity("u1", map[string]interface{}{"balloon_cur": int64(1000)})
	require.NoError(t, c.Process(nil, []*monitor.Entity{noTarget}))

	unchanged := guestEntity("u1", map[string]interface{}{
		"balloon_cur": int64(1000), "balloon_min": int64(0), "balloon_max": int64(2000),
	})
	unchanged.SetControl("balloon_target", int64(1000))
	require.NoError(t, c.Process(nil, []*monitor.Entity{unchanged}))

	assert.Empty(t, fake.BalloonTargets["u1"])
}

func TestCPUTuneAppliesChangedPair(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newCPUTune(fake, nil)

	g := guestEntity("u1", map[string]interface{}{
		"vcpu_quota": int64(-1), "vcpu_period": int64(100000),
	})
	g.SetControl("vcpu_quota", int64(50000))
	g.SetControl("vcpu_period", int64(100000))
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Equal(t, [][2]int64{{50000, 100000}}, fake.CPUTuneCalls["u1"])
}

// A nil control keeps the previous value: the policy opted out of that knob.
func TestCPUTuneNilPreservesPrevious(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newCPUTune(fake, nil)

	g := guestEntity("u1", map[string]interface{}{
		"vcpu_quota": int64(1000), "vcpu_period": int64(100000),
	})
	g.SetControl("vcpu_quota", int64(2000)) // vcpu_period control stays nil
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Equal(t, [][2]int64{{2000, 100000}}, fake.CPUTuneCalls["u1"])
}

func TestCPUTuneSkipsWhenUnchanged(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newCPUTune(fake, nil)

	g := guestEntity("u1", map[string]interface{}{
		"vcpu_quota": int64(1000), "vcpu_period": int64(100000),
	})
	g.SetControl("vcpu_quota", int64(1000))
	g.SetControl("vcpu_period", int64(100000))
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Empty(t, fake.CPUTuneCalls["u1"])
}

// Floats produced by policy arithmetic are coerced to integers.
func TestCPUTuneCoercesFloats(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newCPUTune(fake, nil)

	g := guestEntity("u1", map[string]interface{}{
		"vcpu_quota": int64(1000), "vcpu_period": int64(100000),
	})
	g.SetControl("vcpu_quota", 2500.7)
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Equal(t, [][2]int64{{2500, 100000}}, fake.CPUTuneCalls["u1"])
}

func ioGuest(uuid string, current, prev hypervisor.IoTuneLimits) *monitor.Entity {
	dev := &monitor.IoTuneDevice{
		Name:    "vda",
		Path:    "/dev/vda",
		Current: current,
	}
	return guestEntity(uuid, map[string]interface{}{
		"io_tune":         []interface{}{dev},
		"io_tune_current": []hypervisor.IoTuneState{{Name: "vda", Path: "/dev/vda", IoTune: prev}},
	})
}

func TestIoTunePushesChangedDevices(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{
		Info:         hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1},
		IoTuneStates: []hypervisor.IoTuneState{{Name: "vda", IoTune: hypervisor.IoTuneLimits{}}},
	})
	c := newIoTune(fake, nil)

	g := ioGuest("u1",
		hypervisor.IoTuneLimits{"total_bytes_sec": 2000},
		hypervisor.IoTuneLimits{"total_bytes_sec": 1000},
	)
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	require.Len(t, fake.IoTuneCalls["u1"], 1)
	assert.Equal(t, int64(2000), fake.IoTuneCalls["u1"][0][0].IoTune["total_bytes_sec"])
}

func TestIoTuneSkipsWhenEqual(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	fake.AddVM(&hypervisor.FakeVM{Info: hypervisor.VMInfo{UUID: "u1", Name: "g", PID: 1}})
	c := newIoTune(fake, nil)

	g := ioGuest("u1",
		hypervisor.IoTuneLimits{"total_bytes_sec": 1000},
		hypervisor.IoTuneLimits{"total_bytes_sec": 1000},
	)
	require.NoError(t, c.Process(nil, []*monitor.Entity{g}))
	assert.Empty(t, fake.IoTuneCalls["u1"])
}

func TestKSMPushesBatchOnChange(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	c := newKSM(fake, nil)

	host := monitor.NewEntity(nil, []monitor.Sample{{Fields: map[string]interface{}{}}})
	host.SetControl("ksm_run", int64(1))
	host.SetControl("ksm_pages_to_scan", int64(100))
	require.NoError(t, c.Process(host, nil))

	require.Len(t, fake.KsmCalls, 1)
	assert.Equal(t, hypervisor.KSMParams{"run": 1, "pages_to_scan": 100}, fake.KsmCalls[0])

	// Same controls again: nothing new to push.
	host2 := monitor.NewEntity(nil, []monitor.Sample{{Fields: map[string]interface{}{}}})
	host2.SetControl("ksm_run", int64(1))
	host2.SetControl("ksm_pages_to_scan", int64(100))
	require.NoError(t, c.Process(host2, nil))
	assert.Len(t, fake.KsmCalls, 1)

	// One knob changes: only the delta is in the batch.
	host3 := monitor.NewEntity(nil, []monitor.Sample{{Fields: map[string]interface{}{}}})
	host3.SetControl("ksm_run", int64(1))
	host3.SetControl("ksm_sleep_millisecs", int64(10))
	require.NoError(t, c.Process(host3, nil))
	require.Len(t, fake.KsmCalls, 2)
	assert.Equal(t, hypervisor.KSMParams{"sleep_millisecs": 10}, fake.KsmCalls[1])
}

func TestKSMFirstMergeAcrossNodesAlwaysApplies(t *testing.T) {
	t.Parallel()
	fake := hypervisor.NewFake()
	c := newKSM(fake, nil)

	host := monitor.NewEntity(nil, []monitor.Sample{{Fields: map[string]interface{}{}}})
	host.SetControl("ksm_merge_across_nodes", int64(1))
	require.NoError(t, c.Process(host, nil))
	require.Len(t, fake.KsmCalls, 1)
	assert.Equal(t, hypervisor.KSMParams{"merge_across_nodes": 1}, fake.KsmCalls[0])
}
