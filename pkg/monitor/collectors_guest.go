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
	"fmt"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/policy"
)

// guestMemory collects guest memory statistics through the hypervisor
// interface. An unavailable statistics source yields an empty result rather
// than an error: another collector may still deliver the fields, and the
// monitor detects missing required fields either way.
type guestMemory struct {
	hyp      hypervisor.Interface
	uuid     string
	errs     *onceLogger
	optional bool
}

func newGuestMemory(opts CollectorOpts) (Collector, error) {
	return newGuestMemoryCollector(opts, false)
}

func newGuestMemoryOptional(opts CollectorOpts) (Collector, error) {
	return newGuestMemoryCollector(opts, true)
}

func newGuestMemoryCollector(opts CollectorOpts, optional bool) (Collector, error) {
	uuid, err := opts.uuid()
	if err != nil {
		return nil, err
	}
	c := &guestMemory{
		hyp:      opts.Hypervisor,
		uuid:     uuid,
		errs:     newOnceLogger(opts.Logger),
		optional: optional,
	}
	if err := c.hyp.StartVmMemoryStats(uuid); err != nil {
		c.errs.fail("unable to enable guest memory statistics", err)
	}
	return c, nil
}

func (c *guestMemory) Fields() []string {
	if c.optional {
		return nil
	}
	return hypervisor.MemoryStatsFields
}

func (c *guestMemory) OptionalFields() []string {
	if c.optional {
		return append(append([]string(nil), hypervisor.MemoryStatsFields...),
			hypervisor.OptionalMemoryStatsFields...)
	}
	return hypervisor.OptionalMemoryStatsFields
}

func (c *guestMemory) Collect() (map[string]interface{}, error) {
	stats, err := c.hyp.GetVmMemoryStats(c.uuid)
	if err != nil {
		c.errs.fail("GetVmMemoryStats failed", err)
		return nil, nil
	}
	c.errs.ok()
	return stats, nil
}

// guestBalloon reports the balloon configuration of a guest.
type guestBalloon struct {
	hyp      hypervisor.Interface
	uuid     string
	errs     *onceLogger
	optional bool
}

var balloonFields = []string{"balloon_cur", "balloon_max", "balloon_min"}

func newGuestBalloon(opts CollectorOpts) (Collector, error) {
	return newGuestBalloonCollector(opts, false)
}

// newGuestBalloonOptional reports the same data with every field optional,
// so the policy can still run while the balloon device is unavailable.
func newGuestBalloonOptional(opts CollectorOpts) (Collector, error) {
	return newGuestBalloonCollector(opts, true)
}

func newGuestBalloonCollector(opts CollectorOpts, optional bool) (Collector, error) {
	uuid, err := opts.uuid()
	if err != nil {
		return nil, err
	}
	return &guestBalloon{
		hyp:      opts.Hypervisor,
		uuid:     uuid,
		errs:     newOnceLogger(opts.Logger),
		optional: optional,
	}, nil
}

func (c *guestBalloon) Fields() []string {
	if c.optional {
		return nil
	}
	return balloonFields
}

func (c *guestBalloon) OptionalFields() []string {
	if c.optional {
		return balloonFields
	}
	return nil
}

func (c *guestBalloon) Collect() (map[string]interface{}, error) {
	info, err := c.hyp.GetVmBalloonInfo(c.uuid)
	if err != nil {
		c.errs.fail("GetVmBalloonInfo failed", err)
		return nil, nil
	}
	c.errs.ok()
	return map[string]interface{}{
		"balloon_cur": info.Cur,
		"balloon_max": info.Max,
		"balloon_min": info.Min,
	}, nil
}

// guestCPUTune reports the current CPU bandwidth configuration of a guest.
type guestCPUTune struct {
	hyp  hypervisor.Interface
	uuid string
	errs *onceLogger
}

func newGuestCPUTune(opts CollectorOpts) (Collector, error) {
	uuid, err := opts.uuid()
	if err != nil {
		return nil, err
	}
	return &guestCPUTune{hyp: opts.Hypervisor, uuid: uuid, errs: newOnceLogger(opts.Logger)}, nil
}

func (c *guestCPUTune) Fields() []string {
	return []string{"vcpu_quota", "vcpu_period", "vcpu_user_limit", "vcpu_count"}
}

func (c *guestCPUTune) OptionalFields() []string { return nil }

func (c *guestCPUTune) Collect() (map[string]interface{}, error) {
	info, err := c.hyp.GetVmCpuTuneInfo(c.uuid)
	if err != nil {
		c.errs.fail("GetVmCpuTuneInfo failed", err)
		return nil, nil
	}
	c.errs.ok()
	return map[string]interface{}{
		"vcpu_quota":      info.Quota,
		"vcpu_period":     info.Period,
		"vcpu_user_limit": info.UserLimit,
		"vcpu_count":      info.Count,
	}, nil
}

// IoTuneDevice is the policy-visible view of one device's I/O limits. The
// policy reads the guaranteed/maximum envelope and adjusts the current
// limits through the setter members; the IoTune controller then diffs the
// adjusted limits against the applied state.
type IoTuneDevice struct {
	Name       string
	Path       string
	Guaranteed hypervisor.IoTuneLimits
	Maximum    hypervisor.IoTuneLimits
	Current    hypervisor.IoTuneLimits
}

// State returns the device's current limits as a hypervisor state entry.
func (d *IoTuneDevice) State() hypervisor.IoTuneState {
	return hypervisor.IoTuneState{Name: d.Name, Path: d.Path, IoTune: d.Current}
}

func (d *IoTuneDevice) Member(name string) (interface{}, bool) {
	switch name {
	case "name":
		return d.Name, true
	case "path":
		return d.Path, true
	case "guaranteed":
		return limitsView(d.Guaranteed), true
	case "maximum":
		return limitsView(d.Maximum), true
	case "current":
		return limitsView(d.Current), true
	case "setTotalBytesSec":
		return d.setter("total_bytes_sec"), true
	case "setReadBytesSec":
		return d.setter("read_bytes_sec"), true
	case "setWriteBytesSec":
		return d.setter("write_bytes_sec"), true
	case "setTotalIopsSec":
		return d.setter("total_iops_sec"), true
	case "setReadIopsSec":
		return d.setter("read_iops_sec"), true
	case "setWriteIopsSec":
		return d.setter("write_iops_sec"), true
	}
	return nil, false
}

func (d *IoTuneDevice) setter(key string) policy.Func {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("setter for %s requires exactly one argument", key)
		}
		switch v := args[0].(type) {
		case int64:
			d.Current[key] = v
		case float64:
			d.Current[key] = int64(v)
		default:
			return nil, fmt.Errorf("setter for %s requires a numeric argument", key)
		}
		return args[0], nil
	}
}

// limitsView exposes an I/O limit map to policy member access.
type limitsView hypervisor.IoTuneLimits

func (l limitsView) Member(name string) (interface{}, bool) {
	v, ok := l[name]
	if !ok {
		return nil, false
	}
	return v, true
}

// guestIoTune joins the declared I/O limit policy of each device with its
// currently applied state.
type guestIoTune struct {
	hyp      hypervisor.Interface
	uuid     string
	errs     *onceLogger
	optional bool
}

var ioTuneFields = []string{"io_tune", "io_tune_current"}

func newGuestIoTune(opts CollectorOpts) (Collector, error) {
	return newGuestIoTuneCollector(opts, false)
}

func newGuestIoTuneOptional(opts CollectorOpts) (Collector, error) {
	return newGuestIoTuneCollector(opts, true)
}

func newGuestIoTuneCollector(opts CollectorOpts, optional bool) (Collector, error) {
	uuid, err := opts.uuid()
	if err != nil {
		return nil, err
	}
	return &guestIoTune{
		hyp:      opts.Hypervisor,
		uuid:     uuid,
		errs:     newOnceLogger(opts.Logger),
		optional: optional,
	}, nil
}

func (c *guestIoTune) Fields() []string {
	if c.optional {
		return nil
	}
	return ioTuneFields
}

func (c *guestIoTune) OptionalFields() []string {
	if c.optional {
		return ioTuneFields
	}
	return nil
}

func (c *guestIoTune) Collect() (map[string]interface{}, error) {
	policies, err := c.hyp.GetVmIoTunePolicy(c.uuid)
	if err != nil || len(policies) == 0 {
		c.errs.fail("GetVmIoTunePolicy is not ready", err)
		return nil, nil
	}
	states, err := c.hyp.GetVmIoTune(c.uuid)
	if err != nil || len(states) == 0 {
		c.errs.fail("GetVmIoTune is not ready", err)
		return nil, nil
	}
	c.errs.ok()

	findState := func(name, path string) *hypervisor.IoTuneState {
		for i := range states {
			if path != "" && states[i].Path == path {
				return &states[i]
			}
			if (path == "" || states[i].Path == "") && states[i].Name == name {
				return &states[i]
			}
		}
		return nil
	}

	var devices []interface{}
	var current []hypervisor.IoTuneState
	for _, p := range policies {
		state := findState(p.Name, p.Path)
		if state == nil {
			// The policy names a device that no longer exists.
			continue
		}
		devices = append(devices, &IoTuneDevice{
			Name:       state.Name,
			Path:       state.Path,
			Guaranteed: p.Guaranteed,
			Maximum:    p.Maximum,
			Current:    state.Clone().IoTune,
		})
		current = append(current, state.Clone())
	}
	return map[string]interface{}{
		"io_tune":         devices,
		"io_tune_current": current,
	}, nil
}
