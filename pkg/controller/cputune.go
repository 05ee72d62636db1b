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
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

// cpuTune manipulates the guest CPU bandwidth pair (vcpu_quota in
// microseconds of runtime, vcpu_period as the enforcement interval).
type cpuTune struct {
	hyp    hypervisor.Interface
	logger log.Logger
}

func newCPUTune(hyp hypervisor.Interface, logger log.Logger) Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &cpuTune{hyp: hyp, logger: logger}
}

func (c *cpuTune) Name() string { return "CpuTune" }

// changedVal keeps the previous value when the policy produced nil; a nil
// control is the policy opting out for that knob.
func changedVal(val, prev interface{}) interface{} {
	if val != nil && !valueEqual(val, prev) {
		return val
	}
	return prev
}

func valueEqual(a, b interface{}) bool {
	ai, aok := toInt(a)
	bi, bok := toInt(b)
	if aok && bok {
		return ai == bi
	}
	return a == b
}

func (c *cpuTune) Process(_ *monitor.Entity, guests []*monitor.Entity) error {
	var firstErr error
	for _, g := range guests {
		if err := c.processGuest(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *cpuTune) processGuest(guest *monitor.Entity) error {
	prevQuota := guest.Stat("vcpu_quota")
	prevPeriod := guest.Stat("vcpu_period")

	quota := changedVal(guest.GetControl("vcpu_quota"), prevQuota)
	period := changedVal(guest.GetControl("vcpu_period"), prevPeriod)
	if valueEqual(quota, prevQuota) && valueEqual(period, prevPeriod) {
		return nil
	}

	quotaInt, ok := toInt(quota)
	if !ok {
		return nil
	}
	periodInt, ok := toInt(period)
	if !ok {
		return nil
	}

	uuid, _ := guest.Prop("uuid").(string)
	name, _ := guest.Prop("name").(string)
	level.Info(c.logger).Log(
		"msg", "tuning guest cpu bandwidth", "guest", name,
		"prev_quota", prevQuota, "prev_period", prevPeriod,
		"quota", quotaInt, "period", periodInt,
	)
	if err := c.hyp.SetVmCpuTune(uuid, quotaInt, periodInt); err != nil {
		return fmt.Errorf("tuning cpu for guest %s: %w", name, err)
	}
	return nil
}
