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

// balloon adjusts guest memory balloon targets. A target is applied when it
// differs from the current balloon level, clamped into the guest's
// [balloon_min, balloon_max] envelope.
type balloon struct {
	hyp    hypervisor.Interface
	logger log.Logger
}

func newBalloon(hyp hypervisor.Interface, logger log.Logger) Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &balloon{hyp: hyp, logger: logger}
}

func (c *balloon) Name() string { return "Balloon" }

func (c *balloon) Process(_ *monitor.Entity, guests []*monitor.Entity) error {
	var firstErr error
	for _, g := range guests {
		if err := c.processGuest(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *balloon) processGuest(guest *monitor.Entity) error {
	target, ok := toInt(guest.GetControl("balloon_target"))
	if !ok {
		// The policy did not produce a target for this guest.
		return nil
	}
	cur, ok := toInt(guest.Stat("balloon_cur"))
	if !ok {
		return nil
	}
	if min, ok := toInt(guest.Stat("balloon_min")); ok && target < min {
		target = min
	}
	if max, ok := toInt(guest.Stat("balloon_max")); ok && target > max {
		target = max
	}
	if target == cur {
		return nil
	}

	uuid, _ := guest.Prop("uuid").(string)
	name, _ := guest.Prop("name").(string)
	level.Info(c.logger).Log("msg", "ballooning guest", "guest", name, "from", cur, "to", target)
	if err := c.hyp.SetVmBalloonTarget(uuid, target); err != nil {
		return fmt.Errorf("ballooning guest %s: %w", name, err)
	}
	return nil
}
