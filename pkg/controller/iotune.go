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
	"reflect"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

// ioTune pushes per-device I/O limit changes. Devices are compared
// positionally: the policy-adjusted device at index i is diffed against the
// previously applied state at index i.
type ioTune struct {
	hyp    hypervisor.Interface
	logger log.Logger
}

func newIoTune(hyp hypervisor.Interface, logger log.Logger) Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ioTune{hyp: hyp, logger: logger}
}

func (c *ioTune) Name() string { return "IoTune" }

func (c *ioTune) Process(_ *monitor.Entity, guests []*monitor.Entity) error {
	var firstErr error
	for _, g := range guests {
		if err := c.processGuest(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *ioTune) processGuest(guest *monitor.Entity) error {
	devices, _ := guest.Stat("io_tune").([]interface{})
	prev, _ := guest.Stat("io_tune_current").([]hypervisor.IoTuneState)
	if len(devices) == 0 || len(prev) == 0 || len(devices) != len(prev) {
		return nil
	}

	var changed []hypervisor.IoTuneState
	for i, d := range devices {
		dev, ok := d.(*monitor.IoTuneDevice)
		if !ok {
			continue
		}
		if reflect.DeepEqual(dev.Current, prev[i].IoTune) {
			continue
		}
		changed = append(changed, dev.State())
	}
	if len(changed) == 0 {
		return nil
	}

	uuid, _ := guest.Prop("uuid").(string)
	name, _ := guest.Prop("name").(string)
	level.Info(c.logger).Log("msg", "updating io limits", "guest", name, "devices", len(changed))
	if err := c.hyp.SetVmIoTune(uuid, changed); err != nil {
		return fmt.Errorf("tuning io for guest %s: %w", name, err)
	}
	return nil
}
