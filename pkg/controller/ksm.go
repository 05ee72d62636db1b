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
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

// ksm tunes the kernel same-page-merging daemon through four host-wide
// knobs, pushed as one batch whenever any of them changes:
//
//	ksm_run                - 0 stop, 1 run, 2 unmerge shared pages
//	ksm_pages_to_scan      - pages scanned per work unit
//	ksm_sleep_millisecs    - sleep between scans
//	ksm_merge_across_nodes - 1 merge across all nodes, 0 per NUMA node
type ksm struct {
	hyp    hypervisor.Interface
	logger log.Logger
	cur    map[string]int64
}

func newKSM(hyp hypervisor.Interface, logger log.Logger) Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ksm{
		hyp:    hyp,
		logger: logger,
		// merge_across_nodes starts at an impossible value so the first
		// policy-produced value is always applied.
		cur: map[string]int64{
			"run":                0,
			"pages_to_scan":      0,
			"sleep_millisecs":    0,
			"merge_across_nodes": 8,
		},
	}
}

func (c *ksm) Name() string { return "KSM" }

func (c *ksm) Process(host *monitor.Entity, _ []*monitor.Entity) error {
	outputs := hypervisor.KSMParams{}
	keys := make([]string, 0, len(c.cur))
	for k := range c.cur {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, ok := toInt(host.GetControl("ksm_" + key))
		if !ok {
			continue
		}
		if v != c.cur[key] {
			outputs[key] = v
			c.cur[key] = v
		}
	}
	if len(outputs) == 0 {
		return nil
	}

	level.Info(c.logger).Log("msg", "updating KSM configuration", "state", fmt.Sprintf("%v", c.cur))
	if err := c.hyp.KsmTune(outputs); err != nil {
		return fmt.Errorf("tuning ksm: %w", err)
	}
	return nil
}
