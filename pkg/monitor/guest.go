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
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
)

// GuestMonitor collects statistics about one running guest. In threaded mode
// the manager gives it a dedicated worker running Run; in cooperative mode
// the manager calls Collect on its own tick.
type GuestMonitor struct {
	*Monitor
	logger   log.Logger
	interval time.Duration
}

// GuestOpts configures a GuestMonitor.
type GuestOpts struct {
	Collectors    string
	Interval      time.Duration
	HistoryLength int
	Hypervisor    hypervisor.Interface
}

func NewGuestMonitor(logger log.Logger, info *hypervisor.VMInfo, opts GuestOpts) (*GuestMonitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "guest", info.Name)
	props := Properties{
		"name":     info.Name,
		"uuid":     info.UUID,
		"pid":      int64(info.PID),
		"interval": int64(opts.Interval / time.Second),
	}
	collectors, err := NewCollectors(opts.Collectors, CollectorOpts{
		Logger:     logger,
		Props:      props,
		Hypervisor: opts.Hypervisor,
		Interval:   opts.Interval,
	})
	if err != nil {
		return nil, err
	}
	return &GuestMonitor{
		Monitor:  NewMonitor(logger, info.Name, props, collectors, opts.HistoryLength),
		logger:   logger,
		interval: opts.Interval,
	}, nil
}

// GuestName returns the guest name without touching the hypervisor.
func (g *GuestMonitor) GuestName() string {
	v, _ := g.Interrogatable().Prop("name").(string)
	return v
}

// Interrogatable exposes the properties for structured access even before
// the first sample; Interrogate returns nil until then.
func (g *GuestMonitor) Interrogatable() *Entity {
	m := g.Monitor
	m.mtx.Lock()
	defer m.mtx.Unlock()
	props := make(Properties, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	return NewEntity(props, nil)
}

// Run drives the threaded-mode collection loop.
func (g *GuestMonitor) Run(ctx context.Context) error {
	level.Info(g.logger).Log("msg", "guest monitor starting")
	defer level.Info(g.logger).Log("msg", "guest monitor ending")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for g.ShouldRun() {
		g.Collect()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
