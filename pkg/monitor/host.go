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
)

// HostMonitor collects statistics about the host on its own tick.
type HostMonitor struct {
	*Monitor
	logger   log.Logger
	interval time.Duration
}

// HostOpts configures a HostMonitor.
type HostOpts struct {
	Collectors    string // comma-separated collector names
	Interval      time.Duration
	HistoryLength int
	CollectorOpts CollectorOpts
}

func NewHostMonitor(logger log.Logger, opts HostOpts) (*HostMonitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	props := Properties{
		"name": "host",
		// Policies use the interval to turn counters into rates.
		"interval": int64(opts.Interval / time.Second),
	}
	copts := opts.CollectorOpts
	copts.Logger = logger
	copts.Props = props
	copts.Interval = opts.Interval
	collectors, err := NewCollectors(opts.Collectors, copts)
	if err != nil {
		return nil, err
	}
	return &HostMonitor{
		Monitor:  NewMonitor(logger, "host", props, collectors, opts.HistoryLength),
		logger:   logger,
		interval: opts.Interval,
	}, nil
}

// Run drives the collection loop until the context is canceled or the
// monitor is terminated.
func (h *HostMonitor) Run(ctx context.Context) error {
	level.Info(h.logger).Log("msg", "host monitor starting")
	defer level.Info(h.logger).Log("msg", "host monitor ending")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for h.ShouldRun() {
		h.Collect()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
