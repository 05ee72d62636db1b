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
	"strings"
	"time"

	"github.com/go-kit/log"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
)

// Collector reads one metric family into a monitor's sample. Fields lists
// the field names a sample must contain for this collector's data to be
// considered complete; OptionalFields may or may not appear.
type Collector interface {
	Collect() (map[string]interface{}, error)
	Fields() []string
	OptionalFields() []string
}

// CollectorOpts carries everything a collector factory may need.
type CollectorOpts struct {
	Logger     log.Logger
	Props      Properties
	Hypervisor hypervisor.Interface
	Interval   time.Duration

	// Roots for file-based host collectors, overridable in tests.
	ProcRoot string
	SysRoot  string
}

func (o CollectorOpts) procRoot() string {
	if o.ProcRoot == "" {
		return "/proc"
	}
	return o.ProcRoot
}

func (o CollectorOpts) sysRoot() string {
	if o.SysRoot == "" {
		return "/sys"
	}
	return o.SysRoot
}

func (o CollectorOpts) uuid() (string, error) {
	u, ok := o.Props["uuid"].(string)
	if !ok || u == "" {
		return "", fmt.Errorf("collector requires a uuid property")
	}
	return u, nil
}

// CollectorFactory builds one named collector.
type CollectorFactory func(opts CollectorOpts) (Collector, error)

var collectorFactories = map[string]CollectorFactory{
	"HostMemory":           newHostMemory,
	"HostCpu":              newHostCPU,
	"HostTime":             newHostTime,
	"HostKSM":              newHostKSM,
	"GuestMemory":          newGuestMemory,
	"GuestMemoryOptional":  newGuestMemoryOptional,
	"GuestBalloon":         newGuestBalloon,
	"GuestBalloonOptional": newGuestBalloonOptional,
	"GuestCpuTune":         newGuestCPUTune,
	"GuestIoTune":          newGuestIoTune,
	"GuestIoTuneOptional":  newGuestIoTuneOptional,
}

// NewCollectors instantiates a comma-separated list of named collectors.
func NewCollectors(list string, opts CollectorOpts) ([]Collector, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	var out []Collector
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := collectorFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown collector %q", name)
		}
		c, err := f(opts)
		if err != nil {
			return nil, fmt.Errorf("initializing collector %q: %w", name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// onceLogger reports a recurring problem one time when it first appears, so
// a flapping statistics source does not overrun the log.
type onceLogger struct {
	logger    log.Logger
	available bool
}

func newOnceLogger(logger log.Logger) *onceLogger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &onceLogger{logger: logger, available: true}
}

func (o *onceLogger) fail(msg string, err error) {
	if o.available {
		o.logger.Log("msg", msg, "err", err)
	}
	o.available = false
}

func (o *onceLogger) ok() {
	o.available = true
}
