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

// Package controller dispatches the control variables produced by a policy
// run to the hypervisor.
package controller

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

// Controller reads control values written during policy evaluation and
// pushes the resulting changes through the hypervisor interface.
type Controller interface {
	Name() string
	Process(host *monitor.Entity, guests []*monitor.Entity) error
}

// Factory builds one named controller.
type Factory func(hyp hypervisor.Interface, logger log.Logger) Controller

var factories = map[string]Factory{
	"Balloon": newBalloon,
	"CpuTune": newCPUTune,
	"IoTune":  newIoTune,
	"KSM":     newKSM,
}

// New instantiates a comma-separated list of named controllers, preserving
// the configured order.
func New(list string, hyp hypervisor.Interface, logger log.Logger) ([]Controller, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var out []Controller
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown controller %q", name)
		}
		out = append(out, f(hyp, log.With(logger, "controller", name)))
	}
	return out, nil
}

// toInt coerces a policy-produced numeric control into an integer.
func toInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	return 0, false
}
