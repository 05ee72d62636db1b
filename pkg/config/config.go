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

// Package config holds the daemon configuration: built-in defaults, an
// optional YAML configuration file, and a few command-line overrides on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config is the full option set recognized by the daemon.
type Config struct {
	MainLoopInterval     model.Duration `yaml:"main-loop-interval"`
	HostMonitorInterval  model.Duration `yaml:"host-monitor-interval"`
	GuestManagerInterval model.Duration `yaml:"guest-manager-interval"`
	GuestMonitorInterval model.Duration `yaml:"guest-monitor-interval"`
	PolicyEngineInterval model.Duration `yaml:"policy-engine-interval"`

	SampleHistoryLength int `yaml:"sample-history-length"`

	// Policy is a single policy file; PolicyDir a directory of *.policy
	// fragments. They are mutually exclusive.
	Policy    string `yaml:"policy"`
	PolicyDir string `yaml:"policy-dir"`

	Controllers     string `yaml:"controllers"`
	HostCollectors  string `yaml:"host-collectors"`
	GuestCollectors string `yaml:"guest-collectors"`

	// GuestManagerMultiThread selects one collection worker per guest;
	// with it off the guest manager collects cooperatively on its tick.
	GuestManagerMultiThread bool `yaml:"guest-manager-multi-thread"`

	HypervisorInterface string `yaml:"hypervisor-interface"`
	LibvirtURI          string `yaml:"libvirt-hypervisor-uri"`

	ListenAddress string `yaml:"web-listen-address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MainLoopInterval:        model.Duration(5 * time.Second),
		HostMonitorInterval:     model.Duration(5 * time.Second),
		GuestManagerInterval:    model.Duration(5 * time.Second),
		GuestMonitorInterval:    model.Duration(5 * time.Second),
		PolicyEngineInterval:    model.Duration(10 * time.Second),
		SampleHistoryLength:     10,
		Controllers:             "Balloon",
		HostCollectors:          "HostMemory",
		GuestCollectors:         "GuestMemory, GuestBalloon",
		GuestManagerMultiThread: true,
		HypervisorInterface:     "libvirt",
		ListenAddress:           ":8622",
	}
}

// Load parses a YAML configuration on top of the defaults, rejecting
// unknown fields.
func Load(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("reading configuration file: %w", err)
	}
	return Load(data)
}

// Validate rejects inconsistent option combinations.
func (c Config) Validate() error {
	if c.Policy != "" && c.PolicyDir != "" {
		return fmt.Errorf("only one of 'policy' and 'policy-dir' may be specified")
	}
	for name, d := range map[string]model.Duration{
		"main-loop-interval":     c.MainLoopInterval,
		"host-monitor-interval":  c.HostMonitorInterval,
		"guest-manager-interval": c.GuestManagerInterval,
		"guest-monitor-interval": c.GuestMonitorInterval,
		"policy-engine-interval": c.PolicyEngineInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.SampleHistoryLength <= 0 {
		return fmt.Errorf("sample-history-length must be positive")
	}
	return nil
}
