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

// Package hypervisor defines the narrow interface through which the daemon
// observes and tunes virtual machines, together with the adapters that
// implement it.
package hypervisor

import (
	"errors"
	"fmt"
)

// ErrUnavailable signals that information is missing this tick, typically
// because of a transient transport failure. Adapters wrap transient errors
// into it so callers can treat the sample as absent instead of crashing a
// worker.
var ErrUnavailable = errors.New("hypervisor information unavailable")

// VMInfo identifies one running guest. All fields must be populated; a
// partially resolved guest is reported as unavailable.
type VMInfo struct {
	UUID string
	Name string
	PID  int
}

// Complete reports whether every identifying field was resolved.
func (i *VMInfo) Complete() bool {
	return i != nil && i.UUID != "" && i.Name != "" && i.PID != 0
}

// BalloonInfo is the current balloon configuration of a guest, in KiB.
type BalloonInfo struct {
	Cur int64
	Max int64
	Min int64
}

// CPUTuneInfo is the current CPU bandwidth configuration of a guest.
type CPUTuneInfo struct {
	Quota     int64
	Period    int64
	UserLimit int64
	Count     int64
}

// IoTuneLimits is one device's I/O limit set (bytes/sec and iops/sec knobs).
type IoTuneLimits map[string]int64

// IoTunePolicy is the operator-declared I/O limit envelope for one device.
type IoTunePolicy struct {
	Name       string
	Path       string
	Guaranteed IoTuneLimits
	Maximum    IoTuneLimits
}

// IoTuneState is the currently applied I/O limit set for one device.
type IoTuneState struct {
	Name   string
	Path   string
	IoTune IoTuneLimits
}

// Clone returns a deep copy of the state entry.
func (s IoTuneState) Clone() IoTuneState {
	out := IoTuneState{Name: s.Name, Path: s.Path, IoTune: make(IoTuneLimits, len(s.IoTune))}
	for k, v := range s.IoTune {
		out.IoTune[k] = v
	}
	return out
}

// KSMParams is a batch of host-wide kernel same-page-merging knobs. Only the
// keys present in the map are written. Recognized keys: run, pages_to_scan,
// sleep_millisecs, merge_across_nodes.
type KSMParams map[string]int64

// MemoryStatsFields are the guest memory statistics every adapter must be
// able to deliver; OptionalMemoryStatsFields may additionally be present.
var (
	MemoryStatsFields = []string{
		"mem_available", "mem_unused", "major_fault", "minor_fault",
		"swap_in", "swap_out",
	}
	OptionalMemoryStatsFields = []string{"swap_total", "swap_usage"}
)

// Interface is the capability set the daemon consumes. Implementations must
// be safe for use from multiple goroutines.
type Interface interface {
	// GetVmList returns the ids of all running guests.
	GetVmList() ([]string, error)
	// GetVmInfo resolves a guest id into its identifying record.
	GetVmInfo(id string) (*VMInfo, error)

	// StartVmMemoryStats enables periodic memory statistics for a guest.
	StartVmMemoryStats(uuid string) error
	// GetVmMemoryStats returns the current guest memory statistics keyed by
	// the MemoryStatsFields names.
	GetVmMemoryStats(uuid string) (map[string]interface{}, error)

	GetVmBalloonInfo(uuid string) (*BalloonInfo, error)
	SetVmBalloonTarget(uuid string, target int64) error

	GetVmCpuTuneInfo(uuid string) (*CPUTuneInfo, error)
	SetVmCpuTune(uuid string, quota, period int64) error

	GetVmIoTunePolicy(id string) ([]IoTunePolicy, error)
	GetVmIoTune(id string) ([]IoTuneState, error)
	SetVmIoTune(id string, tunes []IoTuneState) error

	// KsmTune applies a batch of host-wide KSM knobs.
	KsmTune(params KSMParams) error

	Close() error
}

// Factory builds a named adapter. Adapters register themselves in init so
// that optional bindings (libvirt needs cgo) stay behind build tags.
type Factory func(opts Options) (Interface, error)

// Options carries adapter construction parameters.
type Options struct {
	// URI selects the hypervisor endpoint, e.g. qemu:///system.
	URI string
	// StatsPeriodSeconds is the collection period configured for guest
	// memory statistics.
	StatsPeriodSeconds int
}

var factories = map[string]Factory{}

// Register makes an adapter available under a name. Called from init.
func Register(name string, f Factory) {
	factories[name] = f
}

// New builds the named adapter.
func New(name string, opts Options) (Interface, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown hypervisor interface %q", name)
	}
	return f(opts)
}
