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

package hypervisor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/optional"
)

func init() {
	Register("fake", func(Options) (Interface, error) {
		return NewFake(), nil
	})
}

// FakeVM is the mutable state of one guest inside the Fake adapter.
type FakeVM struct {
	Info           VMInfo
	MemStats       map[string]interface{}
	Balloon        BalloonInfo
	CPUTune        CPUTuneInfo
	IoTunePolicies []IoTunePolicy
	IoTuneStates   []IoTuneState
	StatsStarted   bool
}

// Fake is an in-memory hypervisor used by tests and by the fake run mode.
// Mutators record the applied values so assertions can observe controller
// output.
type Fake struct {
	mtx sync.Mutex

	vms         map[string]*FakeVM
	unavailable bool

	BalloonTargets map[string][]int64
	CPUTuneCalls   map[string][][2]int64
	IoTuneCalls    map[string][][]IoTuneState
	KsmCalls       []KSMParams
}

var _ Interface = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		vms:            map[string]*FakeVM{},
		BalloonTargets: map[string][]int64{},
		CPUTuneCalls:   map[string][][2]int64{},
		IoTuneCalls:    map[string][][]IoTuneState{},
	}
}

// AddVM registers a guest under its UUID, which doubles as the list id.
func (f *Fake) AddVM(vm *FakeVM) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.vms[vm.Info.UUID] = vm
}

func (f *Fake) RemoveVM(uuid string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.vms, uuid)
}

// SetUnavailable makes every getter fail with ErrUnavailable, simulating a
// broken hypervisor connection.
func (f *Fake) SetUnavailable(v bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.unavailable = v
}

func (f *Fake) lookup(uuid string) optional.Optional[*FakeVM] {
	vm, ok := f.vms[uuid]
	if !ok {
		return optional.None[*FakeVM]()
	}
	return optional.Some(vm)
}

func (f *Fake) GetVmList() ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	ids := make([]string, 0, len(f.vms))
	for id := range f.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Fake) GetVmInfo(id string) (*VMInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(id).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	info := vm.Info
	return &info, nil
}

func (f *Fake) StartVmMemoryStats(uuid string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return err
	}
	vm.StatsStarted = true
	return nil
}

func (f *Fake) GetVmMemoryStats(uuid string) (map[string]interface{}, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(vm.MemStats))
	for k, v := range vm.MemStats {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) GetVmBalloonInfo(uuid string) (*BalloonInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	b := vm.Balloon
	return &b, nil
}

func (f *Fake) SetVmBalloonTarget(uuid string, target int64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return err
	}
	vm.Balloon.Cur = target
	f.BalloonTargets[uuid] = append(f.BalloonTargets[uuid], target)
	return nil
}

func (f *Fake) GetVmCpuTuneInfo(uuid string) (*CPUTuneInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	c := vm.CPUTune
	return &c, nil
}

func (f *Fake) SetVmCpuTune(uuid string, quota, period int64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	vm, err := f.lookup(uuid).OrErr(ErrUnavailable)
	if err != nil {
		return err
	}
	vm.CPUTune.Quota = quota
	vm.CPUTune.Period = period
	f.CPUTuneCalls[uuid] = append(f.CPUTuneCalls[uuid], [2]int64{quota, period})
	return nil
}

func (f *Fake) GetVmIoTunePolicy(id string) ([]IoTunePolicy, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(id).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	return append([]IoTunePolicy(nil), vm.IoTunePolicies...), nil
}

func (f *Fake) GetVmIoTune(id string) ([]IoTuneState, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	vm, err := f.lookup(id).OrErr(ErrUnavailable)
	if err != nil {
		return nil, err
	}
	out := make([]IoTuneState, 0, len(vm.IoTuneStates))
	for _, s := range vm.IoTuneStates {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *Fake) SetVmIoTune(id string, tunes []IoTuneState) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	vm, err := f.lookup(id).OrErr(ErrUnavailable)
	if err != nil {
		return err
	}
	for _, t := range tunes {
		for i, s := range vm.IoTuneStates {
			if s.Name == t.Name {
				vm.IoTuneStates[i] = t.Clone()
			}
		}
	}
	f.IoTuneCalls[id] = append(f.IoTuneCalls[id], tunes)
	return nil
}

func (f *Fake) KsmTune(params KSMParams) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.unavailable {
		return fmt.Errorf("ksm tuning: %w", ErrUnavailable)
	}
	batch := make(KSMParams, len(params))
	for k, v := range params {
		batch[k] = v
	}
	f.KsmCalls = append(f.KsmCalls, batch)
	return nil
}

func (f *Fake) Close() error { return nil }
