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

//go:build libvirt

package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/optional"
	libvirtgo "libvirt.org/go/libvirt"
)

func init() {
	Register("libvirt", func(opts Options) (Interface, error) {
		return newLibvirt(opts)
	})
}

const ksmSysfsDir = "/sys/kernel/mm/ksm"

var _ Interface = (*libvirtIface)(nil)

// libvirtIface wraps the libvirt API so that libvirt-related error handling
// is consolidated in one place. A single connection is shared by all workers;
// if it breaks, the next failing call triggers a reconnect.
type libvirtIface struct {
	opts Options

	mtx  sync.Mutex
	conn *libvirtgo.Connect

	listCache *memoCache[[]string]
}

func newLibvirt(opts Options) (*libvirtIface, error) {
	l := &libvirtIface{
		opts:      opts,
		listCache: newMemoCache[[]string](CacheExpiration),
	}
	conn, err := libvirtgo.NewConnect(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("connecting to libvirt: %w", err)
	}
	l.conn = conn
	return l, nil
}

func (l *libvirtIface) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conn != nil {
		_, err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

// handleError classifies a libvirt failure: connection-level errors trigger a
// reconnect, missing-domain errors are expected churn, and everything is
// reported to the caller as unavailable information.
func (l *libvirtIface) handleError(err error) error {
	lverr, ok := err.(libvirtgo.Error)
	if ok {
		switch lverr.Code {
		case libvirtgo.ERR_SYSTEM_ERROR, libvirtgo.ERR_INVALID_CONN, libvirtgo.ERR_INTERNAL_ERROR:
			l.reconnect()
		case libvirtgo.ERR_NO_DOMAIN:
			// The guest went away between list and lookup.
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (l *libvirtIface) reconnect() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conn != nil {
		// The connection is in a strange state; ignore close failures.
		_, _ = l.conn.Close()
	}
	conn, err := libvirtgo.NewConnect(l.opts.URI)
	if err != nil {
		l.conn = nil
		return
	}
	l.conn = conn
	l.listCache.Invalidate()
}

func (l *libvirtIface) connection() (*libvirtgo.Connect, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conn == nil {
		return nil, ErrUnavailable
	}
	return l.conn, nil
}

func (l *libvirtIface) domain(uuid string) (*libvirtgo.Domain, error) {
	conn, err := l.connection()
	if err != nil {
		return nil, err
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return nil, l.handleError(err)
	}
	return dom, nil
}

// GetVmList returns the UUIDs of all running domains. Results are cached for
// CacheExpiration so per-guest lookups within one tick reuse them.
func (l *libvirtIface) GetVmList() ([]string, error) {
	return l.listCache.Do("vmlist", func() ([]string, error) {
		conn, err := l.connection()
		if err != nil {
			return nil, err
		}
		doms, err := conn.ListAllDomains(libvirtgo.CONNECT_LIST_DOMAINS_ACTIVE)
		if err != nil {
			return nil, l.handleError(err)
		}
		ids := make([]string, 0, len(doms))
		for i := range doms {
			uuid, err := doms[i].GetUUIDString()
			if err == nil {
				ids = append(ids, uuid)
			}
			_ = doms[i].Free()
		}
		return ids, nil
	})
}

func (l *libvirtIface) GetVmInfo(id string) (*VMInfo, error) {
	dom, err := l.domain(id)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	name, err := dom.GetName()
	if err != nil {
		return nil, l.handleError(err)
	}
	info := &VMInfo{UUID: id, Name: name, PID: qemuPid(id).OrElse(0)}
	if !info.Complete() {
		return nil, fmt.Errorf("%w: incomplete info for guest %s", ErrUnavailable, id)
	}
	return info, nil
}

// qemuPid finds the qemu process owning the domain by scanning process
// command lines for the UUID.
func qemuPid(uuid string) optional.Optional[int] {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return optional.None[int]()
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if strings.Contains(string(cmdline), uuid) {
			return optional.Some(pid)
		}
	}
	return optional.None[int]()
}

func (l *libvirtIface) StartVmMemoryStats(uuid string) error {
	dom, err := l.domain(uuid)
	if err != nil {
		return err
	}
	defer dom.Free()
	if err := dom.SetMemoryStatsPeriod(l.opts.StatsPeriodSeconds, libvirtgo.DOMAIN_MEM_LIVE); err != nil {
		return l.handleError(err)
	}
	return nil
}

var memStatTags = map[libvirtgo.DomainMemoryStatTags]string{
	libvirtgo.DOMAIN_MEMORY_STAT_AVAILABLE:   "mem_available",
	libvirtgo.DOMAIN_MEMORY_STAT_UNUSED:      "mem_unused",
	libvirtgo.DOMAIN_MEMORY_STAT_MAJOR_FAULT: "major_fault",
	libvirtgo.DOMAIN_MEMORY_STAT_MINOR_FAULT: "minor_fault",
	libvirtgo.DOMAIN_MEMORY_STAT_SWAP_IN:     "swap_in",
	libvirtgo.DOMAIN_MEMORY_STAT_SWAP_OUT:    "swap_out",
}

func (l *libvirtIface) GetVmMemoryStats(uuid string) (map[string]interface{}, error) {
	dom, err := l.domain(uuid)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	stats, err := dom.MemoryStats(uint32(libvirtgo.DOMAIN_MEMORY_STAT_NR), 0)
	if err != nil {
		return nil, l.handleError(err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: memory statistics not active for guest %s", ErrUnavailable, uuid)
	}
	out := map[string]interface{}{}
	for _, s := range stats {
		if name, ok := memStatTags[libvirtgo.DomainMemoryStatTags(s.Tag)]; ok {
			out[name] = int64(s.Val)
		}
	}
	return out, nil
}

func (l *libvirtIface) GetVmBalloonInfo(uuid string) (*BalloonInfo, error) {
	dom, err := l.domain(uuid)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	info, err := dom.GetInfo()
	if err != nil {
		return nil, l.handleError(err)
	}
	return &BalloonInfo{
		Cur: int64(info.Memory),
		Max: int64(info.MaxMem),
		Min: guaranteedMemory(dom),
	}, nil
}

// guaranteedMemory extracts memtune/min_guarantee from the domain XML, or 0
// when the element is absent.
func guaranteedMemory(dom *libvirtgo.Domain) int64 {
	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return 0
	}
	start := strings.Index(xml, "<min_guarantee")
	if start < 0 {
		return 0
	}
	open := strings.Index(xml[start:], ">")
	close := strings.Index(xml[start:], "</min_guarantee>")
	if open < 0 || close < 0 || start+open+1 >= start+close {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(xml[start+open+1:start+close]), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (l *libvirtIface) SetVmBalloonTarget(uuid string, target int64) error {
	dom, err := l.domain(uuid)
	if err != nil {
		return err
	}
	defer dom.Free()
	if err := dom.SetMemory(uint64(target)); err != nil {
		return l.handleError(err)
	}
	return nil
}

func (l *libvirtIface) GetVmCpuTuneInfo(uuid string) (*CPUTuneInfo, error) {
	dom, err := l.domain(uuid)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	params, err := dom.GetSchedulerParameters()
	if err != nil {
		return nil, l.handleError(err)
	}
	count, err := dom.GetVcpusFlags(libvirtgo.DOMAIN_VCPU_CURRENT)
	if err != nil {
		return nil, l.handleError(err)
	}
	info := &CPUTuneInfo{UserLimit: 100, Count: int64(count)}
	if params.VcpuQuotaSet {
		info.Quota = params.VcpuQuota
	}
	if params.VcpuPeriodSet {
		info.Period = int64(params.VcpuPeriod)
	}
	return info, nil
}

func (l *libvirtIface) SetVmCpuTune(uuid string, quota, period int64) error {
	dom, err := l.domain(uuid)
	if err != nil {
		return err
	}
	defer dom.Free()
	params := &libvirtgo.DomainSchedulerParameters{
		Type:          "posix",
		VcpuQuotaSet:  true,
		VcpuQuota:     quota,
		VcpuPeriodSet: true,
		VcpuPeriod:    uint64(period),
	}
	if err := dom.SetSchedulerParameters(params); err != nil {
		return l.handleError(err)
	}
	return nil
}

// The I/O tune policy envelope is a management-layer concept with no libvirt
// counterpart, so this adapter returns an empty list and no error; the IoTune
// controller then has nothing to diff.
func (l *libvirtIface) GetVmIoTunePolicy(string) ([]IoTunePolicy, error) {
	return nil, nil
}

func (l *libvirtIface) GetVmIoTune(string) ([]IoTuneState, error) {
	return nil, nil
}

func (l *libvirtIface) SetVmIoTune(string, []IoTuneState) error {
	return nil
}

// KsmTune writes the given knobs into /sys/kernel/mm/ksm.
func (l *libvirtIface) KsmTune(params KSMParams) error {
	var firstErr error
	for key, val := range params {
		path := filepath.Join(ksmSysfsDir, key)
		if err := os.WriteFile(path, []byte(strconv.FormatInt(val, 10)), 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return firstErr
}
