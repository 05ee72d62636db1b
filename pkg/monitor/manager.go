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
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
)

// guestEntry tracks one guest monitor and, in threaded mode, its worker.
type guestEntry struct {
	monitor *GuestMonitor
	cancel  context.CancelFunc // nil in cooperative mode
	done    chan struct{}      // closed when the worker exits; nil in cooperative mode
}

func (e *guestEntry) workerAlive() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// GuestManager discovers guests through the hypervisor and owns the
// lifecycle of their monitors. The registry lock is never held while a
// monitor is constructed, because construction may block on the hypervisor.
type GuestManager struct {
	logger log.Logger
	hyp    hypervisor.Interface
	opts   ManagerOpts

	mtx    sync.Mutex
	guests map[string]*guestEntry
}

// ManagerOpts configures the guest manager.
type ManagerOpts struct {
	Interval time.Duration
	// MultiThread selects threaded collection: one worker per guest. With
	// it off, the manager collects every guest cooperatively on its own
	// tick.
	MultiThread bool
	Guest       GuestOpts
}

func NewGuestManager(logger log.Logger, hyp hypervisor.Interface, opts ManagerOpts) *GuestManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &GuestManager{
		logger: logger,
		hyp:    hyp,
		opts:   opts,
		guests: map[string]*guestEntry{},
	}
}

// Run drives the discovery loop until the context is canceled, then drains
// the registry with bounded worker joins.
func (m *GuestManager) Run(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "guest manager starting")
	defer level.Info(m.logger).Log("msg", "guest manager ending")

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			m.drain()
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one discovery pass: spawn monitors for new guests, reap the
// gone and the dead, and in cooperative mode collect everyone.
func (m *GuestManager) Tick(ctx context.Context) {
	ids, err := m.hyp.GetVmList()
	if err != nil {
		level.Debug(m.logger).Log("msg", "guest list unavailable, skipping tick", "err", err)
		return
	}
	m.spawn(ctx, ids)
	m.reap(ids)
	if !m.opts.MultiThread {
		m.collectAll()
	}
}

func (m *GuestManager) spawn(ctx context.Context, ids []string) {
	m.mtx.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := m.guests[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.mtx.Unlock()

	for _, id := range missing {
		// The hypervisor may block here; the registry lock is not held.
		info, err := m.hyp.GetVmInfo(id)
		if err != nil || !info.Complete() {
			level.Error(m.logger).Log("msg", "failed to get guest information, monitor can't start", "guest", id, "err", err)
			continue
		}
		gm, err := NewGuestMonitor(m.logger, info, m.opts.Guest)
		if err != nil {
			level.Error(m.logger).Log("msg", "guest monitor initialization failed", "guest", id, "err", err)
			continue
		}
		entry := &guestEntry{monitor: gm}
		if m.opts.MultiThread {
			wctx, cancel := context.WithCancel(ctx)
			entry.cancel = cancel
			entry.done = make(chan struct{})
			go func() {
				defer close(entry.done)
				_ = gm.Run(wctx)
			}()
		}

		m.mtx.Lock()
		if _, ok := m.guests[id]; ok {
			// Lost the race against a concurrent registration.
			m.mtx.Unlock()
			if entry.cancel != nil {
				entry.cancel()
			}
			continue
		}
		if m.opts.MultiThread && !entry.workerAlive() {
			m.mtx.Unlock()
			continue
		}
		m.guests[id] = entry
		guestsTracked.Set(float64(len(m.guests)))
		level.Debug(m.logger).Log("msg", "added monitor for guest", "guest", id)
		m.mtx.Unlock()
	}
}

// reap removes entries whose guest disappeared from the hypervisor list and
// threaded entries whose worker died on its own.
func (m *GuestManager) reap(ids []string) {
	listed := make(map[string]bool, len(ids))
	for _, id := range ids {
		listed[id] = true
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id, e := range m.guests {
		switch {
		case e.done != nil && !e.workerAlive():
			// The worker already exited; nothing to terminate.
			delete(m.guests, id)
			level.Debug(m.logger).Log("msg", "removed monitor for dead worker", "guest", id)
		case !listed[id]:
			e.monitor.Terminate()
			if e.cancel != nil {
				e.cancel()
			}
			delete(m.guests, id)
			level.Debug(m.logger).Log("msg", "removed monitor for guest", "guest", id)
		}
	}
	guestsTracked.Set(float64(len(m.guests)))
}

// collectAll samples every live monitor; cooperative mode only.
func (m *GuestManager) collectAll() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, e := range m.guests {
		if e.monitor.ShouldRun() {
			e.monitor.Collect()
		}
	}
}

// Interrogate returns snapshot entities for every guest with data, indexed
// by guest id.
func (m *GuestManager) Interrogate() map[string]*Entity {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := map[string]*Entity{}
	for id, e := range m.guests {
		if entity := e.monitor.Interrogate(); entity != nil {
			out[id] = entity
		}
	}
	return out
}

// ActiveGuests returns the names of guests that are ready, sorted.
func (m *GuestManager) ActiveGuests() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	names := []string{}
	for _, e := range m.guests {
		if e.monitor.Ready() {
			names = append(names, e.monitor.GuestName())
		}
	}
	sort.Strings(names)
	return names
}

// drain terminates every monitor and joins threaded workers with a bounded
// wait, never blocking indefinitely on a single guest.
func (m *GuestManager) drain() {
	m.mtx.Lock()
	entries := m.guests
	m.guests = map[string]*guestEntry{}
	guestsTracked.Set(0)
	m.mtx.Unlock()

	for id, e := range entries {
		e.monitor.Terminate()
		if e.cancel != nil {
			e.cancel()
		}
		if e.done != nil {
			select {
			case <-e.done:
			case <-time.After(time.Second):
				level.Warn(m.logger).Log("msg", "abandoning stuck guest worker", "guest", id)
			}
		}
	}
}
