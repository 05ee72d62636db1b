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

// Package engine runs the periodic control loop: sample the monitors,
// evaluate the policy, and dispatch the controllers.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/controller"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/policy"
)

var (
	evalTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmtune_policy_evaluations_total",
		Help: "Number of policy evaluation ticks attempted.",
	})
	evalFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmtune_policy_evaluation_failures_total",
		Help: "Number of policy evaluation ticks that failed and skipped controller dispatch.",
	})
	controllerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtune_controller_errors_total",
			Help: "Number of controller dispatch failures, isolated per controller.",
		},
		[]string{"controller"},
	)
)

// RegisterMetrics registers the engine metrics with a registry. Call once at
// startup.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(evalTotal, evalFailures, controllerErrors)
}

// Opts configures the engine.
type Opts struct {
	Interval time.Duration
	// PolicyPath is a single policy file; PolicyDir a directory of
	// *.policy fragments. At most one may be set.
	PolicyPath string
	PolicyDir  string
}

// Engine owns the policy store and drives the per-tick pipeline.
type Engine struct {
	logger      log.Logger
	opts        Opts
	store       *policy.Store
	host        *monitor.HostMonitor
	guests      *monitor.GuestManager
	controllers []controller.Controller
}

func New(logger log.Logger, opts Opts, host *monitor.HostMonitor, guests *monitor.GuestManager, controllers []controller.Controller) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		logger:      logger,
		opts:        opts,
		store:       policy.NewStore(logger),
		host:        host,
		guests:      guests,
		controllers: controllers,
	}
}

// LoadPolicy populates the store from the configured policy file or policy
// directory. Absent configuration leaves the store empty, which evaluates as
// the no-op policy.
func (e *Engine) LoadPolicy() bool {
	if e.opts.PolicyPath != "" {
		return e.loadFile(e.opts.PolicyPath, "")
	}
	if e.opts.PolicyDir == "" {
		return true
	}

	entries, err := os.ReadDir(e.opts.PolicyDir)
	if err != nil {
		level.Warn(e.logger).Log("msg", "unable to read policy directory", "dir", e.opts.PolicyDir, "err", err)
		return false
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".policy") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.loadFile(filepath.Join(e.opts.PolicyDir, name), strings.TrimSuffix(name, ".policy"))
	}
	return true
}

func (e *Engine) loadFile(path, fragment string) bool {
	text, err := os.ReadFile(path)
	if err != nil {
		level.Warn(e.logger).Log("msg", "unable to read policy file", "file", path, "err", err)
		return false
	}
	s := string(text)
	if fragment == "" {
		return e.store.Set(s)
	}
	return e.store.SetNamed(fragment, &s)
}

// RPC verbs, delegated from the web API.

func (e *Engine) GetPolicy() string                   { return e.store.String() }
func (e *Engine) GetNamedPolicies() map[string]string { return e.store.Strings() }

func (e *Engine) SetPolicy(text string) bool {
	return e.store.Set(text)
}

func (e *Engine) SetNamedPolicy(name string, text *string) bool {
	return e.store.SetNamed(name, text)
}

// ResetPolicies reloads every fragment from the configured source.
func (e *Engine) ResetPolicies() bool {
	e.store.Clear()
	return e.LoadPolicy()
}

// Run drives the control loop until the context is canceled. Unlike the
// monitors, which collect immediately, it sleeps first, giving them a tick
// to gather initial samples.
func (e *Engine) Run(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "policy engine starting")
	defer level.Info(e.logger).Log("msg", "policy engine ending")

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		e.Tick()
	}
}

// Tick samples host and guest data, evaluates the policy, and feeds the same
// snapshot to every configured controller. A failed evaluation skips
// controller dispatch entirely; a failing controller is isolated.
func (e *Engine) Tick() {
	host := e.host.Interrogate()
	if host == nil {
		return
	}
	guestMap := e.guests.Interrogate()

	// Deterministic order keeps policy output and controller actions
	// stable across ticks.
	ids := make([]string, 0, len(guestMap))
	for id := range guestMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	guests := make([]*monitor.Entity, 0, len(ids))
	policyGuests := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		guests = append(guests, guestMap[id])
		policyGuests = append(policyGuests, guestMap[id])
	}

	evalTotal.Inc()
	if _, err := e.store.Evaluate(host, policyGuests); err != nil {
		evalFailures.Inc()
		return
	}
	for _, c := range e.controllers {
		if err := c.Process(host, guests); err != nil {
			controllerErrors.WithLabelValues(c.Name()).Inc()
			level.Error(e.logger).Log("msg", "controller failed", "controller", c.Name(), "err", err)
		}
	}
}
