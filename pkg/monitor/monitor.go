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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultHistoryLength is the sample ring capacity when the configuration
// does not override it.
const DefaultHistoryLength = 10

var (
	samplesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtune_monitor_samples_total",
			Help: "Number of statistics samples accepted into monitor rings.",
		},
		[]string{"monitor"},
	)
	samplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtune_monitor_samples_dropped_total",
			Help: "Number of statistics samples dropped for missing required fields.",
		},
		[]string{"monitor"},
	)
	collectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtune_monitor_collector_errors_total",
			Help: "Number of collector failures, which are isolated per collector.",
		},
		[]string{"monitor"},
	)
	guestsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmtune_guests_tracked",
			Help: "Number of guests currently tracked by the guest manager.",
		},
	)
)

// RegisterMetrics registers the monitor metrics with a registry. Call once
// at startup.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(samplesCollected, samplesDropped, collectorErrors, guestsTracked)
}

// Monitor owns the statistics ring for one observed entity. Collect may run
// on a dedicated worker while Interrogate snapshots from another goroutine,
// so the ring and properties are guarded by a data lock.
type Monitor struct {
	logger     log.Logger
	name       string
	collectors []Collector
	histLen    int

	mtx        sync.Mutex
	properties Properties
	samples    []Sample
	generation uint64
	terminated bool
}

func NewMonitor(logger log.Logger, name string, props Properties, collectors []Collector, histLen int) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if histLen <= 0 {
		histLen = DefaultHistoryLength
	}
	if props == nil {
		props = Properties{}
	}
	return &Monitor{
		logger:     logger,
		name:       name,
		collectors: collectors,
		histLen:    histLen,
		properties: props,
	}
}

func (m *Monitor) Name() string { return m.name }

// SetProperty stores a property under the data lock.
func (m *Monitor) SetProperty(key string, v interface{}) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.properties[key] = v
}

// Collect runs every collector, unions their outputs, and appends a sample
// if all required fields are present. A failing collector is isolated: its
// fields are simply missing from the union.
func (m *Monitor) Collect() {
	fields := map[string]interface{}{}
	for _, c := range m.collectors {
		data, err := c.Collect()
		if err != nil {
			collectorErrors.WithLabelValues(m.name).Inc()
			level.Warn(m.logger).Log("msg", "collector failed", "err", err)
			continue
		}
		for k, v := range data {
			fields[k] = v
		}
	}

	for _, c := range m.collectors {
		for _, f := range c.Fields() {
			if _, ok := fields[f]; !ok {
				samplesDropped.WithLabelValues(m.name).Inc()
				level.Debug(m.logger).Log("msg", "dropping sample with missing required field", "field", f)
				return
			}
		}
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.samples = append(m.samples, Sample{Timestamp: time.Now(), Fields: fields})
	if len(m.samples) > m.histLen {
		m.samples = m.samples[len(m.samples)-m.histLen:]
	}
	m.generation++
	samplesCollected.WithLabelValues(m.name).Inc()
}

// Ready reports whether at least one sample has been accepted.
func (m *Monitor) Ready() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.samples) > 0
}

// Generation returns the number of accepted samples over the monitor's
// lifetime, used by tests to await collection progress.
func (m *Monitor) Generation() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.generation
}

// Interrogate returns a snapshot entity, or nil while no sample has been
// accepted yet.
func (m *Monitor) Interrogate() *Entity {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.samples) == 0 {
		return nil
	}
	props := make(Properties, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	stats := append([]Sample(nil), m.samples...)
	return NewEntity(props, stats)
}

// ShouldRun reports whether the collection loop should continue: the monitor
// has not been terminated and has a usable collector set.
func (m *Monitor) ShouldRun() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return !m.terminated && len(m.collectors) > 0
}

// Terminate stops the collection loop at its next iteration.
func (m *Monitor) Terminate() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.terminated = true
}
