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

// Package web exposes the daemon's request/response API over HTTP with JSON
// payloads, alongside the /metrics endpoint.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
)

// PolicyService is the slice of the engine the API drives.
type PolicyService interface {
	GetPolicy() string
	SetPolicy(text string) bool
	GetNamedPolicies() map[string]string
	SetNamedPolicy(name string, text *string) bool
	ResetPolicies() bool
}

// HostSource provides the host entity snapshot.
type HostSource interface {
	Interrogate() *monitor.Entity
}

// GuestSource provides guest entity snapshots and readiness.
type GuestSource interface {
	Interrogate() map[string]*monitor.Entity
	ActiveGuests() []string
}

// Verbosity adjusts the daemon's log level at runtime.
type Verbosity interface {
	SetLevel(level string) error
	Level() string
}

// API wires the daemon's RPC verbs onto an HTTP mux.
type API struct {
	logger    log.Logger
	policy    PolicyService
	host      HostSource
	guests    GuestSource
	verbosity Verbosity
}

func NewAPI(logger log.Logger, policy PolicyService, host HostSource, guests GuestSource, verbosity Verbosity) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{logger: logger, policy: policy, host: host, guests: guests, verbosity: verbosity}
}

// Register installs the API handlers on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ping", a.ping)
	mux.HandleFunc("GET /api/v1/statistics", a.statistics)
	mux.HandleFunc("GET /api/v1/guests", a.activeGuests)
	mux.HandleFunc("GET /api/v1/policy", a.getPolicy)
	mux.HandleFunc("PUT /api/v1/policy", a.setPolicy)
	mux.HandleFunc("GET /api/v1/policies", a.getNamedPolicies)
	mux.HandleFunc("PUT /api/v1/policies/{name}", a.setNamedPolicy)
	mux.HandleFunc("DELETE /api/v1/policies/{name}", a.deleteNamedPolicy)
	mux.HandleFunc("POST /api/v1/policies/reset", a.resetPolicies)
	mux.HandleFunc("GET /api/v1/verbosity", a.getVerbosity)
	mux.HandleFunc("PUT /api/v1/verbosity", a.setVerbosity)
}

func (a *API) ping(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(a.logger, w, "/api/v1/ping", true)
}

// StatisticsData is the latest host sample plus the latest sample of every
// ready guest, keyed by guest name.
type StatisticsData struct {
	Host   map[string]interface{}            `json:"host"`
	Guests map[string]map[string]interface{} `json:"guests"`
}

func latestFields(e *monitor.Entity) map[string]interface{} {
	stats := e.Statistics()
	if len(stats) == 0 {
		return nil
	}
	return stats[len(stats)-1].Fields
}

func (a *API) statistics(w http.ResponseWriter, _ *http.Request) {
	host := a.host.Interrogate()
	if host == nil {
		writeError(a.logger, w, ErrorUnavailable, "host statistics are not ready", http.StatusServiceUnavailable, "/api/v1/statistics")
		return
	}
	data := StatisticsData{
		Host:   latestFields(host),
		Guests: map[string]map[string]interface{}{},
	}
	for _, e := range a.guests.Interrogate() {
		name, _ := e.Prop("name").(string)
		if name == "" {
			continue
		}
		data.Guests[name] = latestFields(e)
	}
	writeSuccess(a.logger, w, "/api/v1/statistics", data)
}

func (a *API) activeGuests(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(a.logger, w, "/api/v1/guests", a.guests.ActiveGuests())
}

func (a *API) getPolicy(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(a.logger, w, "/api/v1/policy", a.policy.GetPolicy())
}

// policyRequest is the body of policy update calls.
type policyRequest struct {
	Policy string `json:"policy"`
}

func readPolicyRequest(r *http.Request) (*policyRequest, error) {
	defer r.Body.Close()
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}
	return &req, nil
}

func (a *API) setPolicy(w http.ResponseWriter, r *http.Request) {
	req, err := readPolicyRequest(r)
	if err != nil {
		writeError(a.logger, w, ErrorBadData, err.Error(), http.StatusBadRequest, "/api/v1/policy")
		return
	}
	level.Info(a.logger).Log("msg", "setPolicy")
	writeSuccess(a.logger, w, "/api/v1/policy", a.policy.SetPolicy(req.Policy))
}

func (a *API) getNamedPolicies(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(a.logger, w, "/api/v1/policies", a.policy.GetNamedPolicies())
}

func (a *API) setNamedPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	req, err := readPolicyRequest(r)
	if err != nil {
		writeError(a.logger, w, ErrorBadData, err.Error(), http.StatusBadRequest, "/api/v1/policies")
		return
	}
	level.Info(a.logger).Log("msg", "setNamedPolicy", "name", name)
	writeSuccess(a.logger, w, "/api/v1/policies", a.policy.SetNamedPolicy(name, &req.Policy))
}

func (a *API) deleteNamedPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	level.Info(a.logger).Log("msg", "deleteNamedPolicy", "name", name)
	writeSuccess(a.logger, w, "/api/v1/policies", a.policy.SetNamedPolicy(name, nil))
}

func (a *API) resetPolicies(w http.ResponseWriter, _ *http.Request) {
	level.Info(a.logger).Log("msg", "resetPolicies")
	writeSuccess(a.logger, w, "/api/v1/policies/reset", a.policy.ResetPolicies())
}

type verbosityRequest struct {
	Level string `json:"level"`
}

func (a *API) getVerbosity(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(a.logger, w, "/api/v1/verbosity", a.verbosity.Level())
}

func (a *API) setVerbosity(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req verbosityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(a.logger, w, ErrorBadData, err.Error(), http.StatusBadRequest, "/api/v1/verbosity")
		return
	}
	if err := a.verbosity.SetLevel(req.Level); err != nil {
		writeError(a.logger, w, ErrorBadData, err.Error(), http.StatusBadRequest, "/api/v1/verbosity")
		return
	}
	level.Info(a.logger).Log("msg", "verbosity changed", "level", req.Level)
	writeSuccess(a.logger, w, "/api/v1/verbosity", true)
}

// DecodeStatistics parses a statistics response payload. Numbers decode
// through json.Number so integers keep 64-bit precision: a counter above
// 2^31 or even 2^63-1 survives an encode/decode round trip exactly.
func DecodeStatistics(r io.Reader) (*StatisticsData, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw struct {
		Host   map[string]interface{}            `json:"host"`
		Guests map[string]map[string]interface{} `json:"guests"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding statistics: %w", err)
	}
	out := &StatisticsData{
		Host:   convertNumbers(raw.Host),
		Guests: map[string]map[string]interface{}{},
	}
	for name, fields := range raw.Guests {
		out.Guests[name] = convertNumbers(fields)
	}
	return out, nil
}

func convertNumbers(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				out[k] = i
				continue
			}
			if f, err := n.Float64(); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = v
	}
	return out
}
