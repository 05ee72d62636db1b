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

package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Response is the envelope wrapping every API payload.
type Response struct {
	Status    status      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType ErrorType   `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type ErrorType string

const (
	ErrorNone        ErrorType = ""
	ErrorBadData     ErrorType = "bad_data"
	ErrorInternal    ErrorType = "internal"
	ErrorUnavailable ErrorType = "unavailable"
	ErrorNotFound    ErrorType = "not_found"
)

type status string

const (
	statusSuccess status = "success"
	statusError   status = "error"
)

// writeResponse writes a Response if it can, otherwise it logs the error and
// writes a generic error.
func writeResponse(logger log.Logger, w http.ResponseWriter, httpCode int, endpointURI string, resp Response) {
	logger = log.With(logger, "endpointURI", endpointURI, "intendedStatusCode", httpCode)
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(resp)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, err = w.Write([]byte(`{"status":"error","errorType":"internal","error":"failed to marshal response"}`)); err != nil {
			_ = level.Error(logger).Log("msg", "failed to write error response", "err", err)
		}
		return
	}
	w.WriteHeader(httpCode)
	if _, err = w.Write(body); err != nil {
		_ = level.Error(logger).Log("msg", "failed to write response", "err", err)
	}
}

// writeSuccess writes a successful Response around the given data.
func writeSuccess(logger log.Logger, w http.ResponseWriter, endpointURI string, data interface{}) {
	writeResponse(logger, w, http.StatusOK, endpointURI, Response{
		Status: statusSuccess,
		Data:   data,
	})
}

// writeError writes an error Response.
func writeError(logger log.Logger, w http.ResponseWriter, errType ErrorType, errMsg string, httpCode int, endpointURI string) {
	writeResponse(logger, w, httpCode, endpointURI, Response{
		Status:    statusError,
		ErrorType: errType,
		Error:     errMsg,
	})
}
