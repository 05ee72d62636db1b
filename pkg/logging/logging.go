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

// Package logging builds the daemon's root logger. The level filter is held
// behind an atomic pointer so the RPC setVerbosity verb can adjust it while
// workers keep logging.
package logging

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// Logger is a leveled go-kit logger whose verbosity can change at runtime.
type Logger struct {
	base    log.Logger
	current atomic.Pointer[log.Logger]
	lvl     atomic.Pointer[string]
}

// New returns a Logger printing in the given format at the given level, with
// a UTC timestamp and caller on every line.
func New(logLevel, logFormat string, w io.Writer) (*Logger, error) {
	var base log.Logger
	switch logFormat {
	case LogFormatJSON:
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	case LogFormatLogfmt, "":
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	l := &Logger{base: base}
	if err := l.SetLevel(logLevel); err != nil {
		return nil, err
	}
	return l, nil
}

// Log implements log.Logger through the current filter.
func (l *Logger) Log(keyvals ...interface{}) error {
	return (*l.current.Load()).Log(keyvals...)
}

// SetLevel replaces the active level filter. Accepted levels: debug, info,
// warn, error.
func (l *Logger) SetLevel(logLevel string) error {
	var opt level.Option
	switch logLevel {
	case "error":
		opt = level.AllowError()
	case "warn":
		opt = level.AllowWarn()
	case "info", "":
		opt = level.AllowInfo()
	case "debug":
		opt = level.AllowDebug()
	default:
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	filtered := level.NewFilter(l.base, opt)
	l.current.Store(&filtered)
	l.lvl.Store(&logLevel)
	return nil
}

// Level returns the currently active level.
func (l *Logger) Level() string {
	return *l.lvl.Load()
}
