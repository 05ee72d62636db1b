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
	"sync"
	"time"
)

// CacheExpiration is how long bulk getter results stay valid. Bulk calls are
// answered from cache so that per-guest lookups fanning out of one manager
// tick cost a single hypervisor round trip.
const CacheExpiration = 5 * time.Second

// memoCache memoizes call results keyed by call signature, with time-based
// expiry. Expiry compares the absolute clock difference so a wall-clock jump
// into the past invalidates entries instead of pinning them forever.
type memoCache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mtx     sync.Mutex
	entries map[string]memoEntry[T]
}

type memoEntry[T any] struct {
	at    time.Time
	value T
	err   error
}

func newMemoCache[T any](ttl time.Duration) *memoCache[T] {
	return &memoCache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]memoEntry[T]{},
	}
}

// Do returns the cached result for key, calling fn to refresh it when the
// entry is absent or expired. Errors are cached like values so a failing
// backend is not hammered within one expiry window.
func (c *memoCache[T]) Do(key string, fn func() (T, error)) (T, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if ok {
		age := now.Sub(e.at)
		if age < 0 {
			age = -age
		}
		if age <= c.ttl {
			return e.value, e.err
		}
	}
	v, err := fn()
	c.entries[key] = memoEntry[T]{at: now, value: v, err: err}
	return v, err
}

// Invalidate drops every cached entry.
func (c *memoCache[T]) Invalidate() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries = map[string]memoEntry[T]{}
}
