// Copyright 2025 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/atomic"
)

// Instrumentation is the event source of one monitored instance. The host
// application calls the unit-of-work hooks around the work it wants measured.
type Instrumentation struct {
	counters *CounterRegistry

	activity *CounterData
	errors   *CounterData
	active   *atomic.Int64
	peak     *atomic.Int64
}

func NewInstrumentation(counters *CounterRegistry) *Instrumentation {
	return &Instrumentation{
		counters: counters,

		activity: NewCounterData(),
		errors:   NewCounterData(),
		active:   atomic.NewInt64(0),
		peak:     atomic.NewInt64(0),
	}
}

func (i *Instrumentation) Counters() *CounterRegistry {
	return i.counters
}

func (i *Instrumentation) OnBeforeUnitOfWork(domain string) {
	active := i.active.Inc()
	for {
		peak := i.peak.Load()
		if active <= peak || i.peak.CompareAndSwap(peak, active) {
			return
		}
	}
}

func (i *Instrumentation) OnAfterUnitOfWork(domain string, err error) {
	i.active.Dec()

	counter := i.counters.GetOrCreate(domain)
	counter.Count()
	i.activity.Increment()
	if err != nil {
		counter.Error()
		i.errors.Increment()
	}
}

// Active is the number of units of work currently in progress.
func (i *Instrumentation) Active() int64 {
	return i.active.Load()
}

// Peak is the highest concurrency seen since the last AcquirePeak.
func (i *Instrumentation) Peak() int64 {
	return i.peak.Load()
}

// AcquirePeak returns the highest concurrency seen since the previous call.
func (i *Instrumentation) AcquirePeak() int64 {
	return i.peak.Swap(i.active.Load())
}

var errServerStatus = errors.New("server error status")

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware measures every request passing through a router as one unit of
// work in domain. Responses with a 5xx status count as errors.
func (i *Instrumentation) Middleware(domain string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			i.OnBeforeUnitOfWork(domain)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				var err error
				if recorder.status >= http.StatusInternalServerError {
					err = errServerStatus
				}
				i.OnAfterUnitOfWork(domain, err)
			}()
			next.ServeHTTP(recorder, r)
		})
	}
}

type activityPayload struct {
	Count  int64 `json:"count"`
	Error  int64 `json:"error"`
	Recent int64 `json:"recent"`
}

// ActivityReader reports how many units of work completed, in total and since
// the previous sample.
type ActivityReader struct {
	instrumentation *Instrumentation
	lastSample      *atomic.Int64
}

func NewActivityReader(instrumentation *Instrumentation) *ActivityReader {
	return &ActivityReader{
		instrumentation: instrumentation,
		lastSample:      atomic.NewInt64(0),
	}
}

func (r *ActivityReader) Init() error { return nil }

func (r *ActivityReader) Start() error {
	// Discard activity that happened while nobody was watching.
	r.lastSample.Store(r.instrumentation.activity.Count())
	return nil
}

func (r *ActivityReader) Stop() error { return nil }

func (r *ActivityReader) Read() interface{} {
	count := r.instrumentation.activity.Count()
	return &activityPayload{
		Count:  count,
		Error:  r.instrumentation.errors.Count(),
		Recent: count - r.lastSample.Load(),
	}
}

// Sample is Read that also starts a new interval.
func (r *ActivityReader) Sample() interface{} {
	count := r.instrumentation.activity.Count()
	return &activityPayload{
		Count:  count,
		Error:  r.instrumentation.errors.Count(),
		Recent: count - r.lastSample.Swap(count),
	}
}

func (r *ActivityReader) HasChanges() bool {
	return r.instrumentation.activity.Count() != r.lastSample.Load()
}

type sessionPayload struct {
	Active int64 `json:"active"`
	Peak   int64 `json:"peak"`
}

// SessionReader reports units of work in flight and the peak since the last
// sample.
type SessionReader struct {
	instrumentation *Instrumentation
	last            *atomic.Int64
}

func NewSessionReader(instrumentation *Instrumentation) *SessionReader {
	return &SessionReader{
		instrumentation: instrumentation,
		last:            atomic.NewInt64(-1),
	}
}

func (r *SessionReader) Init() error  { return nil }
func (r *SessionReader) Start() error { return nil }
func (r *SessionReader) Stop() error  { return nil }

func (r *SessionReader) Read() interface{} {
	return &sessionPayload{
		Active: r.instrumentation.Active(),
		Peak:   r.instrumentation.Peak(),
	}
}

// Sample is Read that also resets the peak.
func (r *SessionReader) Sample() interface{} {
	active := r.instrumentation.Active()
	r.last.Store(active)
	return &sessionPayload{
		Active: active,
		Peak:   r.instrumentation.AcquirePeak(),
	}
}

func (r *SessionReader) HasChanges() bool {
	return r.instrumentation.Active() != r.last.Load()
}

func (r *SessionReader) Greater(candidate, current interface{}) bool {
	c, ok := candidate.(*sessionPayload)
	if !ok {
		return false
	}
	h, ok := current.(*sessionPayload)
	if !ok {
		return true
	}
	return c.Active > h.Active || c.Peak > h.Peak
}
