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
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type counterStatus struct {
	Bucket string `json:"bucket"`
	Total  int64  `json:"total"`
	Delta  int64  `json:"delta"`
	Error  int64  `json:"error"`
}

type statusPayload struct {
	Counters  map[string]*counterStatus `json:"counters"`
	Active    int64                     `json:"active"`
	Processed int64                     `json:"processed"`
	Errors    int64                     `json:"errors"`
}

// StatusExporter reports the committed state of every counter of an instance.
type StatusExporter struct {
	baseExporter
	instrumentation *Instrumentation
	interval        time.Duration

	sync.Mutex
	task      *ScheduledTask
	broadcast string
}

func NewStatusExporter(logger *zap.Logger, instance, name string, instrumentation *Instrumentation, interval time.Duration, broadcaster MessageBroadcaster) *StatusExporter {
	return &StatusExporter{
		baseExporter:    newBaseExporter(logger, instance, CategoryStatus, name, broadcaster),
		instrumentation: instrumentation,
		interval:        interval,
	}
}

func (e *StatusExporter) Start(scheduler *Scheduler) error {
	if e.interval <= 0 {
		return nil
	}
	_, marker := e.snapshot()
	e.Lock()
	if e.task == nil {
		e.broadcast = marker
		e.task = scheduler.ScheduleCyclic(e.broadcastIfChanged, e.interval)
	}
	e.Unlock()
	return nil
}

func (e *StatusExporter) Stop() error {
	e.Lock()
	task := e.task
	e.task = nil
	e.Unlock()
	if task != nil {
		task.Cancel()
	}
	return nil
}

func (e *StatusExporter) broadcastIfChanged() {
	payload, marker := e.snapshot()
	e.Lock()
	changed := e.broadcast != marker
	e.broadcast = marker
	e.Unlock()
	if changed {
		e.Broadcast(payload)
	}
}

func (e *StatusExporter) Read(ctx context.Context, sink MessageSink, options ReadOptions) {
	payload, marker := e.snapshot()
	e.markers.Update(options.SessionID, marker)
	e.emit(sink, payload)
}

func (e *StatusExporter) ReadIfChanged(ctx context.Context, sink MessageSink, options ReadOptions) {
	if payload, marker := e.snapshot(); e.markers.Update(options.SessionID, marker) {
		e.emit(sink, payload)
	}
}

// snapshot builds the payload and a marker of the committed counter state,
// which differs whenever any counter was rolled up.
func (e *StatusExporter) snapshot() (*statusPayload, string) {
	counters := e.instrumentation.Counters().List()
	payload := &statusPayload{
		Counters:  make(map[string]*counterStatus, len(counters)),
		Active:    e.instrumentation.Active(),
		Processed: e.instrumentation.activity.Count(),
		Errors:    e.instrumentation.errors.Count(),
	}

	var marker strings.Builder
	for _, counter := range counters {
		tallied := counter.Tallied()
		status := &counterStatus{
			Bucket: tallied.BucketKey(),
			Total:  tallied.Total,
			Delta:  tallied.Delta,
			Error:  tallied.Error,
		}
		payload.Counters[counter.Domain()] = status

		marker.WriteString(counter.Domain() + "=" + status.Bucket + ":" + strconv.FormatInt(status.Total, 10) + ":" + strconv.FormatInt(status.Error, 10) + ";")
	}
	return payload, marker.String()
}
