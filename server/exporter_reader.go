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
	"sync"
	"time"

	"go.uber.org/zap"
)

type SamplePolicy string

const (
	SamplePolicyLatest  SamplePolicy = "latest"
	SamplePolicyGreater SamplePolicy = "greater"
)

// SampleExportTimer samples at one interval and broadcasts the held sample at a
// slower one. When the export interval is not longer than the sample interval
// every sample is exported as soon as it is taken.
type SampleExportTimer struct {
	sync.Mutex
	sampleInterval time.Duration
	exportInterval time.Duration

	sampleFn func() interface{}
	greater  func(candidate, current interface{}) bool
	exportFn func(payload interface{})

	latest     interface{}
	sampleTask *ScheduledTask
	exportTask *ScheduledTask
}

func NewSampleExportTimer(sampleInterval, exportInterval time.Duration, sampleFn func() interface{}, greater func(candidate, current interface{}) bool, exportFn func(payload interface{})) *SampleExportTimer {
	return &SampleExportTimer{
		sampleInterval: sampleInterval,
		exportInterval: exportInterval,
		sampleFn:       sampleFn,
		greater:        greater,
		exportFn:       exportFn,
	}
}

// Separate reports whether sampling and exporting run on different timers.
func (t *SampleExportTimer) Separate() bool {
	return t.exportInterval > t.sampleInterval
}

func (t *SampleExportTimer) Start(scheduler *Scheduler) {
	t.Lock()
	defer t.Unlock()
	if t.sampleTask != nil {
		return
	}
	t.latest = nil
	t.sampleTask = scheduler.ScheduleCyclic(t.sample, t.sampleInterval)
	if t.Separate() {
		t.exportTask = scheduler.ScheduleCyclic(t.export, t.exportInterval)
	}
}

func (t *SampleExportTimer) Stop() {
	t.Lock()
	sampleTask, exportTask := t.sampleTask, t.exportTask
	t.sampleTask, t.exportTask = nil, nil
	t.latest = nil
	t.Unlock()

	if sampleTask != nil {
		sampleTask.Cancel()
	}
	if exportTask != nil {
		exportTask.Cancel()
	}
}

func (t *SampleExportTimer) sample() {
	payload := t.sampleFn()
	if payload == nil {
		return
	}
	if !t.Separate() {
		t.exportFn(payload)
		return
	}

	t.Lock()
	if t.latest == nil || t.greater == nil || t.greater(payload, t.latest) {
		t.latest = payload
	}
	t.Unlock()
}

func (t *SampleExportTimer) export() {
	t.Lock()
	payload := t.latest
	t.latest = nil
	t.Unlock()

	if payload != nil {
		t.exportFn(payload)
	}
}

// ReaderExporter exposes a Reader as an event, metric or log stream.
type ReaderExporter struct {
	baseExporter
	reader Reader
	timer  *SampleExportTimer
}

func NewReaderExporter(logger *zap.Logger, instance string, category Category, name string, reader Reader, broadcaster MessageBroadcaster, sampleInterval, exportInterval time.Duration, policy SamplePolicy) *ReaderExporter {
	e := &ReaderExporter{
		baseExporter: newBaseExporter(logger, instance, category, name, broadcaster),
		reader:       reader,
	}

	if sampleInterval > 0 {
		var greater func(candidate, current interface{}) bool
		if comparable, ok := reader.(ComparableReader); ok && policy == SamplePolicyGreater {
			greater = comparable.Greater
		}
		sampleFn := reader.Read
		if sampling, ok := reader.(SamplingReader); ok {
			sampleFn = sampling.Sample
		}
		e.timer = NewSampleExportTimer(sampleInterval, exportInterval, sampleFn, greater, e.Broadcast)
	}
	return e
}

func (e *ReaderExporter) Start(scheduler *Scheduler) error {
	if err := e.reader.Start(); err != nil {
		return err
	}
	if e.timer != nil {
		e.timer.Start(scheduler)
	}
	return nil
}

func (e *ReaderExporter) Stop() error {
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.reader.Stop()
}

func (e *ReaderExporter) Read(ctx context.Context, sink MessageSink, options ReadOptions) {
	if line, ok := e.format(e.reader.Read()); ok {
		e.markers.Update(options.SessionID, line)
		sink.Append(line)
	}
}

// ReadIfChanged emits the current payload unless the session was already
// given the same line.
func (e *ReaderExporter) ReadIfChanged(ctx context.Context, sink MessageSink, options ReadOptions) {
	if !e.reader.HasChanges() {
		return
	}
	if line, ok := e.format(e.reader.Read()); ok && e.markers.Update(options.SessionID, line) {
		sink.Append(line)
	}
}
