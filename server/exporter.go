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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Category string

const (
	CategoryEvent  Category = "event"
	CategoryMetric Category = "metric"
	CategoryLog    Category = "log"
	CategoryData   Category = "data"
	CategoryStatus Category = "status"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(s)); c {
	case CategoryEvent, CategoryMetric, CategoryLog, CategoryData, CategoryStatus:
		return c, nil
	default:
		return "", fmt.Errorf("unknown exporter category %q", s)
	}
}

// MessageSink receives formatted message lines in emission order.
type MessageSink interface {
	Append(line string)
}

type MessageList []string

func (l *MessageList) Append(line string) {
	*l = append(*l, line)
}

// ReadOptions tune a collection request from a client session.
type ReadOptions struct {
	TimeZone *time.Location
	// Granularity overrides the chart bucket size when set.
	Granularity *BucketGranularity
	// Offset shifts chart windows into the past, 0 is the current window.
	Offset int
	// Refresh turns a changed-only collection into a full re-query.
	Refresh bool
	// SessionID keys change tracking, so every session sees each change once.
	SessionID string
}

func (o ReadOptions) Location() *time.Location {
	if o.TimeZone == nil {
		return time.UTC
	}
	return o.TimeZone
}

// MessageBroadcaster pushes a formatted line to every interested live session.
type MessageBroadcaster interface {
	Broadcast(message string)
}

type Exporter interface {
	Name() string
	Category() Category
	Instance() string

	// Read appends a full snapshot of the current state.
	Read(ctx context.Context, sink MessageSink, options ReadOptions)
	// ReadIfChanged appends only what changed since the last read.
	ReadIfChanged(ctx context.Context, sink MessageSink, options ReadOptions)
	Broadcast(payload interface{})
	// Forget drops the change tracking of a session that left.
	Forget(sessionID string)

	Start(scheduler *Scheduler) error
	Stop() error
}

// Reader produces the payloads of event, metric and log exporters.
type Reader interface {
	Init() error
	Start() error
	Stop() error
	// Read returns the current payload, or nil when there is nothing to report.
	Read() interface{}
	HasChanges() bool
}

// SamplingReader separates the timer's interval sample, which may reset
// per-interval state, from Read, which only reports.
type SamplingReader interface {
	Reader
	Sample() interface{}
}

// ComparableReader lets the sample timer keep only samples greater than the
// one currently held.
type ComparableReader interface {
	Reader
	Greater(candidate, current interface{}) bool
}

// MessagePrefix is the routing prefix of every line an exporter emits.
func MessagePrefix(instance string, category Category, name string) string {
	return instance + ":" + string(category) + ":" + name + ":"
}

// MessageInstance extracts the instance name from a message line.
func MessageInstance(message string) string {
	if idx := strings.IndexByte(message, ':'); idx >= 0 {
		return message[:idx]
	}
	return ""
}

// baseExporter carries identity, formatting and broadcasting shared by every exporter.
type baseExporter struct {
	logger      *zap.Logger
	instance    string
	category    Category
	name        string
	prefix      string
	broadcaster MessageBroadcaster
	markers     *sessionMarkers
}

func newBaseExporter(logger *zap.Logger, instance string, category Category, name string, broadcaster MessageBroadcaster) baseExporter {
	return baseExporter{
		logger:      logger.With(zap.String("instance", instance), zap.String("category", string(category)), zap.String("exporter", name)),
		instance:    instance,
		category:    category,
		name:        name,
		prefix:      MessagePrefix(instance, category, name),
		broadcaster: broadcaster,
		markers:     newSessionMarkers(),
	}
}

func (e *baseExporter) Name() string {
	return e.name
}

func (e *baseExporter) Category() Category {
	return e.category
}

func (e *baseExporter) Instance() string {
	return e.instance
}

func (e *baseExporter) ReadIfChanged(ctx context.Context, sink MessageSink, options ReadOptions) {}

func (e *baseExporter) Forget(sessionID string) {
	e.markers.Forget(sessionID)
}

func (e *baseExporter) format(payload interface{}) (string, bool) {
	var body []byte
	switch p := payload.(type) {
	case nil:
		return "", false
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	default:
		var err error
		if body, err = json.Marshal(payload); err != nil {
			e.logger.Warn("Could not marshal exporter payload", zap.Error(err))
			return "", false
		}
	}
	return e.prefix + string(body), true
}

func (e *baseExporter) emit(sink MessageSink, payload interface{}) {
	if line, ok := e.format(payload); ok {
		sink.Append(line)
	}
}

func (e *baseExporter) Broadcast(payload interface{}) {
	if e.broadcaster == nil {
		return
	}
	if line, ok := e.format(payload); ok {
		e.broadcaster.Broadcast(line)
	}
}

// sessionMarkers remembers the last state each session was given.
type sessionMarkers struct {
	sync.Mutex
	markers map[string]string
}

func newSessionMarkers() *sessionMarkers {
	return &sessionMarkers{
		markers: make(map[string]string),
	}
}

// Update records marker for sessionID and reports whether it differs from the
// marker recorded before.
func (m *sessionMarkers) Update(sessionID, marker string) bool {
	m.Lock()
	defer m.Unlock()
	if previous, found := m.markers[sessionID]; found && previous == marker {
		return false
	}
	m.markers[sessionID] = marker
	return true
}

func (m *sessionMarkers) Forget(sessionID string) {
	m.Lock()
	delete(m.markers, sessionID)
	m.Unlock()
}

func (m *sessionMarkers) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.markers)
}
