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
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

type ReaderKind string

const (
	ReaderKindActivity ReaderKind = "activity"
	ReaderKindSession  ReaderKind = "session"
	ReaderKindCustom   ReaderKind = "custom"
)

// ReaderFactory builds a plugin reader for an instance.
type ReaderFactory func(instrumentation *Instrumentation, params map[string]string) (Reader, error)

// ReaderRegistry resolves configured reader kinds to constructors. Plugins are
// registered by the composition root before instances are built.
type ReaderRegistry struct {
	sync.RWMutex
	plugins map[string]ReaderFactory
}

func NewReaderRegistry() *ReaderRegistry {
	return &ReaderRegistry{
		plugins: make(map[string]ReaderFactory),
	}
}

func (r *ReaderRegistry) RegisterPlugin(name string, factory ReaderFactory) {
	r.Lock()
	r.plugins[name] = factory
	r.Unlock()
}

func (r *ReaderRegistry) Build(kind ReaderKind, plugin string, instrumentation *Instrumentation, params map[string]string) (Reader, error) {
	switch kind {
	case ReaderKindActivity:
		return NewActivityReader(instrumentation), nil
	case ReaderKindSession:
		return NewSessionReader(instrumentation), nil
	case ReaderKindCustom:
		r.RLock()
		factory, found := r.plugins[plugin]
		r.RUnlock()
		if !found {
			return nil, fmt.Errorf("unknown reader plugin %q", plugin)
		}
		return factory(instrumentation, params)
	default:
		return nil, fmt.Errorf("unknown reader kind %q", kind)
	}
}

type runtimePayload struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	NumGC      uint32 `json:"num_gc"`
}

// RuntimeReader samples Go runtime memory and scheduler figures.
type RuntimeReader struct {
	lastGC *atomic.Uint32
}

func NewRuntimeReader(*Instrumentation, map[string]string) (Reader, error) {
	return &RuntimeReader{lastGC: atomic.NewUint32(0)}, nil
}

func (r *RuntimeReader) Init() error  { return nil }
func (r *RuntimeReader) Start() error { return nil }
func (r *RuntimeReader) Stop() error  { return nil }

func (r *RuntimeReader) Read() interface{} {
	stats := &runtime.MemStats{}
	runtime.ReadMemStats(stats)
	r.lastGC.Store(stats.NumGC)
	return &runtimePayload{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  stats.HeapAlloc,
		HeapInuse:  stats.HeapInuse,
		NumGC:      stats.NumGC,
	}
}

// HasChanges reports a garbage collection since the last read.
func (r *RuntimeReader) HasChanges() bool {
	stats := &runtime.MemStats{}
	runtime.ReadMemStats(stats)
	return stats.NumGC != r.lastGC.Load()
}

func (r *RuntimeReader) Greater(candidate, current interface{}) bool {
	c, ok := candidate.(*runtimePayload)
	if !ok {
		return false
	}
	h, ok := current.(*runtimePayload)
	if !ok {
		return true
	}
	return c.HeapAlloc > h.HeapAlloc
}

type logLine struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// LogTail is a zapcore.Core keeping the most recent log entries of the process
// for the log reader plugin.
type LogTail struct {
	mu       *sync.Mutex
	level    zapcore.LevelEnabler
	fields   []zapcore.Field
	lines    *[]*logLine
	capacity int
	written  *atomic.Int64
}

func NewLogTail(level zapcore.LevelEnabler, capacity int) *LogTail {
	if capacity <= 0 {
		capacity = 100
	}
	lines := make([]*logLine, 0, capacity)
	return &LogTail{
		mu:       &sync.Mutex{},
		level:    level,
		lines:    &lines,
		capacity: capacity,
		written:  atomic.NewInt64(0),
	}
}

func (t *LogTail) Enabled(level zapcore.Level) bool {
	return t.level.Enabled(level)
}

func (t *LogTail) With(fields []zapcore.Field) zapcore.Core {
	clone := *t
	clone.fields = append(append([]zapcore.Field{}, t.fields...), fields...)
	return &clone
}

func (t *LogTail) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(entry.Level) {
		return checked.AddCore(entry, t)
	}
	return checked
}

func (t *LogTail) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line := &logLine{
		Time:    entry.Time.UTC().Format(time.RFC3339),
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	if all := append(append([]zapcore.Field{}, t.fields...), fields...); len(all) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range all {
			f.AddTo(enc)
		}
		keys := make([]string, 0, len(enc.Fields))
		for k := range enc.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, enc.Fields[k]))
		}
		line.Message = line.Message + " " + strings.Join(parts, " ")
	}

	t.mu.Lock()
	lines := *t.lines
	if len(lines) >= t.capacity {
		lines = append(lines[:0], lines[1:]...)
	}
	*t.lines = append(lines, line)
	t.written.Inc()
	t.mu.Unlock()
	return nil
}

func (t *LogTail) Sync() error { return nil }

func (t *LogTail) snapshot(since int64) ([]*logLine, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	written := t.written.Load()
	missing := written - since
	lines := *t.lines
	if missing <= 0 {
		return nil, written
	}
	if missing < int64(len(lines)) {
		lines = lines[int64(len(lines))-missing:]
	}
	result := make([]*logLine, len(lines))
	copy(result, lines)
	return result, written
}

// NewReaderFactory returns a plugin factory for log readers over this tail.
func (t *LogTail) NewReaderFactory() ReaderFactory {
	return func(*Instrumentation, map[string]string) (Reader, error) {
		return &LogReader{tail: t, seen: atomic.NewInt64(0)}, nil
	}
}

// LogReader returns the log lines written since its previous sample.
type LogReader struct {
	tail *LogTail
	seen *atomic.Int64
}

func (r *LogReader) Init() error { return nil }

func (r *LogReader) Start() error {
	r.seen.Store(r.tail.written.Load())
	return nil
}

func (r *LogReader) Stop() error { return nil }

func (r *LogReader) Read() interface{} {
	lines, _ := r.tail.snapshot(r.seen.Load())
	if len(lines) == 0 {
		return nil
	}
	return lines
}

// Sample is Read that also moves past the returned lines.
func (r *LogReader) Sample() interface{} {
	lines, written := r.tail.snapshot(r.seen.Load())
	r.seen.Store(written)
	if len(lines) == 0 {
		return nil
	}
	return lines
}

func (r *LogReader) HasChanges() bool {
	return r.tail.written.Load() != r.seen.Load()
}
