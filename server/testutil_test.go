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
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

var (
	logger  = NewJSONLogger(os.Stdout, zapcore.DebugLevel, ConsoleFormat)
	cfg     = NewConfig()
	metrics = NewLocalMetrics(logger, logger, cfg)
	_       = ValidateConfig(logger, cfg)
)

// DummyReader reports an increasing integer on every read.
type DummyReader struct {
	sync.Mutex
	value   int
	started *atomic.Bool
	initErr error
}

func NewDummyReader() *DummyReader {
	return &DummyReader{started: atomic.NewBool(false)}
}

func (r *DummyReader) Init() error  { return r.initErr }
func (r *DummyReader) Start() error { r.started.Store(true); return nil }
func (r *DummyReader) Stop() error  { r.started.Store(false); return nil }

func (r *DummyReader) Read() interface{} {
	r.Lock()
	defer r.Unlock()
	r.value++
	return r.value
}

func (r *DummyReader) HasChanges() bool { return true }

func (r *DummyReader) Greater(candidate, current interface{}) bool {
	return candidate.(int) > current.(int)
}

// DummyBroadcaster records every broadcast line.
type DummyBroadcaster struct {
	sync.Mutex
	lines []string
}

func (b *DummyBroadcaster) Broadcast(message string) {
	b.Lock()
	b.lines = append(b.lines, message)
	b.Unlock()
}

func (b *DummyBroadcaster) Lines() []string {
	b.Lock()
	defer b.Unlock()
	lines := make([]string, len(b.lines))
	copy(lines, b.lines)
	return lines
}

// DummySession is a transport-less session for hub tests.
type DummySession struct {
	sync.Mutex
	id       string
	joined   []string
	timeZone *time.Location
	valid    *atomic.Bool
}

func NewDummySession(id string, joined ...string) *DummySession {
	return &DummySession{id: id, joined: joined, valid: atomic.NewBool(true)}
}

func (s *DummySession) ID() string { return s.id }

func (s *DummySession) JoinedInstances() []string {
	s.Lock()
	defer s.Unlock()
	return s.joined
}

func (s *DummySession) SetJoinedInstances(instances []string) {
	s.Lock()
	s.joined = instances
	s.Unlock()
}

func (s *DummySession) RemoveJoinedInstances() {
	s.Lock()
	s.joined = nil
	s.Unlock()
}

func (s *DummySession) TimeZone() *time.Location { return s.timeZone }
func (s *DummySession) IsValid() bool            { return s.valid.Load() }

// DummyService tracks which sessions use which instances.
type DummyService struct {
	sync.Mutex
	sessions map[string]ServiceSession
	lines    []string
}

func NewDummyService() *DummyService {
	return &DummyService{sessions: make(map[string]ServiceSession)}
}

func (s *DummyService) Name() string { return "dummy" }

func (s *DummyService) Add(session ServiceSession) {
	s.Lock()
	s.sessions[session.ID()] = session
	s.Unlock()
}

func (s *DummyService) Remove(session ServiceSession) {
	s.Lock()
	delete(s.sessions, session.ID())
	s.Unlock()
}

func (s *DummyService) Broadcast(message string) {
	s.Lock()
	s.lines = append(s.lines, message)
	s.Unlock()
}

func (s *DummyService) BroadcastTo(session ServiceSession, message string) {
	s.Broadcast(message)
}

func (s *DummyService) IsUsingInstance(instance string) bool {
	s.Lock()
	defer s.Unlock()
	for _, session := range s.sessions {
		if session.IsValid() && sessionFollows(session.JoinedInstances(), instance) {
			return true
		}
	}
	return false
}

func (s *DummyService) Count() int {
	s.Lock()
	defer s.Unlock()
	return len(s.sessions)
}

func (s *DummyService) Stop() {}

// SlowCounterDAO blocks inserts until its context is done.
type SlowCounterDAO struct {
	*LocalCounterDAO
	delay time.Duration
}

func (d *SlowCounterDAO) InsertCount(ctx context.Context, snapshot *CounterSnapshot) error {
	select {
	case <-time.After(d.delay):
		return d.LocalCounterDAO.InsertCount(ctx, snapshot)
	case <-ctx.Done():
		return ctx.Err()
	}
}
