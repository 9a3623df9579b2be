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
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionExpiryTimer expires a session once it has not been accessed for the
// configured timeout. onExpire runs at most once, on the scheduler goroutine.
type SessionExpiryTimer struct {
	sync.Mutex
	scheduler *Scheduler
	timeout   time.Duration
	onExpire  func()

	task    *ScheduledTask
	expired *atomic.Bool
}

func NewSessionExpiryTimer(scheduler *Scheduler, timeout time.Duration, onExpire func()) *SessionExpiryTimer {
	return &SessionExpiryTimer{
		scheduler: scheduler,
		timeout:   timeout,
		onExpire:  onExpire,
		expired:   atomic.NewBool(false),
	}
}

// Access pushes the expiry timeout out from now. It returns false when the
// session has already expired.
func (t *SessionExpiryTimer) Access() bool {
	t.Lock()
	defer t.Unlock()
	if t.expired.Load() {
		return false
	}
	if t.task != nil {
		t.task.Cancel()
	}
	t.task = t.scheduler.Schedule(t.fire, t.timeout)
	return true
}

func (t *SessionExpiryTimer) fire() {
	if t.expired.CompareAndSwap(false, true) {
		t.onExpire()
	}
}

func (t *SessionExpiryTimer) Expired() bool {
	return t.expired.Load()
}

func (t *SessionExpiryTimer) Stop() {
	t.Lock()
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
	t.Unlock()
}

// PullSession is a server held session of the long-poll transport.
type PullSession struct {
	sync.Mutex
	logger   *zap.Logger
	id       string
	joined   []string
	timeZone *time.Location
	offset   int

	lastIndex       *atomic.Int64
	pollingInterval *atomic.Duration
	lastAccess      *atomic.Int64
	pending         []string
	expiry          *SessionExpiryTimer
}

func NewPullSession(logger *zap.Logger, joined []string, timeZone *time.Location, pollingInterval time.Duration) *PullSession {
	id := uuid.Must(uuid.NewV4()).String()
	return &PullSession{
		logger:   logger.With(zap.String("sid", id)),
		id:       id,
		joined:   joined,
		timeZone: timeZone,

		lastIndex:       atomic.NewInt64(-1),
		pollingInterval: atomic.NewDuration(pollingInterval),
		lastAccess:      atomic.NewInt64(time.Now().UnixNano()),
		pending:         make([]string, 0),
	}
}

func (s *PullSession) ID() string {
	return s.id
}

func (s *PullSession) Logger() *zap.Logger {
	return s.logger
}

func (s *PullSession) JoinedInstances() []string {
	s.Lock()
	defer s.Unlock()
	return s.joined
}

func (s *PullSession) SetJoinedInstances(instances []string) {
	s.Lock()
	s.joined = instances
	s.Unlock()
}

func (s *PullSession) RemoveJoinedInstances() {
	s.Lock()
	s.joined = nil
	s.Unlock()
}

func (s *PullSession) TimeZone() *time.Location {
	return s.timeZone
}

func (s *PullSession) IsValid() bool {
	return s.expiry == nil || !s.expiry.Expired()
}

func (s *PullSession) LastIndex() int64 {
	return s.lastIndex.Load()
}

func (s *PullSession) SetLastIndex(index int64) {
	s.lastIndex.Store(index)
}

func (s *PullSession) PollingInterval() time.Duration {
	return s.pollingInterval.Load()
}

func (s *PullSession) SetPollingInterval(interval time.Duration) {
	s.pollingInterval.Store(interval)
}

// Access records client activity and pushes the expiry out.
func (s *PullSession) Access() bool {
	s.lastAccess.Store(time.Now().UnixNano())
	if s.expiry == nil {
		return true
	}
	return s.expiry.Access()
}

func (s *PullSession) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// Enqueue holds a message addressed to this session only until its next pull.
func (s *PullSession) Enqueue(message string) {
	s.Lock()
	s.pending = append(s.pending, message)
	s.Unlock()
}

func (s *PullSession) drainPending() []string {
	s.Lock()
	pending := s.pending
	s.pending = make([]string, 0)
	s.Unlock()
	return pending
}

// nextOffset moves the session one chart window further back.
func (s *PullSession) nextOffset() int {
	s.Lock()
	s.offset++
	offset := s.offset
	s.Unlock()
	return offset
}

func (s *PullSession) resetOffset() {
	s.Lock()
	s.offset = 0
	s.Unlock()
}

// follows filters buffered lines to the session's joined instances.
func (s *PullSession) follows(lines []string) []string {
	joined := s.JoinedInstances()
	if len(joined) == 0 {
		return lines
	}
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if sessionFollows(joined, MessageInstance(line)) {
			filtered = append(filtered, line)
		}
	}
	return filtered
}
