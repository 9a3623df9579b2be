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

	"go.uber.org/zap"
)

// ScheduledTask is a handle to a one-shot or cyclic callback owned by a Scheduler.
type ScheduledTask struct {
	sync.Mutex
	scheduler *Scheduler
	fn        func()
	period    time.Duration
	timer     *time.Timer
	cancelled bool
}

// Cancel prevents any future run of the task. A run already in progress completes.
func (t *ScheduledTask) Cancel() {
	t.Lock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.Unlock()
	t.scheduler.forget(t)
}

// Reschedule cancels a pending run and schedules the next one delay from now.
func (t *ScheduledTask) Reschedule(delay time.Duration) {
	t.Lock()
	if t.cancelled {
		t.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if !t.scheduler.track(t) {
		t.cancelled = true
		t.Unlock()
		return
	}
	t.timer = time.AfterFunc(delay, t.run)
	t.Unlock()
}

func (t *ScheduledTask) run() {
	t.Lock()
	if t.cancelled {
		t.Unlock()
		return
	}
	timer := t.timer
	t.Unlock()

	if !t.scheduler.enter() {
		return
	}
	defer t.scheduler.exit()

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.scheduler.logger.Error("Scheduled task panicked", zap.Any("panic", r))
			}
		}()
		t.fn()
	}()

	t.Lock()
	if t.period <= 0 {
		// Keep tracking a task rescheduled by its own callback.
		rearmed := t.timer != timer
		t.Unlock()
		if !rearmed {
			t.scheduler.forget(t)
		}
		return
	}
	if !t.cancelled {
		t.timer = time.AfterFunc(t.period, t.run)
	}
	t.Unlock()
}

// Scheduler runs timer callbacks and tears all of them down in Destroy. Destroy
// waits for callbacks already running, so once it returns no callback fires.
type Scheduler struct {
	sync.Mutex
	logger    *zap.Logger
	tasks     map[*ScheduledTask]struct{}
	running   sync.WaitGroup
	destroyed bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[*ScheduledTask]struct{}),
	}
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(fn func(), delay time.Duration) *ScheduledTask {
	return s.add(fn, delay, 0)
}

// ScheduleCyclic runs fn every period, the first run one period from now.
func (s *Scheduler) ScheduleCyclic(fn func(), period time.Duration) *ScheduledTask {
	return s.add(fn, period, period)
}

func (s *Scheduler) add(fn func(), delay, period time.Duration) *ScheduledTask {
	task := &ScheduledTask{
		scheduler: s,
		fn:        fn,
		period:    period,
	}

	s.Lock()
	if s.destroyed {
		s.Unlock()
		task.cancelled = true
		return task
	}
	s.tasks[task] = struct{}{}
	task.timer = time.AfterFunc(delay, task.run)
	s.Unlock()
	return task
}

func (s *Scheduler) track(task *ScheduledTask) bool {
	s.Lock()
	defer s.Unlock()
	if s.destroyed {
		return false
	}
	s.tasks[task] = struct{}{}
	return true
}

func (s *Scheduler) forget(task *ScheduledTask) {
	s.Lock()
	delete(s.tasks, task)
	s.Unlock()
}

func (s *Scheduler) enter() bool {
	s.Lock()
	defer s.Unlock()
	if s.destroyed {
		return false
	}
	s.running.Add(1)
	return true
}

func (s *Scheduler) exit() {
	s.running.Done()
}

// Count returns the number of tasks still scheduled.
func (s *Scheduler) Count() int {
	s.Lock()
	count := len(s.tasks)
	s.Unlock()
	return count
}

// Destroy cancels every task and waits for in-flight callbacks. It must not be
// called from inside a callback of the same scheduler.
func (s *Scheduler) Destroy() {
	s.Lock()
	if s.destroyed {
		s.Unlock()
		return
	}
	s.destroyed = true
	tasks := s.tasks
	s.tasks = make(map[*ScheduledTask]struct{})
	s.Unlock()

	for task := range tasks {
		task.Lock()
		task.cancelled = true
		if task.timer != nil {
			task.timer.Stop()
		}
		task.Unlock()
	}
	s.running.Wait()
}
