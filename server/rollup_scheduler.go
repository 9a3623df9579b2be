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

const rollupPersistTimeout = 5 * time.Second

// RollupScheduler commits the in-flight tallies of every counter into time
// buckets and persists the buckets that changed.
type RollupScheduler struct {
	sync.Mutex
	logger      *zap.Logger
	metrics     Metrics
	dao         CounterDAO
	granularity BucketGranularity
	interval    time.Duration
	instances   []*MonitoredInstance
	now         func() time.Time

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	done        chan struct{}
}

func NewRollupScheduler(logger *zap.Logger, config Config, metrics Metrics, dao CounterDAO, instances []*MonitoredInstance) *RollupScheduler {
	granularity, _ := ParseBucketGranularity(config.GetCounter().Granularity)
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &RollupScheduler{
		logger:      logger,
		metrics:     metrics,
		dao:         dao,
		granularity: granularity,
		interval:    time.Duration(config.GetCounter().RollupIntervalMs) * time.Millisecond,
		instances:   instances,
		now:         time.Now,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

// Hydrate seeds every counter from its last persisted bucket. A counter whose
// stored state cannot be used starts empty.
func (s *RollupScheduler) Hydrate(ctx context.Context) {
	for _, instance := range s.instances {
		for _, counter := range instance.Counters().List() {
			s.hydrateCounter(ctx, instance.Name(), counter)
		}
	}
}

func (s *RollupScheduler) hydrateCounter(ctx context.Context, instance string, counter *EventCounter) {
	snapshot, err := s.dao.GetLastCount(ctx, instance, counter.Domain())
	if err != nil {
		s.logger.Warn("Could not load counter snapshot", zap.String("instance", instance), zap.String("domain", counter.Domain()), zap.Error(err))
		return
	}
	if snapshot == nil {
		return
	}
	if err := counter.Reset(snapshot.Datetime, snapshot.Total, snapshot.Delta, snapshot.Error); err != nil {
		s.logger.Error("Could not hydrate counter", zap.String("instance", instance), zap.String("domain", counter.Domain()), zap.Error(err))
		return
	}
	s.logger.Debug("Hydrated counter", zap.String("instance", instance), zap.String("domain", counter.Domain()), zap.String("bucket", FormatBucketKey(snapshot.Datetime)), zap.Int64("total", snapshot.Total))
}

// Start hydrates the counters, including those created later, and starts the
// periodic rollup.
func (s *RollupScheduler) Start() {
	s.Lock()
	defer s.Unlock()
	if s.done != nil {
		return
	}

	// Counters created on demand are hydrated before their first count.
	for _, instance := range s.instances {
		name := instance.Name()
		instance.Counters().OnCreate(func(counter *EventCounter) {
			ctx, cancel := context.WithTimeout(s.ctx, rollupPersistTimeout)
			s.hydrateCounter(ctx, name, counter)
			cancel()
		})
	}
	s.Hydrate(s.ctx)

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.rollup(s.ctx)
			}
		}
	}()
}

// Flush performs a final rollup with the current time and persists it.
func (s *RollupScheduler) Flush(ctx context.Context) {
	s.rollup(ctx)
}

func (s *RollupScheduler) rollup(ctx context.Context) {
	bucket := s.granularity.Truncate(s.now().UTC())
	for _, instance := range s.instances {
		for _, counter := range instance.Counters().List() {
			tallied, changed := counter.RollupChanged(bucket)
			if !changed {
				continue
			}

			persistCtx, cancel := context.WithTimeout(ctx, rollupPersistTimeout)
			err := s.dao.InsertCount(persistCtx, &CounterSnapshot{
				Instance: instance.Name(),
				Domain:   counter.Domain(),
				Datetime: tallied.Datetime,
				Total:    tallied.Total,
				Delta:    tallied.Delta,
				Error:    tallied.Error,
			})
			cancel()
			if err != nil {
				s.logger.Warn("Could not persist counter snapshot", zap.String("instance", instance.Name()), zap.String("domain", counter.Domain()), zap.Error(err))
			}
			s.metrics.CountRollup(instance.Name(), err == nil)
		}
	}
}

// Stop ends the periodic rollup and waits for a rollup in progress.
func (s *RollupScheduler) Stop() {
	s.ctxCancelFn()
	s.Lock()
	done := s.done
	s.Unlock()
	if done != nil {
		<-done
	}
}
