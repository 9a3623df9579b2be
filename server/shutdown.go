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
	"time"

	"go.uber.org/zap"
)

// HandleShutdown stops the periodic rollup and persists a final rollup of every
// counter. With a grace period the final rollup is abandoned once the period
// expires; a second signal abandons it immediately. It reports whether the
// final rollup completed.
func HandleShutdown(ctx context.Context, logger *zap.Logger, rollupScheduler *RollupScheduler, graceSeconds int, c chan os.Signal) bool {
	// If a shutdown grace period is allowed, prepare a timer.
	var timer *time.Timer
	timerCh := make(<-chan time.Time, 1)
	if graceSeconds != 0 {
		timer = time.NewTimer(time.Duration(graceSeconds) * time.Second)
		timerCh = timer.C
		logger.Info("Shutdown started - use CTRL^C to force stop server", zap.Int("grace_period_sec", graceSeconds))
	} else {
		// No grace period.
		logger.Info("Shutdown started")
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	rollupScheduler.Stop()

	flushCtx, flushCancel := context.WithCancel(ctx)
	defer flushCancel()
	flushDone := make(chan struct{})
	go func() {
		rollupScheduler.Flush(flushCtx)
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info("Final counter rollup persisted")
		return true
	case <-timerCh:
		logger.Info("Shutdown grace period expired")
	case <-c:
		// A second interrupt has been received.
		logger.Info("Skipping graceful shutdown")
	}

	// Abandon outstanding writes, the flush returns once its context is done.
	flushCancel()
	<-flushDone
	return false
}
