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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeChartLine(t *testing.T, line, prefix string) *chartPayload {
	t.Helper()
	require.True(t, strings.HasPrefix(line, prefix), line)
	payload := &chartPayload{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, prefix)), payload))
	return payload
}

func TestChartExporter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)
	dao := NewLocalCounterDAO()
	dao.now = func() time.Time { return now }
	broadcaster := &DummyBroadcaster{}
	counter := NewEventCounter("activity")
	exporter := NewChartExporter(logger, "orders", "activity-chart", counter, dao, BucketMinute, broadcaster)
	prefix := MessagePrefix("orders", CategoryData, "activity-chart")

	require.NoError(t, dao.InsertCount(ctx, &CounterSnapshot{Instance: "orders", Domain: "activity", Datetime: now.Add(-10 * time.Minute), Total: 4, Delta: 4}))
	require.NoError(t, dao.InsertCount(ctx, &CounterSnapshot{Instance: "orders", Domain: "activity", Datetime: now, Total: 6, Delta: 2, Error: 1}))

	t.Run("read renders history in the session time zone", func(t *testing.T) {
		sink := make(MessageList, 0)
		exporter.Read(ctx, &sink, ReadOptions{TimeZone: time.FixedZone("UTC+2", 2*60*60)})
		require.Len(t, sink, 1)

		payload := decodeChartLine(t, sink[0], prefix)
		assert.Equal(t, "activity", payload.Domain)
		assert.Equal(t, "minute", payload.Granularity)
		require.Len(t, payload.Rows, 2)
		assert.Equal(t, "2025-01-01 14:20", payload.Rows[0].Datetime)
		assert.Equal(t, "2025-01-01 14:30", payload.Rows[1].Datetime)
		assert.Equal(t, int64(1), payload.Rows[1].Error)
	})

	t.Run("granularity override folds buckets", func(t *testing.T) {
		hour := BucketHour
		sink := make(MessageList, 0)
		exporter.Read(ctx, &sink, ReadOptions{Granularity: &hour})
		require.Len(t, sink, 1)

		payload := decodeChartLine(t, sink[0], prefix)
		assert.Equal(t, "hour", payload.Granularity)
		require.Len(t, payload.Rows, 1)
		assert.Equal(t, int64(6), payload.Rows[0].Delta)
	})

	t.Run("rollups broadcast only while running", func(t *testing.T) {
		counter.Count()
		counter.Rollup(now)
		assert.Empty(t, broadcaster.Lines())

		scheduler := NewScheduler(logger)
		defer scheduler.Destroy()
		require.NoError(t, exporter.Start(scheduler))
		defer exporter.Stop()

		counter.Count()
		counter.Count()
		counter.Rollup(now.Add(time.Minute))

		lines := broadcaster.Lines()
		require.Len(t, lines, 1)
		payload := decodeChartLine(t, lines[0], prefix)
		require.Len(t, payload.Rows, 1)
		assert.Equal(t, "2025-01-01 12:31", payload.Rows[0].Datetime)
		assert.Equal(t, int64(3), payload.Rows[0].Total)
		assert.Equal(t, int64(2), payload.Rows[0].Delta)

		sink := make(MessageList, 0)
		exporter.ReadIfChanged(ctx, &sink, ReadOptions{})
		assert.Len(t, sink, 1)
		sink = sink[:0]
		exporter.ReadIfChanged(ctx, &sink, ReadOptions{})
		assert.Empty(t, sink)

		// One session consuming the change leaves it pending for the others.
		other := make(MessageList, 0)
		exporter.ReadIfChanged(ctx, &other, ReadOptions{SessionID: "b", TimeZone: time.FixedZone("UTC+2", 2*60*60)})
		require.Len(t, other, 1)
		assert.Equal(t, "2025-01-01 14:31", decodeChartLine(t, other[0], prefix).Rows[0].Datetime)

		joined := make(MessageList, 0)
		exporter.Read(ctx, &joined, ReadOptions{SessionID: "c"})
		exporter.ReadIfChanged(ctx, &joined, ReadOptions{SessionID: "c"})
		assert.Len(t, joined, 1, "a fresh read counts as seen")
	})
}
