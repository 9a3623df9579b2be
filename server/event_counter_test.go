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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBucket(t *testing.T, key string) time.Time {
	t.Helper()
	bucket, err := ParseBucketKey(key)
	require.NoError(t, err)
	return bucket
}

func TestEventCounter_Rollup(t *testing.T) {
	t.Run("counts are committed to the bucket", func(t *testing.T) {
		counter := NewEventCounter("activity")
		for i := 0; i < 3; i++ {
			counter.Count()
		}

		tallied := counter.Rollup(mustBucket(t, "202501011200"))

		assert.Equal(t, int64(3), tallied.Total)
		assert.Equal(t, int64(3), tallied.Delta)
		assert.Equal(t, int64(0), tallied.Error)
		assert.Equal(t, "202501011200", tallied.BucketKey())
		assert.True(t, counter.IsUpdated())

		total, errCount := counter.Pending()
		assert.Zero(t, total)
		assert.Zero(t, errCount)
	})

	t.Run("same bucket accumulates the delta", func(t *testing.T) {
		counter := NewEventCounter("activity")
		bucket := mustBucket(t, "202501011200")
		for i := 0; i < 4; i++ {
			counter.Count()
		}
		counter.Rollup(bucket)
		for i := 0; i < 2; i++ {
			counter.Count()
		}

		tallied := counter.Rollup(bucket)

		// Delta is the per-bucket sum, so 4 then 2 in one bucket gives 6.
		assert.Equal(t, int64(6), tallied.Total)
		assert.Equal(t, int64(6), tallied.Delta)
		assert.Equal(t, "202501011200", tallied.BucketKey())
		assert.True(t, counter.IsUpdated())
	})

	t.Run("new bucket replaces the delta and keeps the total", func(t *testing.T) {
		counter := NewEventCounter("activity")
		counter.Count()
		counter.Count()
		counter.Error()
		counter.Rollup(mustBucket(t, "202501011200"))
		counter.Count()

		tallied := counter.Rollup(mustBucket(t, "202501011201"))

		assert.Equal(t, int64(3), tallied.Total)
		assert.Equal(t, int64(1), tallied.Delta)
		assert.Equal(t, int64(1), tallied.Error)
		assert.Equal(t, "202501011201", tallied.BucketKey())
	})

	t.Run("empty rollup leaves the counter untouched", func(t *testing.T) {
		counter := NewEventCounter("activity")
		counter.Count()
		before := counter.Rollup(mustBucket(t, "202501011200"))

		after := counter.Rollup(mustBucket(t, "202501011205"))

		assert.False(t, counter.IsUpdated())
		assert.Equal(t, before, after)
		assert.Equal(t, before, counter.Tallied())
	})

	t.Run("errors alone change the bucket without a delta", func(t *testing.T) {
		counter := NewEventCounter("activity")
		counter.Count()
		_, changed := counter.RollupChanged(mustBucket(t, "202501011200"))
		assert.True(t, changed)

		counter.Error()
		tallied, changed := counter.RollupChanged(mustBucket(t, "202501011201"))

		assert.True(t, changed)
		assert.False(t, counter.IsUpdated())
		assert.Equal(t, "202501011201", tallied.BucketKey())
		assert.Equal(t, int64(1), tallied.Total)
		assert.Equal(t, int64(0), tallied.Delta)
		assert.Equal(t, int64(1), tallied.Error)

		_, changed = counter.RollupChanged(mustBucket(t, "202501011202"))
		assert.False(t, changed)
	})

	t.Run("listeners see updated buckets only", func(t *testing.T) {
		counter := NewEventCounter("activity")
		seen := make([]Tallied, 0)
		counter.AddRollupListener(func(domain string, tallied Tallied) {
			assert.Equal(t, "activity", domain)
			seen = append(seen, tallied)
		})

		counter.Rollup(mustBucket(t, "202501011200"))
		counter.Count()
		counter.Rollup(mustBucket(t, "202501011201"))

		require.Len(t, seen, 1)
		assert.Equal(t, int64(1), seen[0].Delta)
	})

	t.Run("concurrent counts are never lost", func(t *testing.T) {
		counter := NewEventCounter("activity")
		bucket := mustBucket(t, "202501011200")
		wg := &sync.WaitGroup{}
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 500; j++ {
					counter.Count()
					if j%50 == 0 {
						counter.Rollup(bucket)
					}
				}
			}()
		}
		wg.Wait()

		tallied := counter.Rollup(bucket)
		assert.Equal(t, int64(4000), tallied.Total)
		assert.Equal(t, int64(4000), tallied.Delta)
	})
}

func TestEventCounter_Reset(t *testing.T) {
	t.Run("seeds the committed bucket and drops pending counts", func(t *testing.T) {
		counter := NewEventCounter("orders")
		counter.Count()
		counter.Error()

		err := counter.Reset(mustBucket(t, "202501011200"), 10, 2, 1)
		require.NoError(t, err)

		tallied := counter.Tallied()
		assert.Equal(t, int64(10), tallied.Total)
		assert.Equal(t, int64(2), tallied.Delta)
		assert.Equal(t, int64(1), tallied.Error)
		assert.False(t, counter.IsUpdated())
		total, errCount := counter.Pending()
		assert.Zero(t, total)
		assert.Zero(t, errCount)

		counter.Count()
		tallied = counter.Rollup(mustBucket(t, "202501011200"))
		assert.Equal(t, int64(11), tallied.Total)
		assert.Equal(t, int64(3), tallied.Delta)
	})

	t.Run("negative seeds are rejected", func(t *testing.T) {
		counter := NewEventCounter("orders")
		err := counter.Reset(mustBucket(t, "202501011200"), -1, 0, 0)
		assert.ErrorIs(t, err, ErrNegativeCounterSeed)
		assert.Equal(t, Tallied{}, counter.Tallied())
	})
}

func TestCounterData_Acquire(t *testing.T) {
	data := NewCounterData()
	data.Increment()
	data.Add(4)
	data.Add(-3)

	assert.Equal(t, int64(5), data.Count())
	assert.Equal(t, int64(5), data.Acquire())
	assert.Equal(t, int64(0), data.Acquire())

	data.Increment()
	assert.Equal(t, int64(1), data.Acquire())
	assert.Equal(t, int64(6), data.Count())
}

func TestCounterRegistry(t *testing.T) {
	registry := NewCounterRegistry("orders", "activity", "checkout")
	created := make([]string, 0)
	registry.OnCreate(func(counter *EventCounter) {
		created = append(created, counter.Domain())
	})

	assert.Equal(t, "orders", registry.Instance())
	assert.Nil(t, registry.Get("refunds"))
	refunds := registry.GetOrCreate("refunds")
	assert.Same(t, refunds, registry.GetOrCreate("refunds"))
	assert.Same(t, refunds, registry.Get("refunds"))

	domains := make([]string, 0)
	for _, counter := range registry.List() {
		domains = append(domains, counter.Domain())
	}
	assert.Equal(t, []string{"activity", "checkout", "refunds"}, domains)
	assert.Equal(t, []string{"refunds"}, created)
}

func TestBucketGranularity(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 34, 56, 0, time.UTC)

	g, err := ParseBucketGranularity("HOUR")
	require.NoError(t, err)
	assert.Equal(t, BucketHour, g)
	_, err = ParseBucketGranularity("week")
	assert.Error(t, err)

	assert.Equal(t, "202501011234", FormatBucketKey(BucketMinute.Truncate(at)))
	assert.Equal(t, "202501011200", FormatBucketKey(BucketHour.Truncate(at)))
	assert.Equal(t, "202501010000", FormatBucketKey(BucketDay.Truncate(at)))

	local := time.FixedZone("UTC+2", 2*60*60)
	assert.Equal(t, "202501011000", FormatBucketKey(BucketHour.Truncate(time.Date(2025, 1, 1, 12, 5, 0, 0, local))))
}
