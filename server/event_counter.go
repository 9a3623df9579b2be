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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// BucketKeyLayout is the textual form of a bucket key, minute resolution in UTC.
const BucketKeyLayout = "200601021504"

var ErrNegativeCounterSeed = errors.New("counter seed values must not be negative")

type BucketGranularity uint8

const (
	BucketMinute BucketGranularity = iota
	BucketHour
	BucketDay
)

func ParseBucketGranularity(s string) (BucketGranularity, error) {
	switch strings.ToLower(s) {
	case "", "minute":
		return BucketMinute, nil
	case "hour":
		return BucketHour, nil
	case "day":
		return BucketDay, nil
	default:
		return BucketMinute, fmt.Errorf("unknown bucket granularity %q", s)
	}
}

func (g BucketGranularity) String() string {
	switch g {
	case BucketHour:
		return "hour"
	case BucketDay:
		return "day"
	default:
		return "minute"
	}
}

// Truncate returns the bucket key t falls into.
func (g BucketGranularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// Window is the span of time one chart query covers at this granularity.
func (g BucketGranularity) Window() time.Duration {
	switch g {
	case BucketHour:
		return 24 * time.Hour
	case BucketDay:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

func ParseBucketKey(key string) (time.Time, error) {
	return time.ParseInLocation(BucketKeyLayout, key, time.UTC)
}

func FormatBucketKey(t time.Time) string {
	return t.UTC().Format(BucketKeyLayout)
}

// Tallied is the last committed bucket of an EventCounter.
type Tallied struct {
	Datetime time.Time `json:"-"`
	Total    int64     `json:"total"`
	Delta    int64     `json:"delta"`
	Error    int64     `json:"error"`
}

func (t Tallied) BucketKey() string {
	if t.Datetime.IsZero() {
		return ""
	}
	return FormatBucketKey(t.Datetime)
}

type RollupListener func(domain string, tallied Tallied)

// EventCounter tallies events for one domain between rollups. Count and Error
// never block, Rollup and Reset are serialized against each other.
type EventCounter struct {
	sync.Mutex
	domain string

	tallyingTotal *atomic.Int64
	tallyingError *atomic.Int64

	tallied   Tallied
	updated   *atomic.Bool
	listeners []RollupListener
}

func NewEventCounter(domain string) *EventCounter {
	return &EventCounter{
		domain: domain,

		tallyingTotal: atomic.NewInt64(0),
		tallyingError: atomic.NewInt64(0),

		updated: atomic.NewBool(false),
	}
}

func (c *EventCounter) Domain() string {
	return c.domain
}

func (c *EventCounter) Count() {
	c.tallyingTotal.Inc()
}

func (c *EventCounter) Error() {
	c.tallyingError.Inc()
}

func (c *EventCounter) AddRollupListener(fn RollupListener) {
	c.Lock()
	c.listeners = append(c.listeners, fn)
	c.Unlock()
}

// Rollup merges everything tallied since the previous rollup into the bucket
// identified by bucket. The same bucket accumulates, a new bucket replaces the
// delta. Total and error stay cumulative across buckets.
func (c *EventCounter) Rollup(bucket time.Time) Tallied {
	tallied, _ := c.RollupChanged(bucket)
	return tallied
}

// RollupChanged is Rollup that also reports whether the committed bucket
// changed. A rollup with only errors pending changes the bucket without
// marking the counter updated.
func (c *EventCounter) RollupChanged(bucket time.Time) (Tallied, bool) {
	bucket = bucket.UTC()

	c.Lock()
	total := c.tallyingTotal.Swap(0)
	errCount := c.tallyingError.Swap(0)
	if total == 0 && errCount == 0 {
		c.updated.Store(false)
		tallied := c.tallied
		c.Unlock()
		return tallied, false
	}

	if c.tallied.Datetime.Equal(bucket) {
		c.tallied.Delta += total
	} else {
		c.tallied.Datetime = bucket
		c.tallied.Delta = total
	}
	c.tallied.Total += total
	c.tallied.Error += errCount
	updated := c.tallied.Delta > 0
	c.updated.Store(updated)

	tallied := c.tallied
	listeners := c.listeners
	c.Unlock()

	if updated {
		for _, fn := range listeners {
			fn(c.domain, tallied)
		}
	}
	return tallied, true
}

// Reset seeds the counter from persisted state, discarding anything tallied.
func (c *EventCounter) Reset(bucket time.Time, total, delta, errCount int64) error {
	if total < 0 || delta < 0 || errCount < 0 {
		return ErrNegativeCounterSeed
	}

	c.Lock()
	c.tallyingTotal.Store(0)
	c.tallyingError.Store(0)
	c.tallied = Tallied{
		Datetime: bucket.UTC(),
		Total:    total,
		Delta:    delta,
		Error:    errCount,
	}
	c.updated.Store(false)
	c.Unlock()
	return nil
}

func (c *EventCounter) Tallied() Tallied {
	c.Lock()
	tallied := c.tallied
	c.Unlock()
	return tallied
}

// Pending returns the in-flight total and error counts not yet rolled up.
func (c *EventCounter) Pending() (int64, int64) {
	return c.tallyingTotal.Load(), c.tallyingError.Load()
}

func (c *EventCounter) IsUpdated() bool {
	return c.updated.Load()
}

// CounterData is a monotonic counter that can report what was added since it
// was last acquired.
type CounterData struct {
	count    *atomic.Int64
	acquired *atomic.Int64
}

func NewCounterData() *CounterData {
	return &CounterData{
		count:    atomic.NewInt64(0),
		acquired: atomic.NewInt64(0),
	}
}

func (d *CounterData) Increment() {
	d.count.Inc()
}

func (d *CounterData) Add(n int64) {
	if n <= 0 {
		return
	}
	d.count.Add(n)
}

func (d *CounterData) Count() int64 {
	return d.count.Load()
}

// Acquire returns the amount counted since the previous Acquire call.
func (d *CounterData) Acquire() int64 {
	current := d.count.Load()
	previous := d.acquired.Swap(current)
	if current < previous {
		return 0
	}
	return current - previous
}

// CounterRegistry holds the event counters of one monitored instance, keyed by domain.
type CounterRegistry struct {
	sync.RWMutex
	instance string
	domains  []string
	counters map[string]*EventCounter
	onCreate []func(counter *EventCounter)
}

func NewCounterRegistry(instance string, domains ...string) *CounterRegistry {
	r := &CounterRegistry{
		instance: instance,
		domains:  make([]string, 0, len(domains)),
		counters: make(map[string]*EventCounter, len(domains)),
	}
	for _, domain := range domains {
		r.GetOrCreate(domain)
	}
	return r
}

func (r *CounterRegistry) Instance() string {
	return r.instance
}

func (r *CounterRegistry) Get(domain string) *EventCounter {
	r.RLock()
	counter := r.counters[domain]
	r.RUnlock()
	return counter
}

func (r *CounterRegistry) GetOrCreate(domain string) *EventCounter {
	r.RLock()
	counter, found := r.counters[domain]
	r.RUnlock()
	if found {
		return counter
	}

	r.Lock()
	if counter, found = r.counters[domain]; found {
		r.Unlock()
		return counter
	}
	counter = NewEventCounter(domain)
	r.counters[domain] = counter
	r.domains = append(r.domains, domain)
	onCreate := r.onCreate
	r.Unlock()

	for _, fn := range onCreate {
		fn(counter)
	}
	return counter
}

// OnCreate registers fn to be called for every counter created after this call.
func (r *CounterRegistry) OnCreate(fn func(counter *EventCounter)) {
	r.Lock()
	r.onCreate = append(r.onCreate, fn)
	r.Unlock()
}

// List returns all counters in creation order.
func (r *CounterRegistry) List() []*EventCounter {
	r.RLock()
	counters := make([]*EventCounter, 0, len(r.domains))
	for _, domain := range r.domains {
		counters = append(counters, r.counters[domain])
	}
	r.RUnlock()
	return counters
}
