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
	"strconv"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const chartTimeLayout = "2006-01-02 15:04"

type chartRowPayload struct {
	Datetime string `json:"datetime"`
	Total    int64  `json:"total"`
	Delta    int64  `json:"delta"`
	Error    int64  `json:"error"`
}

type chartPayload struct {
	Domain      string             `json:"domain"`
	Granularity string             `json:"granularity"`
	Offset      int                `json:"offset"`
	Rows        []*chartRowPayload `json:"rows"`
}

// ChartExporter serves the time-bucketed history of one event counter.
type ChartExporter struct {
	baseExporter
	counter     *EventCounter
	dao         CounterDAO
	granularity BucketGranularity

	running    *atomic.Bool
	generation *atomic.Int64
}

// granularity is the bucket size counters are rolled up with.
func NewChartExporter(logger *zap.Logger, instance, name string, counter *EventCounter, dao CounterDAO, granularity BucketGranularity, broadcaster MessageBroadcaster) *ChartExporter {
	e := &ChartExporter{
		baseExporter: newBaseExporter(logger, instance, CategoryData, name, broadcaster),
		counter:      counter,
		dao:          dao,
		granularity:  granularity,

		running:    atomic.NewBool(false),
		generation: atomic.NewInt64(0),
	}
	counter.AddRollupListener(e.onRollup)
	return e
}

func (e *ChartExporter) Start(scheduler *Scheduler) error {
	e.running.Store(true)
	return nil
}

func (e *ChartExporter) Stop() error {
	e.running.Store(false)
	return nil
}

// onRollup broadcasts the new bucket row. Broadcast lines are shared by every
// session, so their times are rendered in UTC; reads use the session's zone.
func (e *ChartExporter) onRollup(domain string, tallied Tallied) {
	if !e.running.Load() {
		return
	}
	e.generation.Inc()
	e.Broadcast(e.latestPayload(tallied, time.UTC))
}

func (e *ChartExporter) Read(ctx context.Context, sink MessageSink, options ReadOptions) {
	granularity := e.granularity
	if options.Granularity != nil {
		granularity = *options.Granularity
	}
	if options.Offset == 0 {
		e.markers.Update(options.SessionID, strconv.FormatInt(e.generation.Load(), 10))
	}
	rows, err := e.dao.QueryChartData(ctx, e.instance, e.counter.Domain(), granularity, options.Offset)
	if err != nil {
		e.logger.Warn("Could not query chart data", zap.Error(err))
		return
	}

	loc := options.Location()
	payload := &chartPayload{
		Domain:      e.counter.Domain(),
		Granularity: granularity.String(),
		Offset:      options.Offset,
		Rows:        make([]*chartRowPayload, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Rows = append(payload.Rows, &chartRowPayload{
			Datetime: row.Datetime.In(loc).Format(chartTimeLayout),
			Total:    row.Total,
			Delta:    row.Delta,
			Error:    row.Error,
		})
	}
	e.emit(sink, payload)
}

func (e *ChartExporter) ReadIfChanged(ctx context.Context, sink MessageSink, options ReadOptions) {
	generation := e.generation.Load()
	if generation == 0 || !e.markers.Update(options.SessionID, strconv.FormatInt(generation, 10)) {
		return
	}
	e.emit(sink, e.latestPayload(e.counter.Tallied(), options.Location()))
}

func (e *ChartExporter) latestPayload(tallied Tallied, loc *time.Location) *chartPayload {
	return &chartPayload{
		Domain:      e.counter.Domain(),
		Granularity: e.granularity.String(),
		Rows: []*chartRowPayload{{
			Datetime: tallied.Datetime.In(loc).Format(chartTimeLayout),
			Total:    tallied.Total,
			Delta:    tallied.Delta,
			Error:    tallied.Error,
		}},
	}
}
