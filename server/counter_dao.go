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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var ErrCounterSchemaMissing = errors.New("counter schema missing, run `beacon migrate up`")

type CounterSnapshot struct {
	Instance string
	Domain   string
	Datetime time.Time
	Total    int64
	Delta    int64
	Error    int64
}

type ChartRow struct {
	Datetime time.Time
	Total    int64
	Delta    int64
	Error    int64
}

type CounterDAO interface {
	// GetLastCount returns the most recent snapshot, or nil if none was stored.
	GetLastCount(ctx context.Context, instance, domain string) (*CounterSnapshot, error)
	InsertCount(ctx context.Context, snapshot *CounterSnapshot) error
	// QueryChartData returns bucketed rows of one window ordered by time,
	// offset windows back from the current one.
	QueryChartData(ctx context.Context, instance, domain string, granularity BucketGranularity, offset int) ([]*ChartRow, error)
}

// chartWindow returns the [start, end) range covered by a chart query.
func chartWindow(now time.Time, granularity BucketGranularity, offset int) (time.Time, time.Time) {
	if offset < 0 {
		offset = 0
	}
	window := granularity.Window()
	end := granularity.Truncate(now).Add(bucketStep(granularity))
	end = end.Add(-time.Duration(offset) * window)
	return end.Add(-window), end
}

func bucketStep(granularity BucketGranularity) time.Duration {
	switch granularity {
	case BucketHour:
		return time.Hour
	case BucketDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

type PostgresCounterDAO struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
	now    func() time.Time
}

func NewPostgresCounterDAO(logger *zap.Logger, pool *pgxpool.Pool) *PostgresCounterDAO {
	return &PostgresCounterDAO{
		logger: logger,
		pool:   pool,
		now:    time.Now,
	}
}

func (d *PostgresCounterDAO) GetLastCount(ctx context.Context, instance, domain string) (*CounterSnapshot, error) {
	query := `
SELECT bucket, total, delta, error
FROM counter_snapshot
WHERE instance = $1 AND domain = $2
ORDER BY bucket DESC
LIMIT 1`
	snapshot := &CounterSnapshot{Instance: instance, Domain: domain}
	err := d.pool.QueryRow(ctx, query, instance, domain).Scan(&snapshot.Datetime, &snapshot.Total, &snapshot.Delta, &snapshot.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyCounterError(err)
	}
	snapshot.Datetime = snapshot.Datetime.UTC()
	return snapshot, nil
}

func (d *PostgresCounterDAO) InsertCount(ctx context.Context, snapshot *CounterSnapshot) error {
	query := `
INSERT INTO counter_snapshot (instance, domain, bucket, total, delta, error, update_time)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (instance, domain, bucket)
DO UPDATE SET total = $4, delta = $5, error = $6, update_time = now()`
	if _, err := d.pool.Exec(ctx, query, snapshot.Instance, snapshot.Domain, snapshot.Datetime.UTC(), snapshot.Total, snapshot.Delta, snapshot.Error); err != nil {
		return classifyCounterError(err)
	}
	return nil
}

func (d *PostgresCounterDAO) QueryChartData(ctx context.Context, instance, domain string, granularity BucketGranularity, offset int) ([]*ChartRow, error) {
	start, end := chartWindow(d.now(), granularity, offset)
	query := `
SELECT date_trunc($3, bucket) AS b, max(total), sum(delta), max(error)
FROM counter_snapshot
WHERE instance = $1 AND domain = $2 AND bucket >= $4 AND bucket < $5
GROUP BY b
ORDER BY b ASC`
	rows, err := d.pool.Query(ctx, query, instance, domain, granularity.String(), start, end)
	if err != nil {
		return nil, classifyCounterError(err)
	}
	defer rows.Close()

	result := make([]*ChartRow, 0)
	for rows.Next() {
		row := &ChartRow{}
		if err := rows.Scan(&row.Datetime, &row.Total, &row.Delta, &row.Error); err != nil {
			return nil, err
		}
		row.Datetime = row.Datetime.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyCounterError(err)
	}
	return result, nil
}

func classifyCounterError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %s", ErrCounterSchemaMissing, pgErr.Message)
	}
	return err
}

type counterKey struct {
	instance string
	domain   string
}

// LocalCounterDAO keeps snapshots in memory, for deployments without a database.
type LocalCounterDAO struct {
	sync.RWMutex
	snapshots map[counterKey][]*CounterSnapshot
	now       func() time.Time
}

func NewLocalCounterDAO() *LocalCounterDAO {
	return &LocalCounterDAO{
		snapshots: make(map[counterKey][]*CounterSnapshot),
		now:       time.Now,
	}
}

func (d *LocalCounterDAO) GetLastCount(ctx context.Context, instance, domain string) (*CounterSnapshot, error) {
	d.RLock()
	defer d.RUnlock()
	snapshots := d.snapshots[counterKey{instance: instance, domain: domain}]
	if len(snapshots) == 0 {
		return nil, nil
	}
	last := *snapshots[len(snapshots)-1]
	return &last, nil
}

func (d *LocalCounterDAO) InsertCount(ctx context.Context, snapshot *CounterSnapshot) error {
	s := *snapshot
	s.Datetime = s.Datetime.UTC()
	key := counterKey{instance: s.Instance, domain: s.Domain}

	d.Lock()
	defer d.Unlock()
	snapshots := d.snapshots[key]
	idx := sort.Search(len(snapshots), func(i int) bool {
		return !snapshots[i].Datetime.Before(s.Datetime)
	})
	if idx < len(snapshots) && snapshots[idx].Datetime.Equal(s.Datetime) {
		snapshots[idx] = &s
		return nil
	}
	snapshots = append(snapshots, nil)
	copy(snapshots[idx+1:], snapshots[idx:])
	snapshots[idx] = &s
	d.snapshots[key] = snapshots
	return nil
}

func (d *LocalCounterDAO) QueryChartData(ctx context.Context, instance, domain string, granularity BucketGranularity, offset int) ([]*ChartRow, error) {
	start, end := chartWindow(d.now(), granularity, offset)

	d.RLock()
	defer d.RUnlock()
	result := make([]*ChartRow, 0)
	for _, s := range d.snapshots[counterKey{instance: instance, domain: domain}] {
		if s.Datetime.Before(start) || !s.Datetime.Before(end) {
			continue
		}
		bucket := granularity.Truncate(s.Datetime)
		if n := len(result); n > 0 && result[n-1].Datetime.Equal(bucket) {
			row := result[n-1]
			row.Delta += s.Delta
			if s.Total > row.Total {
				row.Total = s.Total
			}
			if s.Error > row.Error {
				row.Error = s.Error
			}
			continue
		}
		result = append(result, &ChartRow{Datetime: bucket, Total: s.Total, Delta: s.Delta, Error: s.Error})
	}
	return result, nil
}
