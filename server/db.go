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
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

const DefaultDatabaseName = "beacon"

// DbConnectURL expands a configured "user:password@host:port/dbname" address
// into a full connection URL.
func DbConnectURL(address string) (*url.URL, error) {
	parsedURL, err := url.Parse(fmt.Sprintf("postgresql://%s", address))
	if err != nil {
		return nil, err
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
		parsedURL.RawQuery = query.Encode()
	}
	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("root")
	}
	if len(parsedURL.Path) < 2 {
		parsedURL.Path = "/" + DefaultDatabaseName
	}
	return parsedURL, nil
}

// DbConnect opens the connection pool used for counter persistence and
// returns the server version string.
func DbConnect(ctx context.Context, logger *zap.Logger, config Config) (*pgxpool.Pool, string) {
	dbConfig := config.GetDatabase()
	parsedURL, err := DbConnectURL(dbConfig.Addresses[0])
	if err != nil {
		logger.Fatal("Bad database connection URL", zap.Error(err))
	}

	poolConfig, err := pgxpool.ParseConfig(parsedURL.String())
	if err != nil {
		logger.Fatal("Bad database connection URL", zap.Error(err))
	}
	poolConfig.MaxConns = int32(dbConfig.MaxOpenConns)
	poolConfig.MinConns = int32(dbConfig.MaxIdleConns)
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}
	if dbConfig.ConnMaxLifetimeMs > 0 {
		poolConfig.MaxConnLifetime = time.Millisecond * time.Duration(dbConfig.ConnMaxLifetimeMs)
	}

	logger.Debug("Complete database connection URL", zap.String("raw_url", parsedURL.Redacted()))
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Error connecting to database", zap.Error(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		logger.Fatal("Error pinging database", zap.Error(err))
	}

	var dbVersion string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&dbVersion); err != nil {
		logger.Fatal("Error querying database version", zap.Error(err))
	}

	return pool, dbVersion
}
