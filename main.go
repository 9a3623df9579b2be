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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/heroiclabs/beacon/migrate"
	"github.com/heroiclabs/beacon/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	// Always set default timeout on HTTP client.
	http.DefaultClient.Timeout = 1500 * time.Millisecond

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args[1:])
	tail := server.NewLogTail(zapcore.InfoLevel, config.GetLogger().TailSize)
	logger, startupLogger := server.SetupLogging(tmpLogger, config, tail)
	server.ValidateConfig(logger, config)

	startupLogger.Info("Beacon starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()), zap.Int("proc", runtime.GOMAXPROCS(0)))

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	var dao server.CounterDAO
	var closeDb func()
	if len(config.GetDatabase().Addresses) > 0 {
		startupLogger.Info("Database connections", zap.Int("count", len(config.GetDatabase().Addresses)))
		migrate.Check(ctx, startupLogger, config.GetDatabase().Addresses[0])
		pool, dbVersion := server.DbConnect(ctx, startupLogger, config)
		startupLogger.Info("Database information", zap.String("version", dbVersion))
		dao = server.NewPostgresCounterDAO(logger, pool)
		closeDb = pool.Close
	} else {
		startupLogger.Warn("No database configured, counter history is kept in memory only")
		dao = server.NewLocalCounterDAO()
		closeDb = func() {}
	}

	security := server.NewSecurityContext(config)
	hub := server.NewExportHub(logger, metrics)

	readers := server.NewReaderRegistry()
	readers.RegisterPlugin("runtime", server.NewRuntimeReader)
	readers.RegisterPlugin("log", tail.NewReaderFactory())

	instances := server.NewInstanceBuilder(logger, config, metrics, hub, dao, readers).BuildInstances(config.GetInstances())
	var selfInstrumentation *server.Instrumentation
	for _, instance := range instances {
		if instance.Name() == server.SelfInstanceName {
			selfInstrumentation = instance.Instrumentation()
		}
	}

	rollupScheduler := server.NewRollupScheduler(logger, config, metrics, dao, instances)
	rollupScheduler.Start()

	pushService := server.NewPushService(logger, metrics, hub, security)
	pullService := server.NewPullService(logger, config, metrics, hub, security)

	router := server.NewApiRouter(logger, config, security, pushService, pullService, selfInstrumentation)
	apiServer := server.StartApiServer(logger, startupLogger, config, router)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c

	// Gracefully stop server components.
	apiServer.Stop()
	pushService.Stop()
	pullService.Stop()
	hub.Stop()

	server.HandleShutdown(ctx, startupLogger, rollupScheduler, config.GetShutdownGraceSec(), c)

	metrics.Stop(logger)
	closeDb()
	ctxCancelFn()

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
