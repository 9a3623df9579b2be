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
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	GaugeSessions(transport string, value float64)
	GaugeBufferedMessages(value float64)
	GaugeRunningManagers(value float64)

	CountBroadcast(transport string, delta int64)
	CountExporterStartFailure(instance string, category Category)
	CountRollup(instance string, persisted bool)
	CountExpiredSessions(delta int64)
	CountJoinRejected(transport string)
}

var _ Metrics = &LocalMetrics{}

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	cancelFn context.CancelFunc

	prometheusHTTPServer *http.Server

	scope       tally.Scope
	scopeCloser io.Closer
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	ctx, cancelFn := context.WithCancel(context.Background())

	m := &LocalMetrics{
		logger: logger,
		config: config,

		cancelFn: cancelFn,
	}

	go func() {
		const snapshotFrequencySec = 5
		ticker := time.NewTicker(snapshotFrequencySec * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scope.Gauge("uptime_sec").Update(time.Since(startedAt).Seconds())
			}
		}
	}()

	// Create Prometheus reporter and root scope.
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.scope, m.scopeCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	// Check if exposing Prometheus metrics directly is enabled.
	if config.GetMetrics().PrometheusPort > 0 {
		// Create a HTTP server to expose Prometheus metrics through.
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		router := mux.NewRouter()
		router.Handle("/", reporter.HTTPHandler()).Methods("GET")
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
			WriteTimeout: time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
			IdleTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

var startedAt = time.Now()

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		// Stop Prometheus server if one is running.
		if err := m.prometheusHTTPServer.Shutdown(context.Background()); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}

	// Close the metrics scope and stop the snapshot goroutine.
	if err := m.scopeCloser.Close(); err != nil {
		logger.Error("Error closing metrics scope", zap.Error(err))
	}
	m.cancelFn()
}

func (m *LocalMetrics) GaugeSessions(transport string, value float64) {
	m.scope.Tagged(map[string]string{"transport": transport}).Gauge("sessions").Update(value)
}

func (m *LocalMetrics) GaugeBufferedMessages(value float64) {
	m.scope.Gauge("buffered_messages").Update(value)
}

func (m *LocalMetrics) GaugeRunningManagers(value float64) {
	m.scope.Gauge("running_managers").Update(value)
}

func (m *LocalMetrics) CountBroadcast(transport string, delta int64) {
	m.scope.Tagged(map[string]string{"transport": transport}).Counter("broadcast_messages").Inc(delta)
}

func (m *LocalMetrics) CountExporterStartFailure(instance string, category Category) {
	m.scope.Tagged(map[string]string{"instance": instance, "category": string(category)}).Counter("exporter_start_failures").Inc(1)
}

func (m *LocalMetrics) CountRollup(instance string, persisted bool) {
	name := "rollups"
	if persisted {
		name = "rollups_persisted"
	}
	m.scope.Tagged(map[string]string{"instance": instance}).Counter(name).Inc(1)
}

func (m *LocalMetrics) CountExpiredSessions(delta int64) {
	m.scope.Counter("expired_sessions").Inc(delta)
}

func (m *LocalMetrics) CountJoinRejected(transport string) {
	m.scope.Tagged(map[string]string{"transport": transport}).Counter("join_rejected").Inc(1)
}
