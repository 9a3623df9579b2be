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
	"sync"

	"go.uber.org/zap"
)

// ExporterManager owns the exporters of one instance and category and starts
// and stops them together on a private scheduler.
type ExporterManager struct {
	sync.Mutex
	logger   *zap.Logger
	metrics  Metrics
	instance string
	category Category

	names     []string
	exporters map[string]Exporter
	scheduler *Scheduler
}

func NewExporterManager(logger *zap.Logger, metrics Metrics, instance string, category Category) *ExporterManager {
	return &ExporterManager{
		logger:   logger.With(zap.String("instance", instance), zap.String("category", string(category))),
		metrics:  metrics,
		instance: instance,
		category: category,

		names:     make([]string, 0),
		exporters: make(map[string]Exporter),
	}
}

func (m *ExporterManager) Instance() string {
	return m.instance
}

func (m *ExporterManager) Category() Category {
	return m.category
}

func (m *ExporterManager) Add(exporter Exporter) error {
	if exporter.Instance() != m.instance || exporter.Category() != m.category {
		return fmt.Errorf("exporter %v belongs to %v:%v, not %v:%v", exporter.Name(), exporter.Instance(), exporter.Category(), m.instance, m.category)
	}

	m.Lock()
	defer m.Unlock()
	if _, found := m.exporters[exporter.Name()]; found {
		return fmt.Errorf("duplicate exporter name %v", exporter.Name())
	}
	m.names = append(m.names, exporter.Name())
	m.exporters[exporter.Name()] = exporter
	return nil
}

func (m *ExporterManager) Get(name string) Exporter {
	m.Lock()
	exporter := m.exporters[name]
	m.Unlock()
	return exporter
}

func (m *ExporterManager) list() []Exporter {
	m.Lock()
	exporters := make([]Exporter, 0, len(m.names))
	for _, name := range m.names {
		exporters = append(exporters, m.exporters[name])
	}
	m.Unlock()
	return exporters
}

func (m *ExporterManager) IsRunning() bool {
	m.Lock()
	running := m.scheduler != nil
	m.Unlock()
	return running
}

// Start starts every exporter. An exporter that fails to start is logged and
// skipped, its siblings still start.
func (m *ExporterManager) Start() {
	m.Lock()
	defer m.Unlock()
	if m.scheduler != nil {
		return
	}

	m.scheduler = NewScheduler(m.logger)
	for _, name := range m.names {
		if err := m.exporters[name].Start(m.scheduler); err != nil {
			m.logger.Error("Could not start exporter", zap.String("exporter", name), zap.Error(err))
			m.metrics.CountExporterStartFailure(m.instance, m.category)
		}
	}
	m.logger.Debug("Exporter manager started", zap.Int("exporters", len(m.names)))
}

// Stop stops every exporter and destroys the scheduler. No exporter timer
// fires once Stop returns.
func (m *ExporterManager) Stop() {
	m.Lock()
	defer m.Unlock()
	if m.scheduler == nil {
		return
	}

	for _, name := range m.names {
		if err := m.exporters[name].Stop(); err != nil {
			m.logger.Warn("Could not stop exporter", zap.String("exporter", name), zap.Error(err))
		}
	}
	m.scheduler.Destroy()
	m.scheduler = nil
	m.logger.Debug("Exporter manager stopped")
}

func (m *ExporterManager) CollectMessages(ctx context.Context, sink MessageSink, options ReadOptions) {
	for _, exporter := range m.list() {
		exporter.Read(ctx, sink, options)
	}
}

func (m *ExporterManager) CollectNewMessages(ctx context.Context, sink MessageSink, options ReadOptions) {
	for _, exporter := range m.list() {
		exporter.ReadIfChanged(ctx, sink, options)
	}
}

// Forget drops the change tracking every exporter keeps for a session.
func (m *ExporterManager) Forget(sessionID string) {
	for _, exporter := range m.list() {
		exporter.Forget(sessionID)
	}
}
