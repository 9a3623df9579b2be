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
	"time"

	"go.uber.org/zap"
)

// SelfInstanceName is the instance the server's own API is measured under.
const SelfInstanceName = "self"

var ErrInstanceNameMissing = errors.New("instance name missing")

// MonitoredInstance is one configured source of telemetry with its counters,
// instrumentation hooks and exporter managers.
type MonitoredInstance struct {
	name            string
	counters        *CounterRegistry
	instrumentation *Instrumentation
	managers        []*ExporterManager
}

func (i *MonitoredInstance) Name() string {
	return i.name
}

func (i *MonitoredInstance) Counters() *CounterRegistry {
	return i.counters
}

func (i *MonitoredInstance) Instrumentation() *Instrumentation {
	return i.instrumentation
}

func (i *MonitoredInstance) Managers() []*ExporterManager {
	return i.managers
}

func (i *MonitoredInstance) Manager(category Category) *ExporterManager {
	for _, manager := range i.managers {
		if manager.Category() == category {
			return manager
		}
	}
	return nil
}

// InstanceBuilder turns instance configuration into monitored instances.
type InstanceBuilder struct {
	logger      *zap.Logger
	metrics     Metrics
	hub         *ExportHub
	dao         CounterDAO
	readers     *ReaderRegistry
	granularity BucketGranularity
}

func NewInstanceBuilder(logger *zap.Logger, config Config, metrics Metrics, hub *ExportHub, dao CounterDAO, readers *ReaderRegistry) *InstanceBuilder {
	granularity, _ := ParseBucketGranularity(config.GetCounter().Granularity)
	return &InstanceBuilder{
		logger:      logger,
		metrics:     metrics,
		hub:         hub,
		dao:         dao,
		readers:     readers,
		granularity: granularity,
	}
}

// BuildInstances builds every configured instance and registers its managers
// with the hub. An invalid instance is logged and skipped.
func (b *InstanceBuilder) BuildInstances(configs []*InstanceConfig) []*MonitoredInstance {
	instances := make([]*MonitoredInstance, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))
	for _, instanceConfig := range configs {
		if _, found := seen[instanceConfig.Name]; found {
			b.logger.Error("Skipping monitored instance", zap.String("instance", instanceConfig.Name), zap.Error(fmt.Errorf("duplicate instance name %q", instanceConfig.Name)))
			continue
		}

		instance, err := b.Build(instanceConfig)
		if err != nil {
			b.logger.Error("Skipping monitored instance", zap.String("instance", instanceConfig.Name), zap.Error(err))
			continue
		}
		seen[instance.name] = struct{}{}

		for _, manager := range instance.managers {
			b.hub.AddManager(manager)
		}
		instances = append(instances, instance)
		b.logger.Info("Monitored instance ready", zap.String("instance", instance.name), zap.Int("managers", len(instance.managers)), zap.Int("counters", len(instance.counters.List())))
	}
	return instances
}

// Build builds one instance without registering it anywhere.
func (b *InstanceBuilder) Build(config *InstanceConfig) (*MonitoredInstance, error) {
	if config.Name == "" {
		return nil, ErrInstanceNameMissing
	}

	counters := NewCounterRegistry(config.Name, config.Counters...)
	instance := &MonitoredInstance{
		name:            config.Name,
		counters:        counters,
		instrumentation: NewInstrumentation(counters),
		managers:        make([]*ExporterManager, 0),
	}

	for _, exporterConfig := range config.Exporters {
		exporter, err := b.buildExporter(instance, exporterConfig)
		if err != nil {
			return nil, fmt.Errorf("exporter %q: %w", exporterConfig.Name, err)
		}

		manager := instance.Manager(exporter.Category())
		if manager == nil {
			manager = NewExporterManager(b.logger, b.metrics, instance.name, exporter.Category())
			instance.managers = append(instance.managers, manager)
		}
		if err := manager.Add(exporter); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

func (b *InstanceBuilder) buildExporter(instance *MonitoredInstance, config *ExporterConfig) (Exporter, error) {
	if config.Name == "" {
		return nil, errors.New("exporter name missing")
	}
	category, err := ParseCategory(config.Category)
	if err != nil {
		return nil, err
	}
	sampleInterval := time.Duration(config.SampleIntervalMs) * time.Millisecond
	exportInterval := time.Duration(config.ExportIntervalMs) * time.Millisecond
	if sampleInterval < 0 || exportInterval < 0 {
		return nil, errors.New("intervals must not be negative")
	}

	switch category {
	case CategoryData:
		if config.Counter == "" {
			return nil, errors.New("data exporter needs a counter domain")
		}
		granularity := b.granularity
		if config.Granularity != "" {
			if granularity, err = ParseBucketGranularity(config.Granularity); err != nil {
				return nil, err
			}
		}
		counter := instance.counters.GetOrCreate(config.Counter)
		return NewChartExporter(b.logger, instance.name, config.Name, counter, b.dao, granularity, b.hub), nil

	case CategoryStatus:
		return NewStatusExporter(b.logger, instance.name, config.Name, instance.instrumentation, sampleInterval, b.hub), nil

	default:
		if config.Reader == "" {
			return nil, fmt.Errorf("%v exporter needs a reader", category)
		}
		policy := SamplePolicyLatest
		switch SamplePolicy(config.Policy) {
		case "", SamplePolicyLatest:
		case SamplePolicyGreater:
			policy = SamplePolicyGreater
		default:
			return nil, fmt.Errorf("unknown sample policy %q", config.Policy)
		}

		reader, err := b.readers.Build(ReaderKind(config.Reader), config.Plugin, instance.instrumentation, config.Params)
		if err != nil {
			return nil, err
		}
		if err := reader.Init(); err != nil {
			return nil, fmt.Errorf("reader init: %w", err)
		}
		return NewReaderExporter(b.logger, instance.name, category, config.Name, reader, b.hub, sampleInterval, exportInterval, policy), nil
	}
}
