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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstanceBuilder(hub *ExportHub, initErr error) *InstanceBuilder {
	readers := NewReaderRegistry()
	readers.RegisterPlugin("dummy", func(*Instrumentation, map[string]string) (Reader, error) {
		reader := NewDummyReader()
		reader.initErr = initErr
		return reader, nil
	})
	return NewInstanceBuilder(logger, cfg, metrics, hub, NewLocalCounterDAO(), readers)
}

func TestInstanceBuilder_BuildInstances(t *testing.T) {
	hub := NewExportHub(logger, metrics)
	defer hub.Stop()
	builder := newTestInstanceBuilder(hub, nil)

	configs := []*InstanceConfig{
		{
			Name:     "orders",
			Counters: []string{"api"},
			Exporters: []*ExporterConfig{
				{Name: "history", Category: "data", Counter: "checkout", Granularity: "hour"},
				{Name: "health", Category: "status", SampleIntervalMs: 1000},
				{Name: "load", Category: "metric", Reader: "activity", SampleIntervalMs: 1000, ExportIntervalMs: 5000, Policy: "greater"},
				{Name: "sessions", Category: "metric", Reader: "session"},
				{Name: "tail", Category: "log", Reader: "custom", Plugin: "dummy"},
			},
		},
		{Name: "orders", Counters: []string{"duplicate"}},
		{Name: ""},
		{Name: "billing", Exporters: []*ExporterConfig{{Name: "broken", Category: "trace"}}},
		{Name: "search", Exporters: []*ExporterConfig{{Name: "hits", Category: "event", Reader: "activity"}}},
	}

	instances := builder.BuildInstances(configs)
	require.Len(t, instances, 2)
	assert.Equal(t, "orders", instances[0].Name())
	assert.Equal(t, "search", instances[1].Name())
	assert.ElementsMatch(t, []string{"orders", "search"}, hub.Instances())

	orders := instances[0]
	assert.NotNil(t, orders.Counters().Get("api"))
	assert.NotNil(t, orders.Counters().Get("checkout"), "data exporters create their counter")
	assert.Nil(t, orders.Counters().Get("duplicate"))
	assert.NotNil(t, orders.Instrumentation())
	assert.Len(t, orders.Managers(), 4)

	chart, ok := orders.Manager(CategoryData).Get("history").(*ChartExporter)
	require.True(t, ok)
	assert.Equal(t, BucketHour, chart.granularity)
	assert.IsType(t, &StatusExporter{}, orders.Manager(CategoryStatus).Get("health"))
	assert.NotNil(t, orders.Manager(CategoryMetric).Get("load"))
	assert.NotNil(t, orders.Manager(CategoryMetric).Get("sessions"))
	assert.NotNil(t, orders.Manager(CategoryLog).Get("tail"))
	assert.Nil(t, orders.Manager(CategoryEvent))
}

func TestInstanceBuilder_BuildErrors(t *testing.T) {
	hub := NewExportHub(logger, metrics)
	defer hub.Stop()

	cases := []struct {
		name     string
		exporter *ExporterConfig
	}{
		{"missing exporter name", &ExporterConfig{Category: "status"}},
		{"unknown category", &ExporterConfig{Name: "x", Category: "trace"}},
		{"negative interval", &ExporterConfig{Name: "x", Category: "status", SampleIntervalMs: -1}},
		{"data without counter", &ExporterConfig{Name: "x", Category: "data"}},
		{"bad granularity", &ExporterConfig{Name: "x", Category: "data", Counter: "api", Granularity: "week"}},
		{"reader missing", &ExporterConfig{Name: "x", Category: "metric"}},
		{"unknown policy", &ExporterConfig{Name: "x", Category: "metric", Reader: "activity", Policy: "oldest"}},
		{"unknown plugin", &ExporterConfig{Name: "x", Category: "log", Reader: "custom", Plugin: "missing"}},
		{"unknown reader kind", &ExporterConfig{Name: "x", Category: "log", Reader: "file"}},
	}
	builder := newTestInstanceBuilder(hub, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := builder.Build(&InstanceConfig{Name: "orders", Exporters: []*ExporterConfig{tc.exporter}})
			assert.Error(t, err)
		})
	}

	_, err := builder.Build(&InstanceConfig{})
	assert.ErrorIs(t, err, ErrInstanceNameMissing)

	_, err = builder.Build(&InstanceConfig{Name: "orders", Exporters: []*ExporterConfig{
		{Name: "load", Category: "metric", Reader: "activity"},
		{Name: "load", Category: "metric", Reader: "session"},
	}})
	assert.Error(t, err, "duplicate exporter names are rejected")

	initErr := errors.New("plugin unavailable")
	_, err = newTestInstanceBuilder(hub, initErr).Build(&InstanceConfig{Name: "orders", Exporters: []*ExporterConfig{
		{Name: "tail", Category: "log", Reader: "custom", Plugin: "dummy"},
	}})
	assert.ErrorIs(t, err, initErr)
	assert.Empty(t, hub.Instances(), "Build does not register managers")
}
