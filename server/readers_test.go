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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestReaderRegistry(t *testing.T) {
	registry := NewReaderRegistry()
	registry.RegisterPlugin("runtime", NewRuntimeReader)
	instrumentation := NewInstrumentation(NewCounterRegistry("orders"))

	reader, err := registry.Build(ReaderKindActivity, "", instrumentation, nil)
	require.NoError(t, err)
	assert.IsType(t, &ActivityReader{}, reader)

	reader, err = registry.Build(ReaderKindSession, "", instrumentation, nil)
	require.NoError(t, err)
	assert.IsType(t, &SessionReader{}, reader)

	reader, err = registry.Build(ReaderKindCustom, "runtime", instrumentation, nil)
	require.NoError(t, err)
	assert.IsType(t, &RuntimeReader{}, reader)
	require.NoError(t, reader.Init())
	payload, ok := reader.Read().(*runtimePayload)
	require.True(t, ok)
	assert.Greater(t, payload.Goroutines, 0)

	_, err = registry.Build(ReaderKindCustom, "missing", instrumentation, nil)
	assert.Error(t, err)
	_, err = registry.Build(ReaderKind("bogus"), "", instrumentation, nil)
	assert.Error(t, err)
}

func TestLogTail(t *testing.T) {
	tail := NewLogTail(zapcore.InfoLevel, 3)
	tailLogger := zap.New(tail).With(zap.String("node", "beacon-test"))

	tailLogger.Debug("hidden")
	tailLogger.Info("before start")

	reader, err := tail.NewReaderFactory()(nil, nil)
	require.NoError(t, err)
	require.NoError(t, reader.Start())
	assert.False(t, reader.HasChanges())
	assert.Nil(t, reader.Read())

	tailLogger.Info("first", zap.Int("n", 1))
	tailLogger.Warn("second")
	assert.True(t, reader.HasChanges())

	lines := reader.Read().([]*logLine)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0].Level)
	assert.Contains(t, lines[0].Message, "first")
	assert.Contains(t, lines[0].Message, "n=1")
	assert.Contains(t, lines[0].Message, "node=beacon-test")
	assert.Equal(t, "warn", lines[1].Level)

	for i := 0; i < 5; i++ {
		tailLogger.Error("flood")
	}
	lines = reader.Read().([]*logLine)
	assert.Len(t, lines, 3, "only the retained tail is returned")
	assert.Len(t, reader.Read(), 3, "reads leave the position alone")

	sampler := reader.(SamplingReader)
	assert.Len(t, sampler.Sample(), 3)
	assert.False(t, reader.HasChanges())
	assert.Nil(t, reader.Read())
	assert.Nil(t, sampler.Sample())
}

func TestLogTail_FieldOrder(t *testing.T) {
	tail := NewLogTail(zapcore.InfoLevel, 10)
	tailLogger := zap.New(tail).With(zap.String("zone", "eu"))

	for i := 0; i < 5; i++ {
		tailLogger.Info("request", zap.String("path", "/v1/pull"), zap.Int("code", 200), zap.String("agent", "dashboard"))
	}

	reader, err := tail.NewReaderFactory()(nil, nil)
	require.NoError(t, err)
	lines := reader.Read().([]*logLine)
	require.Len(t, lines, 5)
	for _, line := range lines {
		assert.Equal(t, "request agent=dashboard code=200 path=/v1/pull zone=eu", line.Message)
	}
}
