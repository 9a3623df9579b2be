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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	config := NewConfig()

	assert.Contains(t, config.GetName(), "beacon-")
	assert.Equal(t, 0, config.GetShutdownGraceSec())
	assert.Equal(t, "defaultkey", config.GetSocket().ServerKey)
	assert.Equal(t, 7450, config.GetSocket().Port)
	assert.Less(t, config.GetSocket().PingPeriodMs, config.GetSocket().PongWaitMs)
	assert.Equal(t, int64(3600), config.GetSession().TokenExpirySec)
	assert.Equal(t, BucketMinute.String(), config.GetCounter().Granularity)
	assert.Empty(t, config.GetDatabase().Addresses)
	assert.Empty(t, config.GetInstances())

	warnings := ValidateConfig(logger, config)
	assert.Contains(t, warnings, "socket.server_key")
	assert.Contains(t, warnings, "session.encryption_key")
	assert.Contains(t, warnings, "instances")
}

func TestConfig_ParseArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yml")
	data := `
name: beacon-test
shutdown_grace_sec: 5
socket:
  server_key: orders-key
  port: 8000
session:
  encryption_key: orders-encryption
counter:
  granularity: hour
instances:
  - name: orders
    counters: [api, checkout]
    exporters:
      - name: load
        category: metric
        reader: activity
        sample_interval_ms: 1000
        export_interval_ms: 5000
        policy: greater
      - name: history
        category: data
        counter: checkout
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	config := ParseArgs(logger, []string{"--config", path, "--socket.port=9000", "--logger.level", "debug"})

	assert.Equal(t, path, config.GetConfig())
	assert.Equal(t, "beacon-test", config.GetName())
	assert.Equal(t, 5, config.GetShutdownGraceSec())
	assert.Equal(t, "orders-key", config.GetSocket().ServerKey)
	assert.Equal(t, 9000, config.GetSocket().Port, "flags override the file")
	assert.Equal(t, "debug", config.GetLogger().Level)
	assert.Equal(t, 4096, config.GetSocket().ReadBufferSizeBytes, "unset values keep their defaults")
	assert.Equal(t, "hour", config.GetCounter().Granularity)

	require.Len(t, config.GetInstances(), 1)
	instance := config.GetInstances()[0]
	assert.Equal(t, "orders", instance.Name)
	assert.Equal(t, []string{"api", "checkout"}, instance.Counters)
	require.Len(t, instance.Exporters, 2)
	assert.Equal(t, "greater", instance.Exporters[0].Policy)
	assert.Equal(t, 5000, instance.Exporters[0].ExportIntervalMs)
	assert.Equal(t, "checkout", instance.Exporters[1].Counter)

	warnings := ValidateConfig(logger, config)
	assert.Empty(t, warnings)
}

func TestConfig_ParseArgsWithoutFile(t *testing.T) {
	config := ParseArgs(logger, []string{"--name", "node-a", "--database.address", "root@db:26257/beacon", "--counter.granularity", "day"})

	assert.Equal(t, "node-a", config.GetName())
	assert.Equal(t, []string{"root@db:26257/beacon"}, config.GetDatabase().Addresses)
	assert.Equal(t, "day", config.GetCounter().Granularity)
	assert.Equal(t, "", config.GetConfig())
}
