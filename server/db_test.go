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
)

func TestDbConnectURL(t *testing.T) {
	cases := []struct {
		address  string
		expected string
	}{
		{"localhost:26257", "postgresql://root@localhost:26257/beacon?sslmode=prefer"},
		{"admin:secret@db:5432/metrics", "postgresql://admin:secret@db:5432/metrics?sslmode=prefer"},
		{"admin@db:5432/?sslmode=disable", "postgresql://admin@db:5432/beacon?sslmode=disable"},
	}
	for _, tc := range cases {
		parsedURL, err := DbConnectURL(tc.address)
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.expected, parsedURL.String())
	}

	_, err := DbConnectURL("root@db:bad-port")
	assert.Error(t, err)
}
