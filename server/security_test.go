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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityContext_Tokens(t *testing.T) {
	security := NewSecurityContext(cfg)
	assert.Equal(t, time.Duration(cfg.GetSession().TokenExpirySec)*time.Second, security.TokenExpiry())

	t.Run("issued tokens validate", func(t *testing.T) {
		token, err := security.Issue(0)
		require.NoError(t, err)
		assert.NoError(t, security.Validate(token))

		claims := &jwt.RegisteredClaims{}
		require.NoError(t, parseJWTToken(cfg.GetSession().EncryptionKey, token, claims))
		assert.NotEmpty(t, claims.ID)
		assert.WithinDuration(t, time.Now().Add(security.TokenExpiry()), claims.ExpiresAt.Time, 5*time.Second)
	})

	t.Run("tokens carry unique ids", func(t *testing.T) {
		first, err := security.Issue(time.Minute)
		require.NoError(t, err)
		second, err := security.Issue(time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("empty, foreign and expired tokens are rejected", func(t *testing.T) {
		assert.ErrorIs(t, security.Validate(""), ErrTokenMissing)
		assert.ErrorIs(t, security.Validate("garbage"), ErrTokenInvalid)

		foreign, err := generateJWTToken("another-key", &jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
		require.NoError(t, err)
		assert.ErrorIs(t, security.Validate(foreign), ErrTokenInvalid)

		expired, err := generateJWTToken(cfg.GetSession().EncryptionKey, &jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
		require.NoError(t, err)
		assert.ErrorIs(t, security.Validate(expired), ErrTokenInvalid)

		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &jwt.RegisteredClaims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		assert.ErrorIs(t, security.Validate(none), ErrTokenInvalid)
	})
}

func TestSecurityContext_Requests(t *testing.T) {
	security := NewSecurityContext(cfg)
	token, err := security.Issue(0)
	require.NoError(t, err)

	t.Run("server key as basic auth username", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/v1/token", nil)
		assert.False(t, security.CheckServerKey(r))
		r.SetBasicAuth("wrongkey", "")
		assert.False(t, security.CheckServerKey(r))
		r.SetBasicAuth(cfg.GetSocket().ServerKey, "")
		assert.True(t, security.CheckServerKey(r))
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/v1/pull/join", nil)
		assert.ErrorIs(t, security.ValidateBearer(r), ErrTokenMissing)
		r.Header.Set("Authorization", "Basic abc")
		assert.ErrorIs(t, security.ValidateBearer(r), ErrTokenMissing)
		r.Header.Set("Authorization", "bearer "+token)
		assert.NoError(t, security.ValidateBearer(r))
	})
}
