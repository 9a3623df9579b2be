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
	"crypto"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
)

// SecurityContext issues and validates the opaque time-limited tokens clients
// present to the transports.
type SecurityContext struct {
	signingKey  string
	serverKey   string
	tokenExpiry time.Duration
}

func NewSecurityContext(config Config) *SecurityContext {
	return &SecurityContext{
		signingKey:  config.GetSession().EncryptionKey,
		serverKey:   config.GetSocket().ServerKey,
		tokenExpiry: time.Duration(config.GetSession().TokenExpirySec) * time.Second,
	}
}

// TokenExpiry is the lifetime of tokens issued with a zero ttl.
func (s *SecurityContext) TokenExpiry() time.Duration {
	return s.tokenExpiry
}

func (s *SecurityContext) Issue(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.tokenExpiry
	}
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		ID:        uuid.Must(uuid.NewV4()).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return generateJWTToken(s.signingKey, claims)
}

func (s *SecurityContext) Validate(token string) error {
	if token == "" {
		return ErrTokenMissing
	}
	if err := parseJWTToken(s.signingKey, token, &jwt.RegisteredClaims{}); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return nil
}

// CheckServerKey reports whether the request carries the server key as the
// basic auth username.
func (s *SecurityContext) CheckServerKey(r *http.Request) bool {
	username, _, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(username), []byte(s.serverKey)) == 1
}

// ValidateBearer validates the token of an "Authorization: Bearer" header.
func (s *SecurityContext) ValidateBearer(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ErrTokenMissing
	}
	return s.Validate(auth[len(prefix):])
}

func generateJWTToken(signingKey string, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

func parseJWTToken(signingKey, tokenString string, outClaims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, outClaims, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is invalid")
	}

	if err := outClaims.Valid(); err != nil {
		return errors.New("failed to extract claims from token")
	}
	return nil
}
