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
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const PushTransportName = "push"

// PushService is the WebSocket transport. Only sessions that completed the
// join handshake receive broadcasts.
type PushService struct {
	logger   *zap.Logger
	metrics  Metrics
	hub      *ExportHub
	security *SecurityContext

	sessions     *sync.Map
	sessionCount *atomic.Int32
}

var _ TransportService = &PushService{}

func NewPushService(logger *zap.Logger, metrics Metrics, hub *ExportHub, security *SecurityContext) *PushService {
	s := &PushService{
		logger:   logger.With(zap.String("transport", PushTransportName)),
		metrics:  metrics,
		hub:      hub,
		security: security,

		sessions:     &sync.Map{},
		sessionCount: atomic.NewInt32(0),
	}
	hub.AddService(s)
	return s
}

func (s *PushService) Name() string {
	return PushTransportName
}

func (s *PushService) Count() int {
	return int(s.sessionCount.Load())
}

func (s *PushService) Get(id string) *sessionWS {
	session, ok := s.sessions.Load(id)
	if !ok {
		return nil
	}
	return session.(*sessionWS)
}

func (s *PushService) add(session *sessionWS) {
	s.sessions.Store(session.ID(), session)
	count := s.sessionCount.Inc()
	s.metrics.GaugeSessions(PushTransportName, float64(count))
}

func (s *PushService) remove(session *sessionWS) {
	if _, loaded := s.sessions.LoadAndDelete(session.ID()); !loaded {
		return
	}
	count := s.sessionCount.Dec()
	s.metrics.GaugeSessions(PushTransportName, float64(count))
}

func (s *PushService) Broadcast(message string) {
	instance := MessageInstance(message)
	sent := int64(0)
	s.sessions.Range(func(_, value interface{}) bool {
		session := value.(*sessionWS)
		if session.IsActive() && sessionFollows(session.JoinedInstances(), instance) {
			if session.Send(message) == nil {
				sent++
			}
		}
		return true
	})
	if sent > 0 {
		s.metrics.CountBroadcast(PushTransportName, sent)
	}
}

func (s *PushService) BroadcastTo(session ServiceSession, message string) {
	if session, ok := session.(*sessionWS); ok && s.Get(session.ID()) == session {
		_ = session.Send(message)
	}
}

func (s *PushService) IsUsingInstance(instance string) bool {
	using := false
	s.sessions.Range(func(_, value interface{}) bool {
		session := value.(*sessionWS)
		if session.IsActive() && sessionFollows(session.JoinedInstances(), instance) {
			using = true
			return false
		}
		return true
	})
	return using
}

func (s *PushService) Stop() {
	s.sessions.Range(func(_, value interface{}) bool {
		value.(*sessionWS).Close("server shutting down")
		return true
	})
}

// NewSocketWsAcceptor returns the handler upgrading authenticated requests to
// push sessions.
func NewSocketWsAcceptor(logger *zap.Logger, config Config, service *PushService) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	// This handler will be attached to the API server.
	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		if err := service.security.Validate(r.URL.Query().Get("token")); err != nil {
			service.metrics.CountJoinRejected(PushTransportName)
			writeEmptyJSON(w, http.StatusUnauthorized)
			return
		}

		timeZone, err := loadTimeZone(r.URL.Query().Get("tz"))
		if err != nil {
			writeEmptyJSON(w, http.StatusBadRequest)
			return
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		// Wrap the connection for application handling.
		session := NewSessionWS(service.logger, config, timeZone, conn, service, service.security)

		// Add to the session registry.
		service.add(session)

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()
	}
}
