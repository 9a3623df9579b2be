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
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type pushState int32

const (
	pushStateConnected pushState = iota
	pushStateJoined
	pushStateActive
	pushStateClosed
)

func (s pushState) String() string {
	switch s {
	case pushStateConnected:
		return "connected"
	case pushStateJoined:
		return "joined"
	case pushStateActive:
		return "active"
	default:
		return "closed"
	}
}

const (
	pushCommandPing         = "ping"
	pushCommandJoin         = "join:"
	pushCommandEstablished  = "established"
	pushCommandRefresh      = "refresh"
	pushCommandLoadPrevious = "loadPrevious"

	pushReplyPong   = "pong:"
	pushReplyJoined = "joined:"
)

var ErrSessionQueueFull = errors.New("session outgoing queue full")

type sessionWS struct {
	sync.Mutex
	logger   *zap.Logger
	config   Config
	id       string
	timeZone *time.Location
	joined   []string
	offset   int

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	service  *PushService
	security *SecurityContext

	state              *atomic.Int32
	wsMessageType      int
	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan string
}

func NewSessionWS(logger *zap.Logger, config Config, timeZone *time.Location, conn *websocket.Conn, service *PushService, security *SecurityContext) *sessionWS {
	sessionID := uuid.Must(uuid.NewV4()).String()
	sessionLogger := logger.With(zap.String("sid", sessionID))

	sessionLogger.Info("New WebSocket session connected")

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &sessionWS{
		logger:   sessionLogger,
		config:   config,
		id:       sessionID,
		timeZone: timeZone,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		service:  service,
		security: security,

		state:              atomic.NewInt32(int32(pushStateConnected)),
		wsMessageType:      websocket.TextMessage,
		pingPeriodDuration: time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond,
		pongWaitDuration:   time.Duration(config.GetSocket().PongWaitMs) * time.Millisecond,
		writeWaitDuration:  time.Duration(config.GetSocket().WriteWaitMs) * time.Millisecond,

		stopped:                false,
		conn:                   conn,
		receivedMessageCounter: config.GetSocket().PingBackoffThreshold,
		pingTimer:              time.NewTimer(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan string, config.GetSocket().OutgoingQueueSize),
	}
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

func (s *sessionWS) ID() string {
	return s.id
}

func (s *sessionWS) Context() context.Context {
	return s.ctx
}

func (s *sessionWS) JoinedInstances() []string {
	s.Lock()
	defer s.Unlock()
	return s.joined
}

func (s *sessionWS) SetJoinedInstances(instances []string) {
	s.Lock()
	s.joined = instances
	s.Unlock()
}

func (s *sessionWS) RemoveJoinedInstances() {
	s.Lock()
	s.joined = nil
	s.Unlock()
}

func (s *sessionWS) TimeZone() *time.Location {
	return s.timeZone
}

// IsValid reports whether the channel is still open.
func (s *sessionWS) IsValid() bool {
	return s.State() != pushStateClosed
}

func (s *sessionWS) State() pushState {
	return pushState(s.state.Load())
}

// IsActive reports whether the session receives broadcasts.
func (s *sessionWS) IsActive() bool {
	return s.State() == pushStateActive
}

func (s *sessionWS) Consume() {
	defer s.Close("")

	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("Error reading message from client", zap.Error(err))
				}
			}
			break
		}
		if messageType != websocket.TextMessage {
			s.logger.Debug("Received non-text message", zap.Int("type", messageType))
			continue
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.GetSocket().PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				// Problems resetting the ping timer indicate an error so we need to close the loop.
				break
			}
		}

		if !s.processCommand(string(data)) {
			break
		}
	}
}

// processCommand handles one client command. It returns false when the
// session must close.
func (s *sessionWS) processCommand(command string) bool {
	switch {
	case command == pushCommandPing:
		token, err := s.security.Issue(0)
		if err != nil {
			s.logger.Error("Could not issue token", zap.Error(err))
			return true
		}
		return s.Send(pushReplyPong+token) == nil

	case strings.HasPrefix(command, pushCommandJoin):
		if s.State() != pushStateConnected {
			s.logger.Debug("Ignoring join, session already joined", zap.String("state", s.State().String()))
			return true
		}
		s.SetJoinedInstances(parseInstanceList(strings.TrimPrefix(command, pushCommandJoin)))
		if !s.state.CompareAndSwap(int32(pushStateConnected), int32(pushStateJoined)) {
			return true
		}
		return s.Send(pushReplyJoined) == nil

	case command == pushCommandEstablished:
		if !s.state.CompareAndSwap(int32(pushStateJoined), int32(pushStateActive)) {
			s.logger.Debug("Ignoring established, session not joined", zap.String("state", s.State().String()))
			return true
		}
		if !s.service.hub.Join(s) {
			s.service.metrics.CountJoinRejected(PushTransportName)
			return false
		}
		for _, line := range s.service.hub.LastMessages(s.ctx, s) {
			if s.Send(line) != nil {
				return false
			}
		}
		return true

	case command == pushCommandRefresh:
		if !s.IsActive() {
			return true
		}
		s.Lock()
		s.offset = 0
		s.Unlock()
		return s.sendAll(s.service.hub.NewMessages(s.ctx, s, ReadOptions{}))

	case command == pushCommandLoadPrevious:
		if !s.IsActive() {
			return true
		}
		s.Lock()
		s.offset++
		offset := s.offset
		s.Unlock()
		return s.sendAll(s.service.hub.NewMessages(s.ctx, s, ReadOptions{Refresh: true, Offset: offset}))

	default:
		s.logger.Debug("Ignoring unknown command", zap.String("command", command))
		return true
	}
}

func (s *sessionWS) sendAll(lines []string) bool {
	for _, line := range lines {
		if s.Send(line) != nil {
			return false
		}
	}
	return true
}

func parseInstanceList(list string) []string {
	instances := make([]string, 0)
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			instances = append(instances, name)
		}
	}
	return instances
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline")
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string

OutgoingLoop:
	for {
		select {
		case <-s.ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				// If ping fails the session will be stopped, clean up the loop.
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				// The connection may have stopped between the payload being queued on the outgoing channel and reaching here.
				// If that's the case then abort outgoing processing at this point and exit.
				s.Unlock()
				break OutgoingLoop
			}
			// Process the outgoing message queue.
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			if err := s.conn.WriteMessage(s.wsMessageType, []byte(payload)); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			s.Unlock()
		}
	}

	s.Close(reason)
}

func (s *sessionWS) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}

	return "", true
}

// Send queues a line for the writer goroutine. A full queue closes the session.
func (s *sessionWS) Send(line string) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return nil
	}

	select {
	case s.outgoingCh <- line:
		s.Unlock()
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't keep up.
		// Terminate the connection immediately because the only alternative that doesn't block the server is
		// to start dropping messages, which might cause unexpected behaviour.
		s.Unlock()
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block
		go s.Close(ErrSessionQueueFull.Error())
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) Close(msg string) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	wasActive := pushState(s.state.Swap(int32(pushStateClosed))) == pushStateActive

	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()

	s.logger.Debug("Cleaning up closed client connection")

	// When connection close originates internally in the session, ensure cleanup of external resources and references.
	s.service.remove(s)
	if wasActive {
		s.service.hub.Release(s)
	}

	// Clean up internals.
	s.pingTimer.Stop()

	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg), time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	s.logger.Info("Closed client connection")
}
