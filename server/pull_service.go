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
	"encoding/json"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	PullTransportName = "pull"
	PullSessionCookie = "beacon_session"
)

type pullJoinRequest struct {
	Instances []string `json:"instances"`
	TimeZone  string   `json:"timezone"`
}

type pullJoinResponse struct {
	Token           string   `json:"token"`
	Instances       []string `json:"instances"`
	PollingInterval int64    `json:"pollingInterval"`
	Messages        []string `json:"messages"`
}

type pullMessagesResponse struct {
	Messages []string `json:"messages"`
}

type pullIntervalRequest struct {
	Speed int `json:"speed"`
}

type pullIntervalResponse struct {
	PollingInterval int64 `json:"pollingInterval"`
}

// PullService is the long-poll transport. Broadcast lines go to a shared
// buffer each session pops from at its own pace.
type PullService struct {
	sync.RWMutex
	logger   *zap.Logger
	config   Config
	metrics  Metrics
	hub      *ExportHub
	security *SecurityContext

	buffer    *BufferedMessages
	scheduler *Scheduler
	sweep     *ScheduledTask
	sessions  map[string]*PullSession

	sessionTimeout      time.Duration
	pollingInterval     time.Duration
	fastPollingInterval time.Duration
}

var _ TransportService = &PullService{}

func NewPullService(logger *zap.Logger, config Config, metrics Metrics, hub *ExportHub, security *SecurityContext) *PullService {
	s := &PullService{
		logger:   logger.With(zap.String("transport", PullTransportName)),
		config:   config,
		metrics:  metrics,
		hub:      hub,
		security: security,

		buffer:    NewBufferedMessages(metrics),
		scheduler: NewScheduler(logger),
		sessions:  make(map[string]*PullSession),

		sessionTimeout:      time.Duration(config.GetPull().SessionTimeoutMs) * time.Millisecond,
		pollingInterval:     time.Duration(config.GetPull().PollingIntervalMs) * time.Millisecond,
		fastPollingInterval: time.Duration(config.GetPull().FastPollingIntervalMs) * time.Millisecond,
	}
	// Expired sessions are reaped by their own timers, the sweep also trims
	// lines every live session has already seen.
	s.sweep = s.scheduler.ScheduleCyclic(s.scavenge, s.sessionTimeout)
	hub.AddService(s)
	return s
}

func (s *PullService) Name() string {
	return PullTransportName
}

func (s *PullService) Count() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.sessions)
}

func (s *PullService) Get(id string) *PullSession {
	s.RLock()
	defer s.RUnlock()
	return s.sessions[id]
}

func (s *PullService) Buffer() *BufferedMessages {
	return s.buffer
}

func (s *PullService) Broadcast(message string) {
	instance := MessageInstance(message)
	s.RLock()
	interested := false
	for _, session := range s.sessions {
		if session.IsValid() && sessionFollows(session.JoinedInstances(), instance) {
			interested = true
			break
		}
	}
	s.RUnlock()
	if !interested {
		return
	}

	s.buffer.Push(message)
	s.metrics.CountBroadcast(PullTransportName, 1)
}

func (s *PullService) BroadcastTo(session ServiceSession, message string) {
	if session, ok := session.(*PullSession); ok && s.Get(session.ID()) == session {
		session.Enqueue(message)
	}
}

func (s *PullService) IsUsingInstance(instance string) bool {
	s.RLock()
	defer s.RUnlock()
	for _, session := range s.sessions {
		if session.IsValid() && sessionFollows(session.JoinedInstances(), instance) {
			return true
		}
	}
	return false
}

// Create registers a new session and joins it to the hub.
func (s *PullService) Create(joined []string, timeZone *time.Location) (*PullSession, bool) {
	session := NewPullSession(s.logger, joined, timeZone, s.pollingInterval)
	session.expiry = NewSessionExpiryTimer(s.scheduler, s.sessionTimeout, s.scavenge)
	// Lines pushed before the session joined arrive through the join snapshot.
	session.SetLastIndex(s.buffer.MaxIndex())

	s.Lock()
	s.sessions[session.ID()] = session
	count := len(s.sessions)
	s.Unlock()
	s.metrics.GaugeSessions(PullTransportName, float64(count))

	session.Access()
	if !s.hub.Join(session) {
		s.remove(session)
		s.metrics.CountJoinRejected(PullTransportName)
		return nil, false
	}
	session.Logger().Debug("Pull session created", zap.Strings("instances", joined))
	return session, true
}

func (s *PullService) remove(session *PullSession) {
	s.Lock()
	if current, found := s.sessions[session.ID()]; found && current == session {
		delete(s.sessions, session.ID())
	}
	count := len(s.sessions)
	s.Unlock()
	s.metrics.GaugeSessions(PullTransportName, float64(count))
	session.expiry.Stop()
}

// Leave removes a session before it expires and releases its instances.
func (s *PullService) Leave(session *PullSession) {
	s.remove(session)
	s.hub.Release(session)
	s.compact()
}

// Pull returns the lines a session has not seen yet, point-to-point lines first.
func (s *PullService) Pull(session *PullSession) []string {
	messages := session.drainPending()
	return append(messages, session.follows(s.buffer.Pop(session))...)
}

// scavenge releases expired sessions and trims the buffer.
func (s *PullService) scavenge() {
	expired := make([]*PullSession, 0)
	s.Lock()
	for id, session := range s.sessions {
		if !session.IsValid() {
			delete(s.sessions, id)
			expired = append(expired, session)
		}
	}
	count := len(s.sessions)
	s.Unlock()

	if len(expired) > 0 {
		for _, session := range expired {
			session.expiry.Stop()
			s.hub.Release(session)
			session.Logger().Debug("Pull session expired", zap.Time("last_access", session.LastAccess()))
		}
		s.metrics.CountExpiredSessions(int64(len(expired)))
		s.metrics.GaugeSessions(PullTransportName, float64(count))
	}
	s.compact()
}

// compact drops buffered lines no remaining session still needs.
func (s *PullService) compact() {
	s.RLock()
	count := len(s.sessions)
	minIndex := int64(math.MaxInt64)
	for _, session := range s.sessions {
		if index := session.LastIndex(); index < minIndex {
			minIndex = index
		}
	}
	s.RUnlock()

	if count == 0 {
		s.buffer.Clear()
		return
	}
	s.buffer.Shrink(minIndex)
}

func (s *PullService) Stop() {
	s.scheduler.Destroy()

	s.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*PullSession)
	s.Unlock()
	for _, session := range sessions {
		session.expiry.Stop()
		s.hub.Release(session)
	}
	s.buffer.Clear()
	s.metrics.GaugeSessions(PullTransportName, 0)
}

func (s *PullService) sessionFromCookie(r *http.Request) *PullSession {
	cookie, err := r.Cookie(PullSessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session := s.Get(cookie.Value)
	if session == nil || !session.IsValid() {
		return nil
	}
	return session
}

// JoinHandler serves POST /v1/pull/join.
func (s *PullService) JoinHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.security.ValidateBearer(r); err != nil {
		writeEmptyJSON(w, http.StatusUnauthorized)
		return
	}

	request := &pullJoinRequest{}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.GetSocket().MaxRequestSizeBytes))
	if err != nil {
		writeEmptyJSON(w, http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, request); err != nil {
			writeEmptyJSON(w, http.StatusBadRequest)
			return
		}
	}
	timeZone, err := loadTimeZone(request.TimeZone)
	if err != nil {
		writeEmptyJSON(w, http.StatusBadRequest)
		return
	}

	// A client joining again replaces its previous session.
	if previous := s.sessionFromCookie(r); previous != nil {
		s.Leave(previous)
	}

	session, ok := s.Create(request.Instances, timeZone)
	if !ok {
		writeEmptyJSON(w, http.StatusUnauthorized)
		return
	}
	token, err := s.security.Issue(0)
	if err != nil {
		s.logger.Error("Could not issue token", zap.Error(err))
		writeEmptyJSON(w, http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     PullSessionCookie,
		Value:    session.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	instances := request.Instances
	if instances == nil {
		instances = []string{}
	}
	writeJSON(w, http.StatusOK, &pullJoinResponse{
		Token:           token,
		Instances:       instances,
		PollingInterval: session.PollingInterval().Milliseconds(),
		Messages:        s.hub.LastMessages(r.Context(), session),
	})
}

// PullHandler serves GET /v1/pull.
func (s *PullService) PullHandler(w http.ResponseWriter, r *http.Request) {
	session := s.sessionFromCookie(r)
	if session == nil || !session.Access() {
		writeEmptyJSON(w, http.StatusNotFound)
		return
	}

	var messages []string
	switch command := r.URL.Query().Get("command"); command {
	case "":
		messages = s.Pull(session)
	case "refresh":
		// A plain refresh only returns what changed, a requested granularity
		// re-queries every exporter.
		options := ReadOptions{}
		if value := r.URL.Query().Get("granularity"); value != "" {
			granularity, err := ParseBucketGranularity(value)
			if err != nil {
				writeEmptyJSON(w, http.StatusBadRequest)
				return
			}
			options.Granularity = &granularity
			options.Refresh = true
		}
		session.resetOffset()
		session.SetLastIndex(s.buffer.MaxIndex())
		messages = append(session.drainPending(), s.hub.NewMessages(r.Context(), session, options)...)
	case "loadPrevious":
		offset := session.nextOffset()
		messages = append(session.drainPending(), s.hub.NewMessages(r.Context(), session, ReadOptions{Refresh: true, Offset: offset})...)
	default:
		session.Logger().Debug("Unknown pull command", zap.String("command", command))
		writeEmptyJSON(w, http.StatusBadRequest)
		return
	}

	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, http.StatusOK, &pullMessagesResponse{Messages: messages})
}

// PollingIntervalHandler serves POST /v1/pull/polling-interval.
func (s *PullService) PollingIntervalHandler(w http.ResponseWriter, r *http.Request) {
	session := s.sessionFromCookie(r)
	if session == nil || !session.Access() {
		writeEmptyJSON(w, http.StatusNotFound)
		return
	}

	request := &pullIntervalRequest{}
	if err := json.NewDecoder(io.LimitReader(r.Body, s.config.GetSocket().MaxRequestSizeBytes)).Decode(request); err != nil && err != io.EOF {
		writeEmptyJSON(w, http.StatusBadRequest)
		return
	}
	if request.Speed == 1 {
		session.SetPollingInterval(s.fastPollingInterval)
	} else {
		session.SetPollingInterval(s.pollingInterval)
	}
	writeJSON(w, http.StatusOK, &pullIntervalResponse{PollingInterval: session.PollingInterval().Milliseconds()})
}

func loadTimeZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, nil
	}
	return time.LoadLocation(name)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeEmptyJSON(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("{}"))
}
