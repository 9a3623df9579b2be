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
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServiceSession is the client session contract shared by every transport.
type ServiceSession interface {
	ID() string
	// JoinedInstances is empty when the session follows every instance.
	JoinedInstances() []string
	SetJoinedInstances(instances []string)
	RemoveJoinedInstances()
	TimeZone() *time.Location
	IsValid() bool
}

// TransportService delivers hub messages to the sessions of one transport.
type TransportService interface {
	Name() string
	Broadcast(message string)
	BroadcastTo(session ServiceSession, message string)
	// IsUsingInstance reports whether any live session still follows instance.
	IsUsingInstance(instance string) bool
	Count() int
	Stop()
}

// sessionFollows reports whether a session with the given joined set receives
// messages of instance.
func sessionFollows(joined []string, instance string) bool {
	if len(joined) == 0 {
		return true
	}
	for _, name := range joined {
		if name == instance {
			return true
		}
	}
	return false
}

// ExportHub distributes exporter output to every transport and starts exporter
// managers while at least one session follows their instance.
type ExportHub struct {
	sync.Mutex
	logger  *zap.Logger
	metrics Metrics

	managersMutex sync.RWMutex
	managers      []*ExporterManager

	servicesMutex sync.RWMutex
	services      []TransportService
}

func NewExportHub(logger *zap.Logger, metrics Metrics) *ExportHub {
	return &ExportHub{
		logger:  logger,
		metrics: metrics,

		managers: make([]*ExporterManager, 0),
		services: make([]TransportService, 0),
	}
}

func (h *ExportHub) AddManager(manager *ExporterManager) {
	h.managersMutex.Lock()
	h.managers = append(h.managers, manager)
	h.managersMutex.Unlock()
}

func (h *ExportHub) AddService(service TransportService) {
	h.servicesMutex.Lock()
	h.services = append(h.services, service)
	h.servicesMutex.Unlock()
}

func (h *ExportHub) listManagers(joined []string) []*ExporterManager {
	h.managersMutex.RLock()
	managers := make([]*ExporterManager, 0, len(h.managers))
	for _, manager := range h.managers {
		if sessionFollows(joined, manager.Instance()) {
			managers = append(managers, manager)
		}
	}
	h.managersMutex.RUnlock()
	return managers
}

func (h *ExportHub) listServices() []TransportService {
	h.servicesMutex.RLock()
	services := make([]TransportService, len(h.services))
	copy(services, h.services)
	h.servicesMutex.RUnlock()
	return services
}

// Instances returns the distinct instance names with registered managers.
func (h *ExportHub) Instances() []string {
	seen := make(map[string]struct{})
	instances := make([]string, 0)
	for _, manager := range h.listManagers(nil) {
		if _, found := seen[manager.Instance()]; found {
			continue
		}
		seen[manager.Instance()] = struct{}{}
		instances = append(instances, manager.Instance())
	}
	return instances
}

// Join starts the managers a session follows. Invalid sessions are rejected.
func (h *ExportHub) Join(session ServiceSession) bool {
	if !session.IsValid() {
		return false
	}

	h.Lock()
	defer h.Unlock()
	started := 0
	for _, manager := range h.listManagers(session.JoinedInstances()) {
		if !manager.IsRunning() {
			manager.Start()
			started++
		}
	}
	if started > 0 {
		h.metrics.GaugeRunningManagers(float64(h.countRunning()))
	}
	h.logger.Debug("Session joined", zap.String("sid", session.ID()), zap.Strings("instances", session.JoinedInstances()), zap.Int("started", started))
	return true
}

// Release stops the managers of every instance the session followed that no
// live session of any transport still follows. The session must already be
// gone from its transport's registry.
func (h *ExportHub) Release(session ServiceSession) {
	services := h.listServices()

	h.Lock()
	defer h.Unlock()
	for _, manager := range h.listManagers(nil) {
		manager.Forget(session.ID())
	}
	released := make(map[string]bool)
	stopped := 0
	for _, manager := range h.listManagers(session.JoinedInstances()) {
		instance := manager.Instance()
		inUse, checked := released[instance]
		if !checked {
			inUse = false
			for _, service := range services {
				if service.IsUsingInstance(instance) {
					inUse = true
					break
				}
			}
			released[instance] = inUse
		}
		if !inUse && manager.IsRunning() {
			manager.Stop()
			stopped++
		}
	}
	if stopped > 0 {
		h.metrics.GaugeRunningManagers(float64(h.countRunning()))
	}
	h.logger.Debug("Session released", zap.String("sid", session.ID()), zap.Int("stopped", stopped))
}

func (h *ExportHub) countRunning() int {
	count := 0
	for _, manager := range h.listManagers(nil) {
		if manager.IsRunning() {
			count++
		}
	}
	return count
}

// LastMessages collects a full snapshot for a session that just joined.
func (h *ExportHub) LastMessages(ctx context.Context, session ServiceSession) []string {
	options := ReadOptions{TimeZone: session.TimeZone(), SessionID: session.ID()}
	messages := make(MessageList, 0)
	for _, manager := range h.listManagers(session.JoinedInstances()) {
		manager.CollectMessages(ctx, &messages, options)
	}
	return messages
}

// NewMessages collects what changed since the session's previous collection,
// or everything again when options ask for a refresh.
func (h *ExportHub) NewMessages(ctx context.Context, session ServiceSession, options ReadOptions) []string {
	if options.TimeZone == nil {
		options.TimeZone = session.TimeZone()
	}
	options.SessionID = session.ID()
	messages := make(MessageList, 0)
	for _, manager := range h.listManagers(session.JoinedInstances()) {
		if options.Refresh {
			manager.CollectMessages(ctx, &messages, options)
		} else {
			manager.CollectNewMessages(ctx, &messages, options)
		}
	}
	return messages
}

func (h *ExportHub) Broadcast(message string) {
	for _, service := range h.listServices() {
		service.Broadcast(message)
	}
}

func (h *ExportHub) BroadcastTo(session ServiceSession, message string) {
	for _, service := range h.listServices() {
		service.BroadcastTo(session, message)
	}
}

func (h *ExportHub) Stop() {
	h.Lock()
	for _, manager := range h.listManagers(nil) {
		manager.Stop()
	}
	h.Unlock()
	h.metrics.GaugeRunningManagers(0)
}
