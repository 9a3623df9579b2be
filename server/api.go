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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type tokenResponse struct {
	Token string `json:"token"`
}

type ApiServer struct {
	logger     *zap.Logger
	httpServer *http.Server
}

// NewApiRouter builds the client facing HTTP surface. instrumentation may be
// nil, otherwise every /v1 request is measured as a unit of work.
func NewApiRouter(logger *zap.Logger, config Config, security *SecurityContext, pushService *PushService, pullService *PullService, instrumentation *Instrumentation) http.Handler {
	router := mux.NewRouter()
	// Special case routes. Do NOT enable compression or instrumentation on WebSocket route, it results in "http: response.Write on hijacked connection" errors.
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }).Methods("GET")
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) { writeEmptyJSON(w, http.StatusOK) }).Methods("GET")
	router.HandleFunc("/ws", NewSocketWsAcceptor(logger, config, pushService)).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	if instrumentation != nil {
		v1.Use(instrumentation.Middleware("api"))
	}
	v1.Use(func(next http.Handler) http.Handler {
		handlerWithGzip := handlers.CompressHandler(next)
		maxRequestSizeBytes := config.GetSocket().MaxRequestSizeBytes
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check max body size before decompressing incoming request body.
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestSizeBytes)
			handlerWithGzip.ServeHTTP(w, r)
		})
	})
	v1.HandleFunc("/token", tokenHandler(logger, security)).Methods("POST")
	v1.HandleFunc("/pull/join", pullService.JoinHandler).Methods("POST")
	v1.HandleFunc("/pull", pullService.PullHandler).Methods("GET")
	v1.HandleFunc("/pull/polling-interval", pullService.PollingIntervalHandler).Methods("POST")

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST"})
	CORSCredentials := handlers.AllowCredentials()
	return handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods, CORSCredentials)(router)
}

func tokenHandler(logger *zap.Logger, security *SecurityContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !security.CheckServerKey(r) {
			writeEmptyJSON(w, http.StatusUnauthorized)
			return
		}
		token, err := security.Issue(0)
		if err != nil {
			logger.Error("Could not issue token", zap.Error(err))
			writeEmptyJSON(w, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, &tokenResponse{Token: token})
	}
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, handler http.Handler) *ApiServer {
	s := &ApiServer{
		logger: logger,
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%v:%d", config.GetSocket().Address, config.GetSocket().Port),
			ReadTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
			WriteTimeout:   time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
			IdleTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
			MaxHeaderBytes: 5120,
			Handler:        handler,
		},
	}

	startupLogger.Info("Starting API server for HTTP requests", zap.Int("port", config.GetSocket().Port))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.Error("API server listener shutdown failed", zap.Error(err))
	}
}
