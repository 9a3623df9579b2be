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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentation_UnitOfWork(t *testing.T) {
	instrumentation := NewInstrumentation(NewCounterRegistry("orders"))

	instrumentation.OnBeforeUnitOfWork("checkout")
	instrumentation.OnBeforeUnitOfWork("checkout")
	assert.Equal(t, int64(2), instrumentation.Active())
	instrumentation.OnAfterUnitOfWork("checkout", nil)
	instrumentation.OnAfterUnitOfWork("checkout", errors.New("declined"))

	assert.Equal(t, int64(0), instrumentation.Active())
	assert.Equal(t, int64(2), instrumentation.AcquirePeak())
	assert.Equal(t, int64(0), instrumentation.AcquirePeak())

	counter := instrumentation.Counters().Get("checkout")
	require.NotNil(t, counter)
	total, errCount := counter.Pending()
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), errCount)
}

func TestInstrumentation_Middleware(t *testing.T) {
	instrumentation := NewInstrumentation(NewCounterRegistry("self"))
	router := mux.NewRouter()
	router.Use(instrumentation.Middleware("api"))
	router.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })

	for _, path := range []string{"/ok", "/ok", "/fail"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	total, errCount := instrumentation.Counters().Get("api").Pending()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(1), errCount)
}

func TestActivityReader(t *testing.T) {
	instrumentation := NewInstrumentation(NewCounterRegistry("orders"))
	instrumentation.OnBeforeUnitOfWork("checkout")
	instrumentation.OnAfterUnitOfWork("checkout", nil)

	reader := NewActivityReader(instrumentation)
	require.NoError(t, reader.Start())
	assert.False(t, reader.HasChanges())

	instrumentation.OnBeforeUnitOfWork("checkout")
	instrumentation.OnAfterUnitOfWork("checkout", errors.New("declined"))
	assert.True(t, reader.HasChanges())

	payload := reader.Read().(*activityPayload)
	assert.Equal(t, int64(2), payload.Count)
	assert.Equal(t, int64(1), payload.Error)
	assert.Equal(t, int64(1), payload.Recent)

	payload = reader.Read().(*activityPayload)
	assert.Equal(t, int64(1), payload.Recent, "reads do not start a new interval")

	payload = reader.Sample().(*activityPayload)
	assert.Equal(t, int64(1), payload.Recent)
	assert.False(t, reader.HasChanges())
	payload = reader.Read().(*activityPayload)
	assert.Equal(t, int64(0), payload.Recent)
}

func TestActivityReader_ReadKeepsSampleInterval(t *testing.T) {
	instrumentation := NewInstrumentation(NewCounterRegistry("orders"))
	reader := NewActivityReader(instrumentation)
	require.NoError(t, reader.Start())

	for i := 0; i < 10; i++ {
		instrumentation.OnBeforeUnitOfWork("checkout")
		instrumentation.OnAfterUnitOfWork("checkout", nil)
	}

	// A dashboard joining mid-interval gets a snapshot, the timer still
	// broadcasts the whole interval.
	joined := reader.Read().(*activityPayload)
	assert.Equal(t, int64(10), joined.Recent)
	sampled := reader.Sample().(*activityPayload)
	assert.Equal(t, int64(10), sampled.Recent)
}

func TestSessionReader(t *testing.T) {
	instrumentation := NewInstrumentation(NewCounterRegistry("orders"))
	reader := NewSessionReader(instrumentation)
	assert.True(t, reader.HasChanges())

	instrumentation.OnBeforeUnitOfWork("checkout")
	instrumentation.OnBeforeUnitOfWork("checkout")
	instrumentation.OnAfterUnitOfWork("checkout", nil)

	snapshot := reader.Read().(*sessionPayload)
	assert.Equal(t, int64(1), snapshot.Active)
	assert.Equal(t, int64(2), snapshot.Peak)
	assert.True(t, reader.HasChanges(), "reads do not consume changes")

	first := reader.Sample().(*sessionPayload)
	assert.Equal(t, int64(1), first.Active)
	assert.Equal(t, int64(2), first.Peak)
	assert.False(t, reader.HasChanges())

	second := reader.Sample().(*sessionPayload)
	assert.Equal(t, int64(1), second.Peak)
	assert.True(t, reader.Greater(first, second))
	assert.False(t, reader.Greater(second, first))
}
