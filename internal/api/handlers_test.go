// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
	"github.com/AleutianAI/depgraph/internal/store/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *badger.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng, err := engine.New(st, engine.DefaultConfig())
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	router := NewRouter(NewHandlers(eng, nil), RouterConfig{Metrics: metrics})
	return &testServer{router: router, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func ptr[T any](v T) *T { return &v }

func ringBatch() engine.IngestRequest {
	edge := func(s, d string) engine.EdgeInput {
		return engine.EdgeInput{Source: s, Target: d, CommunicationMode: model.ModeSync, Criticality: model.CriticalityHard}
	}
	return engine.IngestRequest{
		DiscoverySource: model.SourceTraceDerived,
		ObservedAt:      time.Now().UTC(),
		Edges:           []engine.EdgeInput{edge("gateway", "checkout"), edge("checkout", "payment"), edge("payment", "gateway")},
	}
}

func TestIngestTraverseDetect(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/ingest", ringBatch())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[engine.IngestReport](t, w)
	assert.Equal(t, 3, report.ServicesCreated)
	assert.Equal(t, 3, report.EdgesUpserted)

	w = s.do(t, http.MethodGet, "/v1/services/gateway/dependencies?direction=downstream&max_depth=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[engine.TraverseResult](t, w)
	assert.ElementsMatch(t, []string{"checkout", "payment"}, result.Services)
	assert.Len(t, result.Edges, 3)

	w = s.do(t, http.MethodPost, "/v1/cycles/detect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	det := decode[engine.DetectionReport](t, w)
	require.Len(t, det.Created, 1)
	assert.Equal(t, []string{"checkout", "gateway", "payment"}, det.Created[0].Members)
	id := det.Created[0].ID

	w = s.do(t, http.MethodGet, "/v1/alerts?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[store.AlertPage](t, w)
	assert.Equal(t, 1, page.Total)

	w = s.do(t, http.MethodPost, "/v1/alerts/"+id+"/acknowledge", AcknowledgeRequest{By: "oncall"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.AlertAcknowledged, decode[model.CycleAlert](t, w).Status)

	w = s.do(t, http.MethodPost, "/v1/alerts/"+id+"/acknowledge", AcknowledgeRequest{By: "oncall"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/alerts/"+id+"/resolve", ResolveRequest{By: "oncall", Notes: "made payment async"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.AlertResolved, decode[model.CycleAlert](t, w).Status)

	w = s.do(t, http.MethodGet, "/v1/alerts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "made payment async", decode[model.CycleAlert](t, w).ResolutionNotes)
}

func TestIngest_PartialRejection(t *testing.T) {
	s := newTestServer(t)
	req := ringBatch()
	req.Edges = append(req.Edges, engine.EdgeInput{Source: "loop", Target: "loop", CommunicationMode: model.ModeSync, Criticality: model.CriticalitySoft})

	w := s.do(t, http.MethodPost, "/v1/ingest", req)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[engine.IngestReport](t, w)
	assert.Equal(t, 3, report.EdgesUpserted)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, 3, report.Rejected[0].Index)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/ingest", ringBatch()).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown service traversal", http.MethodGet, "/v1/services/ghost/dependencies", nil, http.StatusNotFound, CodeNotFound},
		{"bad direction", http.MethodGet, "/v1/services/gateway/dependencies?direction=sideways", nil, http.StatusBadRequest, CodeValidation},
		{"depth too deep", http.MethodGet, "/v1/services/gateway/dependencies?max_depth=11", nil, http.StatusBadRequest, CodeValidation},
		{"depth not a number", http.MethodGet, "/v1/services/gateway/dependencies?max_depth=deep", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"include_stale not a bool", http.MethodGet, "/v1/services/gateway/dependencies?include_stale=maybe", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown alert", http.MethodGet, "/v1/alerts/nope", nil, http.StatusNotFound, CodeNotFound},
		{"bad alert status filter", http.MethodGet, "/v1/alerts?status=closed", nil, http.StatusBadRequest, CodeValidation},
		{"negative limit", http.MethodGet, "/v1/alerts?limit=-1", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown discovery source", http.MethodPost, "/v1/ingest", engine.IngestRequest{DiscoverySource: "gossip"}, http.StatusBadRequest, CodeValidation},
		{"bad sweep duration", http.MethodPost, "/v1/edges/sweep", SweepRequest{OlderThan: "soon"}, http.StatusBadRequest, CodeInvalidRequest},
		{"negative sweep duration", http.MethodPost, "/v1/edges/sweep", SweepRequest{OlderThan: "-1h"}, http.StatusBadRequest, CodeValidation},
		{"delete unknown service", http.MethodDelete, "/v1/services/ghost", nil, http.StatusNotFound, CodeNotFound},
		{"invalid service id", http.MethodPost, "/v1/services", model.Service{ID: "Not Valid"}, http.StatusBadRequest, CodeValidation},
		{"duplicate edge", http.MethodPost, "/v1/edges", InsertEdgeRequest{
			EdgeInput: engine.EdgeInput{
				Source:            "gateway",
				Target:            "checkout",
				CommunicationMode: model.ModeSync,
				Criticality:       model.CriticalityHard,
			},
			DiscoverySource: model.SourceTraceDerived,
		}, http.StatusConflict, CodeConflict},
		{"edge timeout out of range", http.MethodPost, "/v1/edges", InsertEdgeRequest{
			EdgeInput: engine.EdgeInput{
				Source:            "gateway",
				Target:            "billing",
				CommunicationMode: model.ModeSync,
				Criticality:       model.CriticalityHard,
				TimeoutMS:         ptr(int64(math.MaxInt64)),
			},
			DiscoverySource: model.SourceManual,
		}, http.StatusBadRequest, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
}

func TestServices(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/services", model.Service{ID: "billing", OwningTeam: "payments"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	svc := decode[model.Service](t, w)
	assert.Equal(t, model.TierMedium, svc.Tier)
	assert.False(t, svc.Discovered)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/ingest", ringBatch()).Code)

	w = s.do(t, http.MethodGet, "/v1/services?discovered=true&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[store.ServicePage](t, w)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	w = s.do(t, http.MethodGet, "/v1/services/billing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "payments", decode[model.Service](t, w).OwningTeam)

	w = s.do(t, http.MethodDelete, "/v1/services/payment", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/services/gateway/dependencies?max_depth=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[engine.TraverseResult](t, w)
	assert.Equal(t, []string{"checkout"}, result.Services)
	assert.Len(t, result.Edges, 1)
}

func TestInsertEdgeAndSweep(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/edges", InsertEdgeRequest{
		EdgeInput: engine.EdgeInput{
			Source:            "orders",
			Target:            "inventory",
			CommunicationMode: model.ModeAsync,
			Criticality:       model.CriticalityDegraded,
			TimeoutMS:         ptr(int64(1500)),
		},
		DiscoverySource: model.SourceManual,
		ObservedAt:      time.Now().Add(-72 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	edge := decode[model.DependencyEdge](t, w)
	assert.Equal(t, 1, edge.ObservationCount)
	require.NotNil(t, edge.Timeout)
	assert.Equal(t, 1500*time.Millisecond, *edge.Timeout, "timeout_ms matches ingestion units")

	w = s.do(t, http.MethodPost, "/v1/edges/sweep", SweepRequest{OlderThan: "48h"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1), decode[SweepResponse](t, w).Marked)

	w = s.do(t, http.MethodPost, "/v1/edges/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(0), decode[SweepResponse](t, w).Marked)

	w = s.do(t, http.MethodGet, "/v1/services/orders/dependencies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[engine.TraverseResult](t, w).Edges)

	w = s.do(t, http.MethodGet, "/v1/services/orders/dependencies?include_stale=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[engine.TraverseResult](t, w).Edges, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# metrics")

	require.NoError(t, s.store.Close())
	w = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{model.NewValidationError("f", "bad"), http.StatusBadRequest},
		{&model.NotFoundError{Kind: "service", ID: "x"}, http.StatusNotFound},
		{&model.ConflictError{Kind: "edge", ID: "x", Reason: "dup"}, http.StatusConflict},
		{&model.TransientError{Op: "op", Err: errors.New("busy")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
