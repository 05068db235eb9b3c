// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api binds the graph engine operations to HTTP with gin.
//
// Handlers only bind requests and map errors; every rule lives in the
// engine.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

const requestIDKey = "request_id"

// Handlers serves the /v1 endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates handlers over eng. A nil logger uses slog.Default().
func NewHandlers(eng *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: eng, logger: logger.With("component", "api")}
}

// requestIDMiddleware echoes X-Request-ID, generating one when absent.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// =============================================================================
// Ingestion and traversal
// =============================================================================

// HandleIngest handles POST /v1/ingest.
//
// Rows that fail validation are reported in the body's rejected list; the
// request still succeeds with 200 as long as the valid rows were stored.
func (h *Handlers) HandleIngest(c *gin.Context) {
	var req engine.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	report, err := h.engine.IngestEdges(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "HandleIngest", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleTraverse handles GET /v1/services/:id/dependencies.
//
// Query Parameters:
//
//	direction - downstream (default), upstream or both
//	max_depth - 1..max, default from config
//	include_stale - true to follow stale edges
func (h *Handlers) HandleTraverse(c *gin.Context) {
	req := engine.TraverseRequest{ServiceID: c.Param("id")}

	if v := c.Query("direction"); v != "" {
		req.Direction = model.Direction(v)
	}
	if v := c.Query("max_depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("max_depth must be an integer, got %q", v))
			return
		}
		req.MaxDepth = n
	}
	if v := c.Query("include_stale"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("include_stale must be a boolean, got %q", v))
			return
		}
		req.IncludeStale = b
	}

	result, err := h.engine.Traverse(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "HandleTraverse", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleInsertEdge handles POST /v1/edges.
func (h *Handlers) HandleInsertEdge(c *gin.Context) {
	var req InsertEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	edge, err := h.engine.EdgeFromInput(req.DiscoverySource, req.ObservedAt, req.EdgeInput)
	if err != nil {
		h.fail(c, "HandleInsertEdge", err)
		return
	}
	out, err := h.engine.InsertEdge(c.Request.Context(), edge)
	if err != nil {
		h.fail(c, "HandleInsertEdge", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// HandleSweep handles POST /v1/edges/sweep. The body is optional.
func (h *Handlers) HandleSweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			badRequest(c, fmt.Sprintf("older_than must be a duration, got %q", req.OlderThan))
			return
		}
		olderThan = d
	}
	marked, err := h.engine.SweepStaleEdges(c.Request.Context(), olderThan)
	if err != nil {
		h.fail(c, "HandleSweep", err)
		return
	}
	c.JSON(http.StatusOK, SweepResponse{Marked: marked})
}

// =============================================================================
// Cycles and alerts
// =============================================================================

// HandleDetectCycles handles POST /v1/cycles/detect.
func (h *Handlers) HandleDetectCycles(c *gin.Context) {
	report, err := h.engine.DetectCycles(c.Request.Context())
	if err != nil {
		h.fail(c, "HandleDetectCycles", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleListAlerts handles GET /v1/alerts?status=&limit=&offset=.
func (h *Handlers) HandleListAlerts(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	var status *model.AlertStatus
	if v := c.Query("status"); v != "" {
		s := model.AlertStatus(v)
		status = &s
	}
	out, err := h.engine.ListAlerts(c.Request.Context(), status, page)
	if err != nil {
		h.fail(c, "HandleListAlerts", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetAlert handles GET /v1/alerts/:id.
func (h *Handlers) HandleGetAlert(c *gin.Context) {
	alert, err := h.engine.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "HandleGetAlert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// HandleAcknowledgeAlert handles POST /v1/alerts/:id/acknowledge.
func (h *Handlers) HandleAcknowledgeAlert(c *gin.Context) {
	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	alert, err := h.engine.AcknowledgeAlert(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		h.fail(c, "HandleAcknowledgeAlert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// HandleResolveAlert handles POST /v1/alerts/:id/resolve.
func (h *Handlers) HandleResolveAlert(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	alert, err := h.engine.ResolveAlert(c.Request.Context(), c.Param("id"), req.By, req.Notes)
	if err != nil {
		h.fail(c, "HandleResolveAlert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// =============================================================================
// Services
// =============================================================================

// HandleRegisterService handles POST /v1/services.
func (h *Handlers) HandleRegisterService(c *gin.Context) {
	var svc model.Service
	if err := c.ShouldBindJSON(&svc); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	out, err := h.engine.RegisterService(c.Request.Context(), svc)
	if err != nil {
		h.fail(c, "HandleRegisterService", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleListServices handles GET /v1/services?discovered=&limit=&offset=.
func (h *Handlers) HandleListServices(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	var discovered *bool
	if v := c.Query("discovered"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("discovered must be a boolean, got %q", v))
			return
		}
		discovered = &b
	}
	out, err := h.engine.ListServices(c.Request.Context(), discovered, page)
	if err != nil {
		h.fail(c, "HandleListServices", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetService handles GET /v1/services/:id.
func (h *Handlers) HandleGetService(c *gin.Context) {
	svc, err := h.engine.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "HandleGetService", err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

// HandleDeleteService handles DELETE /v1/services/:id.
func (h *Handlers) HandleDeleteService(c *gin.Context) {
	if err := h.engine.DeleteService(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "HandleDeleteService", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /healthz. It never touches storage.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /readyz by pinging the store.
func (h *Handlers) HandleReady(c *gin.Context) {
	if err := h.engine.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
}

// pageFromQuery reads limit and offset. It writes a 400 and returns false
// on malformed values.
func pageFromQuery(c *gin.Context) (store.Page, bool) {
	var p store.Page
	for _, f := range []struct {
		name string
		dst  *int
	}{{"limit", &p.Limit}, {"offset", &p.Offset}} {
		v := c.Query(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, fmt.Sprintf("%s must be a non-negative integer, got %q", f.name, v))
			return p, false
		}
		*f.dst = n
	}
	return p, true
}
