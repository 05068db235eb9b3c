// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
	"github.com/AleutianAI/depgraph/internal/telemetry"
)

// TraverseRequest asks for the subgraph around one service.
type TraverseRequest struct {
	ServiceID string          `json:"service_id"`
	Direction model.Direction `json:"direction"`

	// MaxDepth of zero means the configured default depth.
	MaxDepth     int  `json:"max_depth"`
	IncludeStale bool `json:"include_stale"`
}

// TraverseResult is the bounded subgraph around Root.
//
// Edges holds every per-source row; Canonical holds one edge per
// (source, target) pair chosen by discovery source priority.
type TraverseResult struct {
	Root         string                 `json:"root"`
	Direction    model.Direction        `json:"direction"`
	MaxDepth     int                    `json:"max_depth"`
	IncludeStale bool                   `json:"include_stale"`
	Services     []string               `json:"services"`
	Edges        []model.DependencyEdge `json:"edges"`
	Canonical    []model.DependencyEdge `json:"canonical_edges"`
}

// Traverse returns the services and edges within MaxDepth hops of the
// requested service.
//
// Description:
//
//	Validates direction and depth, checks the start service exists, and
//	runs one store traversal under the traversal timeout. Cycles are
//	returned, not rejected. The start service never appears in Services.
//
// Outputs:
//
//	*TraverseResult - Possibly empty when the service has no edges.
//	error - ValidationError for bad parameters, NotFoundError for an
//	        unknown service, TransientError on timeout.
func (e *Engine) Traverse(ctx context.Context, req TraverseRequest) (result *TraverseResult, err error) {
	if req.Direction == "" {
		req.Direction = model.DirectionDownstream
	}
	if req.MaxDepth == 0 {
		req.MaxDepth = e.cfg.DefaultDepth
	}

	start := time.Now()
	ctx, span := e.startSpan(ctx, "Engine.Traverse",
		attribute.String("service_id", req.ServiceID),
		attribute.String("direction", string(req.Direction)),
		attribute.Int("max_depth", req.MaxDepth),
		attribute.Bool("include_stale", req.IncludeStale))
	defer func() {
		dir := string(req.Direction)
		if !req.Direction.Valid() {
			dir = "invalid"
		}
		telemetry.TraversalsTotal.WithLabelValues(dir, telemetry.ResultLabel(err)).Inc()
		if err == nil {
			telemetry.TraversalDuration.WithLabelValues(dir).Observe(time.Since(start).Seconds())
		}
		endSpan(span, err)
	}()

	q := store.TraverseQuery{
		StartID:      req.ServiceID,
		Direction:    req.Direction,
		MaxDepth:     req.MaxDepth,
		IncludeStale: req.IncludeStale,
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if req.MaxDepth > e.cfg.MaxDepth {
		return nil, model.NewValidationError("max_depth", fmt.Sprintf("must be at most %d", e.cfg.MaxDepth))
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TraversalTimeout)
	defer cancel()

	if _, err := e.store.GetService(ctx, req.ServiceID); err != nil {
		return nil, timeoutError("traverse", err)
	}
	sg, err := e.store.Traverse(ctx, q)
	if err != nil {
		return nil, timeoutError("traverse", err)
	}

	result = &TraverseResult{
		Root:         req.ServiceID,
		Direction:    req.Direction,
		MaxDepth:     req.MaxDepth,
		IncludeStale: req.IncludeStale,
		Services:     sg.Services,
		Edges:        sg.Edges,
		Canonical:    e.resolver.Canonicalize(sg.Edges),
	}
	e.logger.Debug("traversal complete",
		slog.String("service_id", req.ServiceID),
		slog.String("direction", string(req.Direction)),
		slog.Int("services", len(result.Services)),
		slog.Int("edges", len(result.Edges)),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}
