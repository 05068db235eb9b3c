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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/depgraph/internal/cycles"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/telemetry"
)

// DetectionReport summarizes one cycle detection pass.
type DetectionReport struct {
	Components     []cycles.Component `json:"components"`
	AlertsCreated  int                `json:"alerts_created"`
	AlertsExisting int                `json:"alerts_existing"`
	Created        []model.CycleAlert `json:"created"`
	Nodes          int                `json:"nodes"`
	Edges          int                `json:"edges"`
	DanglingEdges  int                `json:"dangling_edges"`
	Duration       time.Duration      `json:"duration_ns"`

	// Shared is true when this caller joined a pass already in flight.
	Shared bool `json:"shared"`
}

// DetectCycles runs a full strongly-connected-component pass and raises
// an alert for every cycle without an open or acknowledged alert.
//
// Description:
//
//	Concurrent calls share a single pass. The adjacency snapshot is read
//	in one store call, Tarjan runs in memory, and alert creation relies on
//	the store's active-alert uniqueness, so a cycle already alerted on is
//	counted in AlertsExisting rather than duplicated.
//
// Outputs:
//
//	*DetectionReport - What was found and created.
//	error - TransientError on timeout; store errors wrapped with the cycle.
func (e *Engine) DetectCycles(ctx context.Context) (*DetectionReport, error) {
	v, err, shared := e.detectGroup.Do("detect", func() (any, error) {
		return e.detectCycles(ctx)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*DetectionReport)
	report.Shared = shared
	return &report, nil
}

func (e *Engine) detectCycles(ctx context.Context) (report *DetectionReport, err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "Engine.DetectCycles",
		attribute.Bool("include_stale", e.cfg.IncludeStaleInDetection))
	defer func() {
		telemetry.DetectionRunsTotal.WithLabelValues(telemetry.ResultLabel(err)).Inc()
		telemetry.DetectionDuration.Observe(time.Since(start).Seconds())
		endSpan(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DetectionTimeout)
	defer cancel()

	adj, err := e.store.AdjacencyList(ctx, e.cfg.IncludeStaleInDetection)
	if err != nil {
		return nil, timeoutError("detect cycles", fmt.Errorf("load adjacency: %w", err))
	}
	components, stats, err := cycles.Detect(ctx, adj)
	if err != nil {
		return nil, timeoutError("detect cycles", fmt.Errorf("scc pass over %d nodes: %w", stats.Nodes, err))
	}

	report = &DetectionReport{
		Components:    components,
		Created:       []model.CycleAlert{},
		Nodes:         stats.Nodes,
		Edges:         stats.Edges,
		DanglingEdges: stats.DanglingEdges,
	}
	now := e.timestamp()
	for _, c := range components {
		alert, err := model.NewCycleAlert(c.Members, now)
		if err != nil {
			return nil, fmt.Errorf("build alert for cycle %s: %w", c.Key, err)
		}
		err = e.store.CreateCycleAlert(ctx, alert)
		var conflict *model.ConflictError
		switch {
		case err == nil:
			report.AlertsCreated++
			report.Created = append(report.Created, alert.Clone())
			telemetry.CycleAlertsCreatedTotal.Inc()
			e.logger.Warn("dependency cycle detected",
				slog.String("alert_id", alert.ID),
				slog.String("members", alert.MemberKey),
				slog.Int("size", c.Size()))
		case errors.As(err, &conflict):
			report.AlertsExisting++
		default:
			return nil, timeoutError("detect cycles", fmt.Errorf("create alert for cycle %s: %w", c.Key, err))
		}
	}
	report.Duration = time.Since(start)

	e.logger.Info("cycle detection complete",
		slog.Int("nodes", stats.Nodes),
		slog.Int("edges", stats.Edges),
		slog.Int("components", len(components)),
		slog.Int("alerts_created", report.AlertsCreated),
		slog.Int("alerts_existing", report.AlertsExisting),
		slog.Duration("elapsed", report.Duration))
	return report, nil
}
