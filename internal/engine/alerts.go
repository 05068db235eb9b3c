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

// GetAlert returns a NotFoundError for an unknown id.
func (e *Engine) GetAlert(ctx context.Context, id string) (*model.CycleAlert, error) {
	if id == "" {
		return nil, model.NewValidationError("alert_id", "is required")
	}
	return e.store.GetCycleAlert(ctx, id)
}

// ListAlerts pages through alerts, newest first, optionally by status.
func (e *Engine) ListAlerts(ctx context.Context, status *model.AlertStatus, page store.Page) (*store.AlertPage, error) {
	if status != nil && !status.Valid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("unknown alert status %q", *status))
	}
	return e.store.ListCycleAlerts(ctx, store.AlertFilter{Status: status}, page)
}

// AcknowledgeAlert moves an open alert to acknowledged.
//
// An alert that is not open yields a ConflictError; an unknown id yields a
// NotFoundError.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, by string) (*model.CycleAlert, error) {
	return e.transitionAlert(ctx, "Engine.AcknowledgeAlert", id, by, func(a *model.CycleAlert, at time.Time) error {
		return a.Acknowledge(by, at)
	})
}

// ResolveAlert closes an open or acknowledged alert. Resolving a resolved
// alert yields a ConflictError.
func (e *Engine) ResolveAlert(ctx context.Context, id, by, notes string) (*model.CycleAlert, error) {
	return e.transitionAlert(ctx, "Engine.ResolveAlert", id, by, func(a *model.CycleAlert, at time.Time) error {
		return a.Resolve(by, notes, at)
	})
}

func (e *Engine) transitionAlert(ctx context.Context, spanName, id, by string, apply func(*model.CycleAlert, time.Time) error) (out *model.CycleAlert, err error) {
	ctx, span := e.startSpan(ctx, spanName, attribute.String("alert_id", id))
	defer func() { endSpan(span, err) }()

	alert, err := e.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	from := alert.Status
	if err := apply(alert, e.timestamp()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCycleAlert(ctx, alert, from); err != nil {
		return nil, err
	}
	e.logger.Info("cycle alert updated",
		slog.String("alert_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(alert.Status)),
		slog.String("by", by))
	return alert, nil
}

// SweepStaleEdges flags every edge last observed more than olderThan ago.
// Zero olderThan uses the configured threshold.
func (e *Engine) SweepStaleEdges(ctx context.Context, olderThan time.Duration) (marked int64, err error) {
	if olderThan == 0 {
		olderThan = e.cfg.StaleAfter
	}
	ctx, span := e.startSpan(ctx, "Engine.SweepStaleEdges", attribute.String("older_than", olderThan.String()))
	defer func() { endSpan(span, err) }()

	if olderThan < 0 {
		return 0, model.NewValidationError("older_than", "must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SweepTimeout)
	defer cancel()

	marked, err = e.store.MarkStaleEdges(ctx, olderThan)
	if err != nil {
		return marked, timeoutError("sweep stale edges", err)
	}
	telemetry.StaleEdgesMarkedTotal.Add(float64(marked))
	e.logger.Info("stale sweep complete",
		slog.Duration("older_than", olderThan),
		slog.Int64("marked", marked))
	return marked, nil
}
