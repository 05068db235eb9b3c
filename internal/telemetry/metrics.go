// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/depgraph/internal/model"
)

// Domain metrics. All series carry the depgraph_ prefix.
var (
	IngestBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_ingest_batches_total",
		Help: "Ingestion batches by discovery source and result",
	}, []string{"source", "result"})

	IngestEdgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_ingest_edges_total",
		Help: "Edge rows processed by ingestion, by outcome",
	}, []string{"outcome"})

	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_merge_conflicts_total",
		Help: "Pairs where two discovery sources disagree, by winning source",
	}, []string{"winner"})

	TraversalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_traversals_total",
		Help: "Traversal queries by direction and result",
	}, []string{"direction", "result"})

	TraversalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depgraph_traversal_duration_seconds",
		Help:    "Traversal latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"direction"})

	DetectionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_cycle_detection_runs_total",
		Help: "Cycle detection passes by result",
	}, []string{"result"})

	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "depgraph_cycle_detection_duration_seconds",
		Help:    "Cycle detection pass latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	CycleAlertsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depgraph_cycle_alerts_created_total",
		Help: "Cycle alerts created",
	})

	StaleEdgesMarkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depgraph_stale_edges_marked_total",
		Help: "Edges flagged stale by sweeps",
	})
)

// ResultLabel classifies err for the result label of a counter.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrTransientStorage):
		return "transient"
	default:
		return "error"
	}
}
