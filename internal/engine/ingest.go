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
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/depgraph/internal/merge"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/telemetry"
)

// EdgeInput is one observed edge in an ingestion request.
type EdgeInput struct {
	Source            string                  `json:"source" yaml:"source"`
	Target            string                  `json:"target" yaml:"target"`
	CommunicationMode model.CommunicationMode `json:"communication_mode" yaml:"communication_mode"`
	Criticality       model.Criticality       `json:"criticality" yaml:"criticality"`
	Protocol          string                  `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	TimeoutMS         *int64                  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryPolicy       *model.RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// IngestRequest is a batch of edges observed by one discovery source.
type IngestRequest struct {
	DiscoverySource model.DiscoverySource `json:"discovery_source" yaml:"discovery_source"`

	// ObservedAt defaults to now when zero.
	ObservedAt time.Time   `json:"observed_at" yaml:"observed_at"`
	Edges      []EdgeInput `json:"edges" yaml:"edges"`
}

// Rejection reports one row that failed validation.
type Rejection struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// IngestReport summarizes one ingestion batch.
type IngestReport struct {
	DiscoverySource model.DiscoverySource `json:"discovery_source"`
	ObservedAt      time.Time             `json:"observed_at"`
	ServicesCreated int                   `json:"services_created"`
	EdgesUpserted   int                   `json:"edges_upserted"`
	Rejected        []Rejection           `json:"rejected"`
	Conflicts       []merge.Conflict      `json:"conflicts"`
	Attempts        int                   `json:"attempts"`
}

// IngestEdges merges a batch from one discovery source into the graph.
//
// Description:
//
//	Rows that fail validation are rejected individually and reported; the
//	remaining rows proceed. Unknown endpoints become discovered services.
//	Stored rows for the same pairs are read and merged by the resolver,
//	then written in one bulk upsert. A transient failure retries the
//	whole read-merge-write with exponential backoff.
//
// Outputs:
//
//	*IngestReport - Counts, rejections and merge conflicts.
//	error - ValidationError for a bad discovery source or an oversized
//	        batch; otherwise the store error that survived retries.
func (e *Engine) IngestEdges(ctx context.Context, req IngestRequest) (report *IngestReport, err error) {
	ctx, span := e.startSpan(ctx, "Engine.IngestEdges",
		attribute.String("discovery_source", string(req.DiscoverySource)),
		attribute.Int("rows", len(req.Edges)))
	defer func() {
		telemetry.IngestBatchesTotal.WithLabelValues(string(req.DiscoverySource), telemetry.ResultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if !req.DiscoverySource.Valid() {
		return nil, model.NewValidationError("discovery_source", fmt.Sprintf("unknown discovery source %q", req.DiscoverySource))
	}
	if len(req.Edges) > e.cfg.MaxBatchSize {
		return nil, model.NewValidationError("edges", fmt.Sprintf("batch of %d rows exceeds the limit of %d", len(req.Edges), e.cfg.MaxBatchSize))
	}

	observedAt := e.timestamp()
	if !req.ObservedAt.IsZero() {
		observedAt = req.ObservedAt.UTC().Truncate(time.Microsecond)
	}
	report = &IngestReport{
		DiscoverySource: req.DiscoverySource,
		ObservedAt:      observedAt,
		Rejected:        []Rejection{},
		Conflicts:       []merge.Conflict{},
	}

	valid := make([]model.DependencyEdge, 0, len(req.Edges))
	for i, in := range req.Edges {
		edge, err := e.EdgeFromInput(req.DiscoverySource, observedAt, in)
		if err == nil {
			err = edge.Validate()
		}
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{Index: i, Source: in.Source, Target: in.Target, Reason: err.Error()})
			e.logger.Warn("edge rejected",
				slog.String("discovery_source", string(req.DiscoverySource)),
				slog.Int("index", i),
				slog.String("source", in.Source),
				slog.String("target", in.Target),
				slog.String("reason", err.Error()))
			continue
		}
		valid = append(valid, edge)
	}
	telemetry.IngestEdgesTotal.WithLabelValues("rejected").Add(float64(len(report.Rejected)))
	if len(valid) == 0 {
		return report, nil
	}

	op := func() (*IngestReport, error) {
		report.Attempts++
		r, err := e.applyBatch(ctx, req.DiscoverySource, observedAt, valid)
		if err != nil && !model.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	applied, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.WriteRetryAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("ingest batch retry",
				slog.String("discovery_source", string(req.DiscoverySource)),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest %d edges from %s: %w", len(valid), req.DiscoverySource, err)
	}

	report.ServicesCreated = applied.ServicesCreated
	report.EdgesUpserted = applied.EdgesUpserted
	report.Conflicts = applied.Conflicts
	telemetry.IngestEdgesTotal.WithLabelValues("upserted").Add(float64(report.EdgesUpserted))

	e.logger.Info("edges ingested",
		slog.String("discovery_source", string(req.DiscoverySource)),
		slog.Int("edges_upserted", report.EdgesUpserted),
		slog.Int("services_created", report.ServicesCreated),
		slog.Int("rejected", len(report.Rejected)),
		slog.Int("conflicts", len(report.Conflicts)))
	return report, nil
}

// applyBatch runs one read-merge-write attempt.
func (e *Engine) applyBatch(ctx context.Context, source model.DiscoverySource, observedAt time.Time, batch []model.DependencyEdge) (*IngestReport, error) {
	seenPair := make(map[model.PairKey]bool, len(batch))
	pairs := make([]model.PairKey, 0, len(batch))
	for _, edge := range batch {
		if p := edge.Pair(); !seenPair[p] {
			seenPair[p] = true
			pairs = append(pairs, p)
		}
	}

	existing, err := e.store.EdgesForPairs(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("load stored edges: %w", err)
	}
	res, err := e.resolver.Resolve(source, observedAt, batch, existing)
	if err != nil {
		return nil, err
	}
	upserted, err := e.store.BulkUpsertEdges(ctx, res.Upserts)
	if err != nil {
		return nil, fmt.Errorf("bulk upsert: %w", err)
	}

	for _, c := range res.Conflicts {
		telemetry.MergeConflictsTotal.WithLabelValues(string(c.Winner)).Inc()
		e.logger.Info("discovery sources disagree",
			slog.String("source", c.Source),
			slog.String("target", c.Target),
			slog.String("winner", string(c.Winner)),
			slog.String("loser", string(c.Loser)))
	}
	conflicts := res.Conflicts
	if conflicts == nil {
		conflicts = []merge.Conflict{}
	}
	return &IngestReport{ServicesCreated: upserted.ServicesCreated, EdgesUpserted: len(upserted.Edges), Conflicts: conflicts}, nil
}

// maxTimeoutMS is the largest timeout_ms that converts to a time.Duration
// without overflow.
const maxTimeoutMS = math.MaxInt64 / int64(time.Millisecond)

// EdgeFromInput converts one wire row into an edge tagged with source and
// observed at observedAt. Range checks that need the raw wire value happen
// here; everything else is left to DependencyEdge.Validate.
func (e *Engine) EdgeFromInput(source model.DiscoverySource, observedAt time.Time, in EdgeInput) (model.DependencyEdge, error) {
	edge := model.DependencyEdge{
		SourceServiceID:   in.Source,
		TargetServiceID:   in.Target,
		CommunicationMode: in.CommunicationMode,
		Criticality:       in.Criticality,
		Protocol:          in.Protocol,
		RetryPolicy:       in.RetryPolicy,
		DiscoverySource:   source,
		ConfidenceScore:   e.resolver.Confidence(source, 1),
		ObservationCount:  1,
		LastObservedAt:    observedAt,
	}
	if in.TimeoutMS != nil {
		ms := *in.TimeoutMS
		if ms > maxTimeoutMS || ms < -maxTimeoutMS {
			return edge, model.NewValidationError("timeout_ms",
				fmt.Sprintf("%d is out of range, the maximum is %d", ms, maxTimeoutMS))
		}
		d := time.Duration(ms) * time.Millisecond
		edge.Timeout = &d
	}
	return edge, nil
}
