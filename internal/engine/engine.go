// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine coordinates the dependency graph operations over a
// store.Store: ingestion with source merging, bounded traversal, cycle
// detection with alert deduplication, the alert workflow, and the stale
// edge sweep.
//
// Every blocking operation takes a context and is additionally bounded by
// the timeout configured for its kind. Errors keep their model class
// (validation, not found, conflict, transient) through any added context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/depgraph/internal/merge"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
	"github.com/AleutianAI/depgraph/internal/telemetry"
)

const tracerName = "depgraph.engine"

// Config tunes the engine.
type Config struct {
	// Merge controls source priority and confidence scoring.
	Merge merge.Config

	// DefaultDepth is used when a traversal does not name a depth.
	DefaultDepth int

	// MaxDepth caps traversal depth; never above store.MaxTraversalDepth.
	MaxDepth int

	// TraversalTimeout bounds one traversal.
	TraversalTimeout time.Duration

	// DetectionTimeout bounds one cycle detection pass.
	DetectionTimeout time.Duration

	// SweepTimeout bounds one stale sweep.
	SweepTimeout time.Duration

	// StaleAfter is the sweep age threshold when the caller gives none.
	StaleAfter time.Duration

	// MaxBatchSize caps the rows in one ingestion request.
	MaxBatchSize int

	// IncludeStaleInDetection feeds stale edges to the cycle detector.
	IncludeStaleInDetection bool

	// WriteRetryAttempts bounds retries of a transient ingestion failure.
	WriteRetryAttempts int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Merge:              merge.DefaultConfig(),
		DefaultDepth:       3,
		MaxDepth:           store.MaxTraversalDepth,
		TraversalTimeout:   2 * time.Second,
		DetectionTimeout:   30 * time.Second,
		SweepTimeout:       time.Minute,
		StaleAfter:         24 * time.Hour,
		MaxBatchSize:       5000,
		WriteRetryAttempts: 3,
	}
}

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid engine config")

// Validate checks depth bounds, timeouts and the merge settings.
func (c Config) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > store.MaxTraversalDepth {
		return fmt.Errorf("%w: max depth must be within [1,%d]", ErrInvalidConfig, store.MaxTraversalDepth)
	}
	if c.DefaultDepth < 1 || c.DefaultDepth > c.MaxDepth {
		return fmt.Errorf("%w: default depth must be within [1,max depth]", ErrInvalidConfig)
	}
	if c.TraversalTimeout <= 0 || c.DetectionTimeout <= 0 || c.SweepTimeout <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("%w: timeouts and stale threshold must be positive", ErrInvalidConfig)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max batch size must be positive", ErrInvalidConfig)
	}
	if c.WriteRetryAttempts < 1 {
		return fmt.Errorf("%w: write retry attempts must be at least 1", ErrInvalidConfig)
	}
	if err := c.Merge.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Engine is the entry point for every graph operation.
//
// Thread Safety: Safe for concurrent use. Cycle detection is single-flight
// per Engine; everything else runs as an independent unit of work against
// the store.
type Engine struct {
	store    store.Store
	resolver *merge.Resolver
	cfg      Config
	logger   *slog.Logger
	now      store.Clock

	detectGroup singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c store.Clock) Option {
	return func(e *Engine) { e.now = c }
}

// New builds an Engine over st.
//
// Inputs:
//
//	st - The graph store. The Engine does not close it.
//	cfg - Engine settings; see DefaultConfig.
//
// Outputs:
//
//	*Engine - Ready for use.
//	error - ErrInvalidConfig if cfg is unusable.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolver, err := merge.NewResolver(cfg.Merge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e := &Engine{
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	return e, nil
}

// Config returns the engine settings.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) timestamp() time.Time {
	return store.Timestamp(e.now())
}

// startSpan opens a span under the engine tracer.
func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, tracerName, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	span.End()
}

// timeoutError turns an expired operation deadline into a transient error
// so callers may retry.
func timeoutError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrTransientStorage) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.TransientError{Op: op, Err: err}
	}
	return err
}

// =============================================================================
// Health
// =============================================================================

// Ping checks the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// =============================================================================
// Services
// =============================================================================

// RegisterService explicitly registers svc. A discovered placeholder with
// the same id is upgraded in place.
func (e *Engine) RegisterService(ctx context.Context, svc model.Service) (out *model.Service, err error) {
	ctx, span := e.startSpan(ctx, "Engine.RegisterService", attribute.String("service_id", svc.ID))
	defer func() { endSpan(span, err) }()

	if svc.Tier == "" {
		svc.Tier = model.TierMedium
	}
	out, err = e.store.UpsertService(ctx, svc)
	if err != nil {
		return nil, err
	}
	e.logger.Info("service registered", slog.String("service_id", out.ID), slog.String("tier", string(out.Tier)))
	return out, nil
}

// GetService returns a NotFoundError for an unknown id.
func (e *Engine) GetService(ctx context.Context, id string) (*model.Service, error) {
	if err := model.ValidateServiceID("service_id", id); err != nil {
		return nil, err
	}
	return e.store.GetService(ctx, id)
}

// ListServices pages through services ordered by id.
func (e *Engine) ListServices(ctx context.Context, discovered *bool, page store.Page) (*store.ServicePage, error) {
	return e.store.ListServices(ctx, store.ServiceFilter{Discovered: discovered}, page)
}

// DeleteService removes a service and every edge touching it.
func (e *Engine) DeleteService(ctx context.Context, id string) (err error) {
	ctx, span := e.startSpan(ctx, "Engine.DeleteService", attribute.String("service_id", id))
	defer func() { endSpan(span, err) }()

	if err := model.ValidateServiceID("service_id", id); err != nil {
		return err
	}
	if err := e.store.DeleteService(ctx, id); err != nil {
		return err
	}
	e.logger.Warn("service deleted with its edges", slog.String("service_id", id))
	return nil
}

// InsertEdge stores one edge as a plain insert. Unknown endpoints are
// created as discovered services. Unset scoring fields are filled from
// the discovery source. An existing row for the same source, target and
// discovery source is a ConflictError.
func (e *Engine) InsertEdge(ctx context.Context, edge model.DependencyEdge) (out *model.DependencyEdge, err error) {
	ctx, span := e.startSpan(ctx, "Engine.InsertEdge",
		attribute.String("source", edge.SourceServiceID),
		attribute.String("target", edge.TargetServiceID))
	defer func() { endSpan(span, err) }()

	now := e.timestamp()
	if edge.LastObservedAt.IsZero() {
		edge.LastObservedAt = now
	}
	if edge.ObservationCount == 0 {
		edge.ObservationCount = 1
	}
	if edge.ConfidenceScore == 0 {
		edge.ConfidenceScore = e.resolver.Confidence(edge.DiscoverySource, edge.ObservationCount)
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.InsertEdge(ctx, edge); err != nil {
		return nil, err
	}
	edge.LastObservedAt = store.Timestamp(edge.LastObservedAt)
	return &edge, nil
}
