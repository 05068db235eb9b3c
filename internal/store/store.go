// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the Graph Store contract shared by the storage
// backends.
//
// # Backends
//
//   - store/sqlite: relational, traversal as a single recursive CTE.
//   - store/badger: embedded key-value, traversal as a per-depth BFS over
//     forward and reverse prefix indexes inside one read transaction.
//
// Both backends run the same conformance suite in store/storetest.
//
// # Errors
//
// Backends return the model error taxonomy: *model.ValidationError for
// constraint violations, *model.NotFoundError, *model.ConflictError for
// uniqueness and compare-and-set failures, and *model.TransientError for
// busy/locked/timeout conditions that are safe to retry.
//
// # Timestamps
//
// Stored times are truncated to microseconds in UTC.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/AleutianAI/depgraph/internal/model"
)

// MaxTraversalDepth is the hard upper bound on traversal depth.
const MaxTraversalDepth = 10

// Pagination bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Store persists services, dependency edges and cycle alerts.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// UpsertService registers svc explicitly. An existing row, including a
	// discovered placeholder, is updated in place keeping its created_at and
	// clearing Discovered. Returns the stored row.
	UpsertService(ctx context.Context, svc model.Service) (*model.Service, error)

	// GetService returns *model.NotFoundError for an unknown id.
	GetService(ctx context.Context, id string) (*model.Service, error)

	// ListServices returns services ordered by id.
	ListServices(ctx context.Context, filter ServiceFilter, page Page) (*ServicePage, error)

	// DeleteService removes a service and cascades to every edge touching it.
	DeleteService(ctx context.Context, id string) error

	// EnsureServices creates discovered placeholders for unknown ids and
	// returns how many were created.
	EnsureServices(ctx context.Context, ids []string, at time.Time) (int, error)

	// InsertEdge inserts a single edge, failing with *model.ConflictError if
	// the (source, target, discovery source) row already exists. Unknown
	// endpoints are created as discovered placeholders in the same
	// transaction.
	InsertEdge(ctx context.Context, edge model.DependencyEdge) error

	// BulkUpsertEdges inserts or replaces every edge by (source, target,
	// discovery source) in one transaction. Unknown endpoints are created
	// as discovered placeholders in that transaction, so a failed batch
	// leaves neither edges nor services behind.
	BulkUpsertEdges(ctx context.Context, edges []model.DependencyEdge) (*UpsertResult, error)

	// EdgesForPairs returns all per-source rows for the given pairs.
	EdgesForPairs(ctx context.Context, pairs []model.PairKey) ([]model.DependencyEdge, error)

	// CountEdges returns the number of stored edge rows.
	CountEdges(ctx context.Context) (int, error)

	// Traverse returns the subgraph induced by the services within
	// q.MaxDepth hops of q.StartID in the walk direction, including edges
	// that close a cycle among them. Edges leaving a node at depth
	// q.MaxDepth are included when they point back into the reached set.
	// The start service is never part of the returned Services. An
	// existing service with no edges yields an empty subgraph.
	Traverse(ctx context.Context, q TraverseQuery) (*Subgraph, error)

	// AdjacencyList maps every service id to its distinct targets in a
	// single pass. Services without outgoing edges map to an empty slice.
	AdjacencyList(ctx context.Context, includeStale bool) (map[string][]string, error)

	// MarkStaleEdges flags every non-stale edge whose last observation is
	// strictly older than now-olderThan and returns how many changed.
	MarkStaleEdges(ctx context.Context, olderThan time.Duration) (int64, error)

	// CreateCycleAlert fails with *model.ConflictError if an open or
	// acknowledged alert with the same member key exists.
	CreateCycleAlert(ctx context.Context, alert *model.CycleAlert) error

	// GetCycleAlert returns *model.NotFoundError for an unknown id.
	GetCycleAlert(ctx context.Context, id string) (*model.CycleAlert, error)

	// ListCycleAlerts orders by detection time, newest first.
	ListCycleAlerts(ctx context.Context, filter AlertFilter, page Page) (*AlertPage, error)

	// UpdateCycleAlert persists alert if its stored status is still from.
	// A concurrent change surfaces as *model.ConflictError.
	UpdateCycleAlert(ctx context.Context, alert *model.CycleAlert, from model.AlertStatus) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// TraverseQuery parameterizes Store.Traverse.
type TraverseQuery struct {
	StartID      string
	Direction    model.Direction
	MaxDepth     int
	IncludeStale bool
}

// Validate checks depth bounds and direction.
func (q TraverseQuery) Validate() error {
	if err := model.ValidateServiceID("service_id", q.StartID); err != nil {
		return err
	}
	if !q.Direction.Valid() {
		return model.NewValidationError("direction", "must be one of upstream, downstream, both")
	}
	if q.MaxDepth < 1 || q.MaxDepth > MaxTraversalDepth {
		return model.NewValidationError("max_depth", "must be between 1 and 10")
	}
	return nil
}

// Subgraph is the result of a traversal.
type Subgraph struct {
	Services []string               `json:"services"`
	Edges    []model.DependencyEdge `json:"edges"`
}

// Union merges subgraphs, deduplicating services and edges by identity and
// dropping anchor from the services. The result is sorted.
func Union(anchor string, parts ...*Subgraph) *Subgraph {
	services := make(map[string]struct{})
	edges := make(map[model.EdgeKey]model.DependencyEdge)
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, s := range p.Services {
			services[s] = struct{}{}
		}
		for _, e := range p.Edges {
			edges[e.Key()] = e
		}
	}
	delete(services, anchor)

	out := &Subgraph{
		Services: make([]string, 0, len(services)),
		Edges:    make([]model.DependencyEdge, 0, len(edges)),
	}
	for s := range services {
		out.Services = append(out.Services, s)
	}
	sort.Strings(out.Services)
	for _, e := range edges {
		out.Edges = append(out.Edges, e)
	}
	model.SortEdges(out.Edges)
	return out
}

// UpsertResult is the outcome of BulkUpsertEdges.
type UpsertResult struct {
	// Edges are the stored rows in input order.
	Edges []model.DependencyEdge
	// ServicesCreated counts placeholders created for unknown endpoints.
	ServicesCreated int
}

// Page is offset pagination.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ServiceFilter narrows ListServices.
type ServiceFilter struct {
	Discovered *bool
}

// ServicePage is one page of services.
type ServicePage struct {
	Items  []model.Service `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// AlertFilter narrows ListCycleAlerts.
type AlertFilter struct {
	Status *model.AlertStatus
}

// AlertPage is one page of cycle alerts.
type AlertPage struct {
	Items  []model.CycleAlert `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Clock returns the current time. Backends accept one for tests.
type Clock func() time.Time

// Timestamp normalizes t to the stored precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StaleCutoff returns the instant before which an observation is stale.
func StaleCutoff(now time.Time, olderThan time.Duration) time.Time {
	return Timestamp(now.Add(-olderThan))
}
