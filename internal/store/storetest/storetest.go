// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest is the conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// Factory opens an empty store that reads time from clock.
type Factory func(t *testing.T, clock store.Clock) store.Store

// Epoch is the start time of every FakeClock.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a settable clock safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock set to Epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: Epoch}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Edge builds a valid edge observed at the given time.
func Edge(src, tgt string, ds model.DiscoverySource, observedAt time.Time) model.DependencyEdge {
	return model.DependencyEdge{
		SourceServiceID:   src,
		TargetServiceID:   tgt,
		CommunicationMode: model.ModeSync,
		Criticality:       model.CriticalityHard,
		Protocol:          "grpc",
		DiscoverySource:   ds,
		ConfidenceScore:   0.9,
		ObservationCount:  1,
		LastObservedAt:    observedAt,
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *FakeClock
	s     store.Store
}

func newHarness(t *testing.T, factory Factory) *harness {
	t.Helper()
	clock := NewFakeClock()
	s := factory(t, clock.Now)
	t.Cleanup(func() { _ = s.Close() })
	return &harness{t: t, ctx: context.Background(), clock: clock, s: s}
}

// seed ensures every endpoint exists and upserts the edges as manual.
func (h *harness) seed(pairs ...[2]string) []model.DependencyEdge {
	h.t.Helper()
	var ids []string
	edges := make([]model.DependencyEdge, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p[0], p[1])
		edges = append(edges, Edge(p[0], p[1], model.SourceManual, h.clock.Now()))
	}
	_, err := h.s.EnsureServices(h.ctx, ids, h.clock.Now())
	require.NoError(h.t, err)
	res, err := h.s.BulkUpsertEdges(h.ctx, edges)
	require.NoError(h.t, err)
	return res.Edges
}

func edgeIDs(edges []model.DependencyEdge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.SourceServiceID+">"+e.TargetServiceID)
	}
	return out
}

// Run executes the full conformance suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("Services", func(t *testing.T) { testServices(t, factory) })
	t.Run("EnsureServices", func(t *testing.T) { testEnsureServices(t, factory) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, factory) })
	t.Run("BulkUpsertIdempotent", func(t *testing.T) { testBulkUpsertIdempotent(t, factory) })
	t.Run("BulkUpsertAtomic", func(t *testing.T) { testBulkUpsertAtomic(t, factory) })
	t.Run("RejectsInvalidEdges", func(t *testing.T) { testRejectsInvalidEdges(t, factory) })
	t.Run("InsertEdgeConflict", func(t *testing.T) { testInsertEdgeConflict(t, factory) })
	t.Run("EdgeRoundTrip", func(t *testing.T) { testEdgeRoundTrip(t, factory) })
	t.Run("EdgesForPairs", func(t *testing.T) { testEdgesForPairs(t, factory) })
	t.Run("TraverseCycleTolerance", func(t *testing.T) { testTraverseCycle(t, factory) })
	t.Run("TraverseDepthBound", func(t *testing.T) { testTraverseDepth(t, factory) })
	t.Run("TraverseDirections", func(t *testing.T) { testTraverseDirections(t, factory) })
	t.Run("TraverseStaleFilter", func(t *testing.T) { testTraverseStale(t, factory) })
	t.Run("TraverseIsolated", func(t *testing.T) { testTraverseIsolated(t, factory) })
	t.Run("AdjacencyList", func(t *testing.T) { testAdjacency(t, factory) })
	t.Run("StalenessBoundary", func(t *testing.T) { testStalenessBoundary(t, factory) })
	t.Run("AlertDedup", func(t *testing.T) { testAlertDedup(t, factory) })
	t.Run("AlertCompareAndSet", func(t *testing.T) { testAlertCAS(t, factory) })
	t.Run("AlertListing", func(t *testing.T) { testAlertListing(t, factory) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, factory) })
}

func testServices(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	created := h.clock.Now()
	n, err := h.s.EnsureServices(h.ctx, []string{"payment"}, created)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	placeholder, err := h.s.GetService(h.ctx, "payment")
	require.NoError(t, err)
	assert.True(t, placeholder.Discovered)
	assert.Equal(t, model.TierMedium, placeholder.Tier)

	h.clock.Advance(time.Hour)
	registered, err := h.s.UpsertService(h.ctx, model.Service{
		ID:         "payment",
		Tier:       model.TierCritical,
		OwningTeam: "payments",
		Metadata:   map[string]string{"pager": "payments-oncall"},
	})
	require.NoError(t, err)
	assert.False(t, registered.Discovered, "registration upgrades the placeholder")
	assert.Equal(t, model.TierCritical, registered.Tier)
	assert.True(t, registered.CreatedAt.Equal(created), "created_at survives registration")
	assert.True(t, registered.UpdatedAt.Equal(h.clock.Now()))

	got, err := h.s.GetService(h.ctx, "payment")
	require.NoError(t, err)
	assert.Equal(t, "payments", got.OwningTeam)
	assert.Equal(t, "payments-oncall", got.Metadata["pager"])

	_, err = h.s.GetService(h.ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.s.EnsureServices(h.ctx, []string{"ledger", "audit"}, h.clock.Now())
	require.NoError(t, err)

	discovered := true
	page, err := h.s.ListServices(h.ctx, store.ServiceFilter{Discovered: &discovered}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "audit", page.Items[0].ID)

	all, err := h.s.ListServices(h.ctx, store.ServiceFilter{}, store.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	require.Len(t, all.Items, 1)
	assert.Equal(t, "payment", all.Items[0].ID)
}

func testEnsureServices(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	n, err := h.s.EnsureServices(h.ctx, []string{"a", "b", "a"}, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.s.EnsureServices(h.ctx, []string{"a", "b", "c"}, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.s.UpsertService(h.ctx, model.Service{ID: "d", Tier: model.TierLow})
	require.NoError(t, err)
	n, err = h.s.EnsureServices(h.ctx, []string{"d"}, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	d, err := h.s.GetService(h.ctx, "d")
	require.NoError(t, err)
	assert.False(t, d.Discovered, "placeholder creation never downgrades a registered service")
}

func testDeleteCascades(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "a"})

	require.NoError(t, h.s.DeleteService(h.ctx, "b"))

	count, err := h.s.CountEdges(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only c>a survives")

	_, err = h.s.GetService(h.ctx, "b")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, h.s.DeleteService(h.ctx, "b"), model.ErrNotFound)

	adj, err := h.s.AdjacencyList(h.ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, adj["c"])
	assert.Empty(t, adj["a"])
}

func testBulkUpsertIdempotent(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b", "c"}, h.clock.Now())
	require.NoError(t, err)

	batch := []model.DependencyEdge{
		Edge("a", "b", model.SourceManual, h.clock.Now()),
		Edge("b", "c", model.SourceManual, h.clock.Now()),
		Edge("a", "b", model.SourceServiceMesh, h.clock.Now()),
	}
	for i := 0; i < 3; i++ {
		_, err := h.s.BulkUpsertEdges(h.ctx, batch)
		require.NoError(t, err)
	}

	count, err := h.s.CountEdges(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 1, r.ObservationCount)
		assert.InDelta(t, 0.9, r.ConfidenceScore, 1e-9)
	}

	t.Run("upsert overwrites attributes", func(t *testing.T) {
		changed := Edge("a", "b", model.SourceManual, h.clock.Now())
		changed.Protocol = "http"
		changed.IsStale = false
		_, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{changed})
		require.NoError(t, err)

		rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}})
		require.NoError(t, err)
		for _, r := range rows {
			if r.DiscoverySource == model.SourceManual {
				assert.Equal(t, "http", r.Protocol)
			} else {
				assert.Equal(t, "grpc", r.Protocol)
			}
		}
	})
}

func testBulkUpsertAtomic(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	t.Run("unknown endpoints become placeholders", func(t *testing.T) {
		res, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{
			Edge("a", "b", model.SourceManual, h.clock.Now()),
			Edge("b", "c", model.SourceManual, h.clock.Now()),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ServicesCreated)
		assert.Equal(t, []string{"a>b", "b>c"}, edgeIDs(res.Edges))

		svc, err := h.s.GetService(h.ctx, "c")
		require.NoError(t, err)
		assert.True(t, svc.Discovered)
		assert.True(t, svc.CreatedAt.Equal(h.clock.Now()))

		res, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{
			Edge("a", "b", model.SourceManual, h.clock.Now()),
		})
		require.NoError(t, err)
		assert.Zero(t, res.ServicesCreated)
	})

	t.Run("failed batch leaves no edges or placeholders", func(t *testing.T) {
		before, err := h.s.ListServices(h.ctx, store.ServiceFilter{}, store.Page{})
		require.NoError(t, err)

		_, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{
			Edge("ghost-a", "ghost-b", model.SourceManual, h.clock.Now()),
			Edge("ghost-c", "ghost-c", model.SourceManual, h.clock.Now()),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrValidation)

		count, err := h.s.CountEdges(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "a failed batch writes nothing")

		after, err := h.s.ListServices(h.ctx, store.ServiceFilter{}, store.Page{})
		require.NoError(t, err)
		assert.Equal(t, before.Total, after.Total)
		_, err = h.s.GetService(h.ctx, "ghost-a")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func testRejectsInvalidEdges(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b"}, h.clock.Now())
	require.NoError(t, err)

	selfLoop := Edge("a", "a", model.SourceManual, h.clock.Now())
	_, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{selfLoop})
	assert.ErrorIs(t, err, model.ErrValidation)

	badConfidence := Edge("a", "b", model.SourceManual, h.clock.Now())
	badConfidence.ConfidenceScore = 1.5
	assert.ErrorIs(t, h.s.InsertEdge(h.ctx, badConfidence), model.ErrValidation)

	zero := time.Duration(0)
	badTimeout := Edge("a", "b", model.SourceManual, h.clock.Now())
	badTimeout.Timeout = &zero
	_, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{badTimeout})
	assert.ErrorIs(t, err, model.ErrValidation)

	count, err := h.s.CountEdges(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testInsertEdgeConflict(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b"}, h.clock.Now())
	require.NoError(t, err)

	e := Edge("a", "b", model.SourceManual, h.clock.Now())
	require.NoError(t, h.s.InsertEdge(h.ctx, e))
	assert.ErrorIs(t, h.s.InsertEdge(h.ctx, e), model.ErrConflict)

	// Another source for the same pair is a distinct row.
	e.DiscoverySource = model.SourceTraceDerived
	assert.NoError(t, h.s.InsertEdge(h.ctx, e))

	unknown := Edge("a", "nowhere", model.SourceManual, h.clock.Now())
	require.NoError(t, h.s.InsertEdge(h.ctx, unknown))
	svc, err := h.s.GetService(h.ctx, "nowhere")
	require.NoError(t, err)
	assert.True(t, svc.Discovered)

	// A rejected insert rolls back its placeholder.
	ghost := Edge("ghost", "ghost", model.SourceManual, h.clock.Now())
	assert.ErrorIs(t, h.s.InsertEdge(h.ctx, ghost), model.ErrValidation)
	_, err = h.s.GetService(h.ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testEdgeRoundTrip(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b"}, h.clock.Now())
	require.NoError(t, err)

	timeout := 1500 * time.Millisecond
	e := Edge("a", "b", model.SourceServiceMesh, h.clock.Now().Add(-time.Minute))
	e.CommunicationMode = model.ModeAsync
	e.Criticality = model.CriticalityDegraded
	e.Protocol = "amqp"
	e.Timeout = &timeout
	e.RetryPolicy = &model.RetryPolicy{MaxAttempts: 4, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}
	e.ObservationCount = 7
	e.ConfidenceScore = 0.93

	_, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{e})
	require.NoError(t, err)

	rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]

	assert.Equal(t, model.ModeAsync, got.CommunicationMode)
	assert.Equal(t, model.CriticalityDegraded, got.Criticality)
	assert.Equal(t, "amqp", got.Protocol)
	require.NotNil(t, got.Timeout)
	assert.Equal(t, timeout, *got.Timeout)
	require.NotNil(t, got.RetryPolicy)
	assert.Equal(t, *e.RetryPolicy, *got.RetryPolicy)
	assert.Equal(t, 7, got.ObservationCount)
	assert.InDelta(t, 0.93, got.ConfidenceScore, 1e-9)
	assert.True(t, got.LastObservedAt.Equal(e.LastObservedAt))
	assert.True(t, got.CreatedAt.Equal(h.clock.Now()))
	assert.False(t, got.IsStale)

	t.Run("created_at survives upsert", func(t *testing.T) {
		h.clock.Advance(time.Hour)
		_, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{e})
		require.NoError(t, err)
		rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}})
		require.NoError(t, err)
		assert.True(t, rows[0].CreatedAt.Equal(Epoch))
		assert.True(t, rows[0].UpdatedAt.Equal(h.clock.Now()))
	})
}

func testEdgesForPairs(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "d"})

	rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}, {Source: "c", Target: "d"}, {Source: "d", Target: "a"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a>b", "c>d"}, edgeIDs(rows))

	rows, err = h.s.EdgesForPairs(h.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testTraverseCycle(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "A"})

	sg, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "A", Direction: model.DirectionDownstream, MaxDepth: 3, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, sg.Services, "anchor excluded even though C>A returns to it")
	assert.Equal(t, []string{"A>B", "B>C", "C>A"}, edgeIDs(sg.Edges))

	// C is two hops out, so C>A closes the cycle within depth 2.
	sg, err = h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "A", Direction: model.DirectionDownstream, MaxDepth: 2, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, sg.Services)
	assert.Equal(t, []string{"A>B", "B>C", "C>A"}, edgeIDs(sg.Edges))

	// B>C leaves the reached set at depth 1.
	sg, err = h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "A", Direction: model.DirectionDownstream, MaxDepth: 1, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, sg.Services)
	assert.Equal(t, []string{"A>B"}, edgeIDs(sg.Edges))

	// Depth well past the cycle length still terminates with the same answer.
	sg, err = h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "A", Direction: model.DirectionDownstream, MaxDepth: 10, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"A>B", "B>C", "C>A"}, edgeIDs(sg.Edges))
}

func testTraverseDepth(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "d"}, [2]string{"d", "e"}, [2]string{"a", "x"})

	cases := []struct {
		depth    int
		services []string
		edges    []string
	}{
		{1, []string{"b", "x"}, []string{"a>b", "a>x"}},
		{2, []string{"b", "c", "x"}, []string{"a>b", "a>x", "b>c"}},
		{4, []string{"b", "c", "d", "e", "x"}, []string{"a>b", "a>x", "b>c", "c>d", "d>e"}},
	}
	for _, tc := range cases {
		sg, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: tc.depth, IncludeStale: true})
		require.NoError(t, err)
		assert.Equal(t, tc.services, sg.Services, "depth %d", tc.depth)
		assert.Equal(t, tc.edges, edgeIDs(sg.Edges), "depth %d", tc.depth)
	}

	t.Run("shorter route pulls nodes within reach", func(t *testing.T) {
		// a>c is a second route; c is now one hop away so d is within depth 2.
		h.seed([2]string{"a", "c"})
		sg, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 2, IncludeStale: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "d", "x"}, sg.Services)
		assert.Equal(t, []string{"a>b", "a>c", "a>x", "b>c", "c>d"}, edgeIDs(sg.Edges))
	})

	t.Run("back edge from the depth frontier is kept", func(t *testing.T) {
		h := newHarness(t, factory)
		h.seed([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "b"})
		sg, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 2, IncludeStale: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, sg.Services)
		assert.Equal(t, []string{"a>b", "b>c", "c>b"}, edgeIDs(sg.Edges))
	})
}

func testTraverseDirections(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"web", "api"}, [2]string{"mobile", "api"}, [2]string{"api", "db"}, [2]string{"api", "cache"}, [2]string{"db", "disk"})

	up, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "api", Direction: model.DirectionUpstream, MaxDepth: 2, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"mobile", "web"}, up.Services)
	assert.Equal(t, []string{"mobile>api", "web>api"}, edgeIDs(up.Edges))

	down, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "api", Direction: model.DirectionDownstream, MaxDepth: 1, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db"}, down.Services)

	both, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "api", Direction: model.DirectionBoth, MaxDepth: 1, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "mobile", "web"}, both.Services)
	assert.Equal(t, []string{"api>cache", "api>db", "mobile>api", "web>api"}, edgeIDs(both.Edges))

	t.Run("per-source rows are all returned", func(t *testing.T) {
		mesh := Edge("api", "db", model.SourceServiceMesh, h.clock.Now())
		_, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{mesh})
		require.NoError(t, err)
		down, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "api", Direction: model.DirectionDownstream, MaxDepth: 1, IncludeStale: true})
		require.NoError(t, err)
		assert.Len(t, down.Edges, 3)
		assert.Equal(t, []string{"cache", "db"}, down.Services)
	})
}

func testTraverseStale(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"a", "b"})
	h.clock.Advance(2 * time.Hour)
	h.seed([2]string{"b", "c"}, [2]string{"a", "d"})

	// Only a>b is older than an hour.
	n, err := h.s.MarkStaleEdges(h.ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	fresh, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 3, IncludeStale: false})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, fresh.Services, "stale a>b hides everything behind it")
	assert.Equal(t, []string{"a>d"}, edgeIDs(fresh.Edges))

	all, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 3, IncludeStale: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, all.Services)
	for _, e := range all.Edges {
		assert.Equal(t, e.SourceServiceID == "a" && e.TargetServiceID == "b", e.IsStale)
	}

	t.Run("refresh clears staleness", func(t *testing.T) {
		h.seed([2]string{"a", "b"})
		fresh, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "d"}, fresh.Services)
	})
}

func testTraverseIsolated(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"lonely"}, h.clock.Now())
	require.NoError(t, err)

	sg, err := h.s.Traverse(h.ctx, store.TraverseQuery{StartID: "lonely", Direction: model.DirectionBoth, MaxDepth: 5})
	require.NoError(t, err)
	assert.Empty(t, sg.Services)
	assert.Empty(t, sg.Edges)
}

func testAdjacency(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	h.seed([2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"b", "c"})
	mesh := Edge("a", "b", model.SourceServiceMesh, h.clock.Now())
	_, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{mesh})
	require.NoError(t, err)
	_, err = h.s.EnsureServices(h.ctx, []string{"island"}, h.clock.Now())
	require.NoError(t, err)

	adj, err := h.s.AdjacencyList(h.ctx, false)
	require.NoError(t, err)
	assert.Len(t, adj, 4)
	assert.ElementsMatch(t, []string{"b", "c"}, adj["a"], "duplicate per-source rows collapse")
	assert.Equal(t, []string{"c"}, adj["b"])
	assert.Empty(t, adj["c"])
	assert.Contains(t, adj, "island")

	h.clock.Advance(48 * time.Hour)
	h.seed([2]string{"a", "c"})
	_, err = h.s.MarkStaleEdges(h.ctx, 24*time.Hour)
	require.NoError(t, err)

	adj, err = h.s.AdjacencyList(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, adj["a"])
	assert.Empty(t, adj["b"])

	adj, err = h.s.AdjacencyList(h.ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, adj["a"])
}

func testStalenessBoundary(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b", "c"}, h.clock.Now())
	require.NoError(t, err)

	threshold := 30 * time.Minute
	now := h.clock.Now()
	atBoundary := Edge("a", "b", model.SourceManual, now.Add(-threshold))
	older := Edge("a", "c", model.SourceManual, now.Add(-threshold-time.Microsecond))
	fresh := Edge("b", "c", model.SourceManual, now)
	_, err = h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{atBoundary, older, fresh})
	require.NoError(t, err)

	n, err := h.s.MarkStaleEdges(h.ctx, threshold)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := h.s.EdgesForPairs(h.ctx, []model.PairKey{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}, {Source: "b", Target: "c"}})
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, r.TargetServiceID == "c" && r.SourceServiceID == "a", r.IsStale, "%s>%s", r.SourceServiceID, r.TargetServiceID)
	}

	n, err = h.s.MarkStaleEdges(h.ctx, threshold)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "sweep is idempotent")
}

func newAlert(t *testing.T, at time.Time, members ...string) *model.CycleAlert {
	t.Helper()
	a, err := model.NewCycleAlert(members, at)
	require.NoError(t, err)
	return a
}

func testAlertDedup(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	first := newAlert(t, h.clock.Now(), "c", "a", "b")
	require.NoError(t, h.s.CreateCycleAlert(h.ctx, first))

	dup := newAlert(t, h.clock.Now(), "b", "c", "a")
	err := h.s.CreateCycleAlert(h.ctx, dup)
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := h.s.GetCycleAlert(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Members)
	assert.Equal(t, model.AlertOpen, got.Status)
	assert.True(t, got.DetectedAt.Equal(first.DetectedAt))

	// Acknowledged alerts still block duplicates.
	require.NoError(t, got.Acknowledge("oncall", h.clock.Now()))
	require.NoError(t, h.s.UpdateCycleAlert(h.ctx, got, model.AlertOpen))
	assert.ErrorIs(t, h.s.CreateCycleAlert(h.ctx, dup), model.ErrConflict)

	// Resolved alerts do not.
	require.NoError(t, got.Resolve("oncall", "broke the loop", h.clock.Now()))
	require.NoError(t, h.s.UpdateCycleAlert(h.ctx, got, model.AlertAcknowledged))
	require.NoError(t, h.s.CreateCycleAlert(h.ctx, dup))

	resolved, err := h.s.GetCycleAlert(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, resolved.Status)
	assert.Equal(t, "oncall", resolved.AcknowledgedBy)
	assert.Equal(t, "broke the loop", resolved.ResolutionNotes)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = h.s.GetCycleAlert(h.ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testAlertCAS(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	a := newAlert(t, h.clock.Now(), "x", "y")
	require.NoError(t, h.s.CreateCycleAlert(h.ctx, a))

	stale := a.Clone()
	require.NoError(t, a.Acknowledge("first", h.clock.Now()))
	require.NoError(t, h.s.UpdateCycleAlert(h.ctx, a, model.AlertOpen))

	// A second writer still believing the alert is open loses.
	require.NoError(t, stale.Resolve("second", "", h.clock.Now()))
	assert.ErrorIs(t, h.s.UpdateCycleAlert(h.ctx, &stale, model.AlertOpen), model.ErrConflict)

	missing := newAlert(t, h.clock.Now(), "p", "q")
	assert.ErrorIs(t, h.s.UpdateCycleAlert(h.ctx, missing, model.AlertOpen), model.ErrNotFound)
}

func testAlertListing(t *testing.T, factory Factory) {
	h := newHarness(t, factory)

	var ids []string
	for i, members := range [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}, {"g", "h"}} {
		a := newAlert(t, h.clock.Now().Add(time.Duration(i)*time.Minute), members...)
		require.NoError(t, h.s.CreateCycleAlert(h.ctx, a))
		ids = append(ids, a.ID)
	}

	page, err := h.s.ListCycleAlerts(h.ctx, store.AlertFilter{}, store.Page{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 3, page.Limit)
	require.Len(t, page.Items, 3)
	assert.Equal(t, ids[3], page.Items[0].ID, "newest first")
	assert.Equal(t, ids[1], page.Items[2].ID)

	next, err := h.s.ListCycleAlerts(h.ctx, store.AlertFilter{}, store.Page{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, ids[0], next.Items[0].ID)

	got, err := h.s.GetCycleAlert(h.ctx, ids[2])
	require.NoError(t, err)
	require.NoError(t, got.Resolve("sre", "", h.clock.Now()))
	require.NoError(t, h.s.UpdateCycleAlert(h.ctx, got, model.AlertOpen))

	resolved := model.AlertResolved
	filtered, err := h.s.ListCycleAlerts(h.ctx, store.AlertFilter{Status: &resolved}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Total)
	require.Len(t, filtered.Items, 1)
	assert.Equal(t, ids[2], filtered.Items[0].ID)

	open := model.AlertOpen
	filtered, err = h.s.ListCycleAlerts(h.ctx, store.AlertFilter{Status: &open}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, filtered.Total)
}

func testConcurrentUpserts(t *testing.T, factory Factory) {
	h := newHarness(t, factory)
	_, err := h.s.EnsureServices(h.ctx, []string{"a", "b", "c", "d"}, h.clock.Now())
	require.NoError(t, err)

	sources := model.DiscoverySources
	var wg sync.WaitGroup
	errs := make(chan error, len(sources)*5)
	for _, ds := range sources {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(ds model.DiscoverySource) {
				defer wg.Done()
				_, err := h.s.BulkUpsertEdges(h.ctx, []model.DependencyEdge{
					Edge("a", "b", ds, h.clock.Now()),
					Edge("b", "c", ds, h.clock.Now()),
					Edge("c", "d", ds, h.clock.Now()),
				})
				if err != nil && !model.IsRetryable(err) {
					errs <- err
				}
			}(ds)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected upsert error: %v", err)
	}

	count, err := h.s.CountEdges(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3*len(sources), count)
}
