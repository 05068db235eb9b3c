// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/depgraph/internal/model"
)

func edge(src, tgt string, ds model.DiscoverySource) model.DependencyEdge {
	return model.DependencyEdge{SourceServiceID: src, TargetServiceID: tgt, DiscoverySource: ds}
}

// TestUnion dedups edges by identity and drops the anchor.
func TestUnion(t *testing.T) {
	down := &Subgraph{
		Services: []string{"b", "c", "a"},
		Edges: []model.DependencyEdge{
			edge("a", "b", model.SourceManual),
			edge("b", "c", model.SourceManual),
			edge("c", "a", model.SourceManual),
		},
	}
	up := &Subgraph{
		Services: []string{"c", "z"},
		Edges: []model.DependencyEdge{
			edge("c", "a", model.SourceManual),
			edge("z", "a", model.SourceManual),
			edge("c", "a", model.SourceTraceDerived),
		},
	}

	got := Union("a", down, nil, up)
	assert.Equal(t, []string{"b", "c", "z"}, got.Services)
	assert.Len(t, got.Edges, 5)
	assert.Equal(t, "a", got.Edges[0].SourceServiceID)
}

// TestUnion_Empty returns non-nil empty slices.
func TestUnion_Empty(t *testing.T) {
	got := Union("a")
	assert.NotNil(t, got.Services)
	assert.NotNil(t, got.Edges)
	assert.Empty(t, got.Services)
}

// TestTraverseQuery_Validate checks depth and direction bounds.
func TestTraverseQuery_Validate(t *testing.T) {
	ok := TraverseQuery{StartID: "a", Direction: model.DirectionBoth, MaxDepth: 10}
	assert.NoError(t, ok.Validate())

	for _, q := range []TraverseQuery{
		{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 0},
		{StartID: "a", Direction: model.DirectionDownstream, MaxDepth: 11},
		{StartID: "a", Direction: "sideways", MaxDepth: 1},
		{StartID: "", Direction: model.DirectionUpstream, MaxDepth: 1},
	} {
		assert.ErrorIs(t, q.Validate(), model.ErrValidation, "%+v", q)
	}
}

// TestPage_Normalize applies defaults and caps.
func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: MaxPageLimit, Offset: 0}, Page{Limit: 10_000, Offset: -3}.Normalize())
	assert.Equal(t, Page{Limit: 7, Offset: 14}, Page{Limit: 7, Offset: 14}.Normalize())
}

// TestStaleCutoff truncates to microseconds.
func TestStaleCutoff(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 1500, time.UTC)
	got := StaleCutoff(now, time.Hour)
	assert.Equal(t, time.Date(2024, 12, 31, 23, 0, 0, 1000, time.UTC), got)
}
