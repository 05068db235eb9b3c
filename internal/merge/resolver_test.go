// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultConfig())
	require.NoError(t, err)
	return r
}

func observed(src, tgt, protocol string) model.DependencyEdge {
	return model.DependencyEdge{
		SourceServiceID:   src,
		TargetServiceID:   tgt,
		CommunicationMode: model.ModeSync,
		Criticality:       model.CriticalityHard,
		Protocol:          protocol,
	}
}

// TestConfig_Validate rejects malformed priority lists and confidences.
func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	t.Run("duplicate source", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Priority = []model.DiscoverySource{model.SourceManual, model.SourceManual, model.SourceTraceDerived, model.SourceKubernetesManifest}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("missing source", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Priority = cfg.Priority[:3]
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("base confidence out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BaseConfidence = map[model.DiscoverySource]float64{
			model.SourceManual:             1.2,
			model.SourceServiceMesh:        0.9,
			model.SourceTraceDerived:       0.8,
			model.SourceKubernetesManifest: 0.7,
		}
		_, err := NewResolver(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

// TestResolver_Confidence checks the logarithmic bonus and its cap.
func TestResolver_Confidence(t *testing.T) {
	r := newResolver(t)

	assert.InDelta(t, 0.7, r.Confidence(model.SourceKubernetesManifest, 1), 1e-9)
	assert.InDelta(t, 0.75, r.Confidence(model.SourceKubernetesManifest, 10), 1e-9)
	assert.InDelta(t, 0.8, r.Confidence(model.SourceKubernetesManifest, 100), 1e-9)
	assert.InDelta(t, 0.8, r.Confidence(model.SourceKubernetesManifest, 1_000_000), 1e-9, "bonus is capped")

	// Manual starts at 0.95 and is clamped at 1.
	assert.InDelta(t, 1.0, r.Confidence(model.SourceManual, 1_000_000), 1e-9)
	for _, n := range []int{0, 1, 2, 50, 1 << 30} {
		c := r.Confidence(model.SourceManual, n)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
}

// TestResolver_NewEdges fills in source-derived fields.
func TestResolver_NewEdges(t *testing.T) {
	r := newResolver(t)

	res, err := r.Resolve(model.SourceTraceDerived, t0, []model.DependencyEdge{observed("a", "b", "http")}, nil)
	require.NoError(t, err)
	require.Len(t, res.Upserts, 1)
	assert.Empty(t, res.Conflicts)

	e := res.Upserts[0]
	assert.Equal(t, model.SourceTraceDerived, e.DiscoverySource)
	assert.Equal(t, t0, e.LastObservedAt)
	assert.Equal(t, 1, e.ObservationCount)
	assert.False(t, e.IsStale)
	assert.InDelta(t, 0.8, e.ConfidenceScore, 1e-9)
}

// TestResolver_RefreshSameSource refreshes in place without a conflict.
func TestResolver_RefreshSameSource(t *testing.T) {
	r := newResolver(t)

	first, err := r.Resolve(model.SourceServiceMesh, t0, []model.DependencyEdge{observed("a", "b", "http")}, nil)
	require.NoError(t, err)
	stored := first.Upserts[0]
	stored.IsStale = true
	stored.CreatedAt = t0

	t.Run("later observation increments count", func(t *testing.T) {
		res, err := r.Resolve(model.SourceServiceMesh, t0.Add(time.Minute),
			[]model.DependencyEdge{observed("a", "b", "grpc")}, []model.DependencyEdge{stored})
		require.NoError(t, err)
		require.Len(t, res.Upserts, 1)
		assert.Empty(t, res.Conflicts)

		e := res.Upserts[0]
		assert.Equal(t, 2, e.ObservationCount)
		assert.Equal(t, "grpc", e.Protocol, "attributes are overwritten")
		assert.False(t, e.IsStale, "refresh clears staleness")
		assert.Equal(t, t0, e.CreatedAt)
		assert.Equal(t, t0.Add(time.Minute), e.LastObservedAt)
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		stored.IsStale = false
		res, err := r.Resolve(model.SourceServiceMesh, t0,
			[]model.DependencyEdge{observed("a", "b", "http")}, []model.DependencyEdge{stored})
		require.NoError(t, err)
		e := res.Upserts[0]
		assert.Equal(t, stored.ObservationCount, e.ObservationCount)
		assert.Equal(t, stored.ConfidenceScore, e.ConfidenceScore)
		assert.Equal(t, stored.LastObservedAt, e.LastObservedAt)
	})
}

// TestResolver_MergePriority checks manual beats kubernetes-manifest while
// both rows survive.
func TestResolver_MergePriority(t *testing.T) {
	r := newResolver(t)

	k8s, err := r.Resolve(model.SourceKubernetesManifest, t0, []model.DependencyEdge{observed("x", "y", "http")}, nil)
	require.NoError(t, err)

	manual, err := r.Resolve(model.SourceManual, t0.Add(time.Second), []model.DependencyEdge{observed("x", "y", "grpc")}, k8s.Upserts)
	require.NoError(t, err)
	require.Len(t, manual.Upserts, 1)
	assert.Equal(t, model.SourceManual, manual.Upserts[0].DiscoverySource)

	require.Len(t, manual.Conflicts, 1)
	c := manual.Conflicts[0]
	assert.Equal(t, model.SourceManual, c.Winner)
	assert.Equal(t, "grpc", c.WinnerAttributes.Protocol)
	assert.Equal(t, model.SourceKubernetesManifest, c.Loser)
	assert.Equal(t, "http", c.LoserAttributes.Protocol)

	rows := append(append([]model.DependencyEdge{}, k8s.Upserts...), manual.Upserts...)
	canonical := r.Canonicalize(rows)
	require.Len(t, canonical, 1)
	assert.Equal(t, "grpc", canonical[0].Protocol)
	assert.Equal(t, model.SourceManual, canonical[0].DiscoverySource)

	t.Run("lower priority source reporting later still loses", func(t *testing.T) {
		again, err := r.Resolve(model.SourceKubernetesManifest, t0.Add(time.Hour),
			[]model.DependencyEdge{observed("x", "y", "http")}, rows)
		require.NoError(t, err)
		require.Len(t, again.Conflicts, 1)
		assert.Equal(t, model.SourceManual, again.Conflicts[0].Winner)
	})
}

// TestResolver_NoConflictWhenAttributesAgree skips identical reports.
func TestResolver_NoConflictWhenAttributesAgree(t *testing.T) {
	r := newResolver(t)

	mesh, err := r.Resolve(model.SourceServiceMesh, t0, []model.DependencyEdge{observed("a", "b", "grpc")}, nil)
	require.NoError(t, err)

	trace, err := r.Resolve(model.SourceTraceDerived, t0, []model.DependencyEdge{observed("a", "b", "grpc")}, mesh.Upserts)
	require.NoError(t, err)
	assert.Empty(t, trace.Conflicts)
}

// TestResolver_DuplicatePairsInBatch keeps the last row for a pair.
func TestResolver_DuplicatePairsInBatch(t *testing.T) {
	r := newResolver(t)

	res, err := r.Resolve(model.SourceManual, t0, []model.DependencyEdge{
		observed("a", "b", "http"),
		observed("b", "c", "http"),
		observed("a", "b", "grpc"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Upserts, 2)
	assert.Equal(t, "grpc", res.Upserts[0].Protocol)
	assert.Equal(t, "b", res.Upserts[1].SourceServiceID)
}

// TestResolver_UnknownSource fails validation.
func TestResolver_UnknownSource(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve("gossip", t0, nil, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

// TestResolver_CanonicalTieBreak prefers confidence, then recency, within a rank.
func TestResolver_CanonicalTieBreak(t *testing.T) {
	cfg := DefaultConfig()
	r, err := NewResolver(cfg)
	require.NoError(t, err)

	older := observed("a", "b", "old")
	older.DiscoverySource = model.SourceTraceDerived
	older.ConfidenceScore = 0.8
	older.LastObservedAt = t0

	newer := older
	newer.Protocol = "new"
	newer.LastObservedAt = t0.Add(time.Minute)

	assert.True(t, r.Prefer(newer, older))

	confident := older
	confident.Protocol = "confident"
	confident.ConfidenceScore = 0.85
	got := r.Canonicalize([]model.DependencyEdge{older, newer, confident})
	require.Len(t, got, 1)
	assert.Equal(t, "confident", got[0].Protocol)
}
