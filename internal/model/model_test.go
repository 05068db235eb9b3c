// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func validEdge() DependencyEdge {
	return DependencyEdge{
		SourceServiceID:   "gateway",
		TargetServiceID:   "checkout",
		CommunicationMode: ModeSync,
		Criticality:       CriticalityHard,
		Protocol:          "grpc",
		DiscoverySource:   SourceManual,
		ConfidenceScore:   0.95,
		LastObservedAt:    testNow,
	}
}

// TestDependencyEdge_Validate covers the edge invariants.
func TestDependencyEdge_Validate(t *testing.T) {
	zero := time.Duration(0)
	negative := -time.Second
	positive := 2 * time.Second

	tests := []struct {
		name    string
		mutate  func(e *DependencyEdge)
		field   string
		wantErr bool
	}{
		{name: "valid", mutate: func(e *DependencyEdge) {}},
		{name: "positive timeout", mutate: func(e *DependencyEdge) { e.Timeout = &positive }},
		{name: "self-loop", mutate: func(e *DependencyEdge) { e.TargetServiceID = e.SourceServiceID }, field: "target_service_id", wantErr: true},
		{name: "confidence above one", mutate: func(e *DependencyEdge) { e.ConfidenceScore = 1.01 }, field: "confidence_score", wantErr: true},
		{name: "confidence below zero", mutate: func(e *DependencyEdge) { e.ConfidenceScore = -0.1 }, field: "confidence_score", wantErr: true},
		{name: "zero timeout", mutate: func(e *DependencyEdge) { e.Timeout = &zero }, field: "timeout", wantErr: true},
		{name: "negative timeout", mutate: func(e *DependencyEdge) { e.Timeout = &negative }, field: "timeout", wantErr: true},
		{name: "unknown mode", mutate: func(e *DependencyEdge) { e.CommunicationMode = "carrier-pigeon" }, field: "communication_mode", wantErr: true},
		{name: "unknown criticality", mutate: func(e *DependencyEdge) { e.Criticality = "maybe" }, field: "criticality", wantErr: true},
		{name: "unknown source", mutate: func(e *DependencyEdge) { e.DiscoverySource = "rumor" }, field: "discovery_source", wantErr: true},
		{name: "empty source id", mutate: func(e *DependencyEdge) { e.SourceServiceID = "" }, field: "source_service_id", wantErr: true},
		{name: "bad id characters", mutate: func(e *DependencyEdge) { e.TargetServiceID = "a,b" }, field: "target_service_id", wantErr: true},
		{name: "retry policy zero attempts", mutate: func(e *DependencyEdge) { e.RetryPolicy = &RetryPolicy{} }, field: "retry_policy.max_attempts", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEdge()
			tt.mutate(&e)
			err := e.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// TestDependencyEdge_SelfLoopMessage checks the self-loop reason is readable.
func TestDependencyEdge_SelfLoopMessage(t *testing.T) {
	e := validEdge()
	e.TargetServiceID = "gateway"
	err := e.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-loops")
}

// TestEdgeAttributes_Equal checks pointer-aware attribute comparison.
func TestEdgeAttributes_Equal(t *testing.T) {
	a := validEdge()
	b := validEdge()
	assert.True(t, a.Attributes().Equal(b.Attributes()))

	t1, t2 := time.Second, time.Second
	a.Timeout, b.Timeout = &t1, &t2
	assert.True(t, a.Attributes().Equal(b.Attributes()), "distinct pointers to equal values are equal")

	b.Protocol = "http"
	assert.False(t, a.Attributes().Equal(b.Attributes()))

	b = validEdge()
	b.Timeout = &t2
	b.RetryPolicy = &RetryPolicy{MaxAttempts: 3}
	a.RetryPolicy = nil
	assert.False(t, a.Attributes().Equal(b.Attributes()))
}

// TestDependencyEdge_Clone verifies the copy does not share pointers.
func TestDependencyEdge_Clone(t *testing.T) {
	timeout := time.Second
	e := validEdge()
	e.Timeout = &timeout
	e.RetryPolicy = &RetryPolicy{MaxAttempts: 3}

	c := e.Clone()
	*c.Timeout = time.Minute
	c.RetryPolicy.MaxAttempts = 9

	assert.Equal(t, time.Second, *e.Timeout)
	assert.Equal(t, 3, e.RetryPolicy.MaxAttempts)
}

// TestSortEdges orders by source, target, then discovery source.
func TestSortEdges(t *testing.T) {
	edges := []DependencyEdge{
		{SourceServiceID: "b", TargetServiceID: "a", DiscoverySource: SourceManual},
		{SourceServiceID: "a", TargetServiceID: "c", DiscoverySource: SourceTraceDerived},
		{SourceServiceID: "a", TargetServiceID: "c", DiscoverySource: SourceManual},
		{SourceServiceID: "a", TargetServiceID: "b", DiscoverySource: SourceManual},
	}
	SortEdges(edges)

	var got []string
	for _, e := range edges {
		got = append(got, e.SourceServiceID+">"+e.TargetServiceID+"/"+string(e.DiscoverySource))
	}
	assert.Equal(t, []string{"a>b/manual", "a>c/manual", "a>c/trace-derived", "b>a/manual"}, got)
}

// TestService_Validate covers tier and identifier rules.
func TestService_Validate(t *testing.T) {
	t.Run("discovered placeholder is valid", func(t *testing.T) {
		s := NewDiscoveredService("payment", testNow)
		require.NoError(t, s.Validate())
		assert.True(t, s.Discovered)
		assert.Equal(t, TierMedium, s.Tier)
	})

	t.Run("unknown tier", func(t *testing.T) {
		s := Service{ID: "payment", Tier: "platinum"}
		err := s.Validate()
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "tier")
	})

	t.Run("id too long", func(t *testing.T) {
		s := Service{ID: strings.Repeat("a", MaxServiceIDLength+1), Tier: TierLow}
		assert.ErrorIs(t, s.Validate(), ErrValidation)
	})
}

// TestValidateServiceID checks the standalone id check.
func TestValidateServiceID(t *testing.T) {
	assert.NoError(t, ValidateServiceID("id", "payments.v2"))
	assert.NoError(t, ValidateServiceID("id", "team/checkout@eu-west:1"))
	assert.ErrorIs(t, ValidateServiceID("id", ""), ErrValidation)
	assert.ErrorIs(t, ValidateServiceID("id", "-leading-dash"), ErrValidation)
	assert.ErrorIs(t, ValidateServiceID("id", "has space"), ErrValidation)
}

// TestNormalizeMembers sorts, dedupes and joins.
func TestNormalizeMembers(t *testing.T) {
	members, key := NormalizeMembers([]string{"payment", "gateway", "checkout", "gateway"})
	assert.Equal(t, []string{"checkout", "gateway", "payment"}, members)
	assert.Equal(t, "checkout,gateway,payment", key)

	// Rotations of the same cycle share a key.
	_, rotated := NormalizeMembers([]string{"checkout", "payment", "gateway"})
	assert.Equal(t, key, rotated)
}

// TestNewCycleAlert requires at least two distinct members.
func TestNewCycleAlert(t *testing.T) {
	a, err := NewCycleAlert([]string{"b", "a"}, testNow)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, AlertOpen, a.Status)
	assert.Equal(t, "a,b", a.MemberKey)

	_, err = NewCycleAlert([]string{"a", "a"}, testNow)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewCycleAlert(nil, testNow)
	assert.ErrorIs(t, err, ErrValidation)
}

// TestCycleAlert_Transitions walks the alert workflow.
func TestCycleAlert_Transitions(t *testing.T) {
	t.Run("open to acknowledged to resolved", func(t *testing.T) {
		a, err := NewCycleAlert([]string{"a", "b"}, testNow)
		require.NoError(t, err)

		require.NoError(t, a.Acknowledge("oncall", testNow.Add(time.Minute)))
		assert.Equal(t, AlertAcknowledged, a.Status)
		assert.Equal(t, "oncall", a.AcknowledgedBy)
		require.NotNil(t, a.AcknowledgedAt)

		require.NoError(t, a.Resolve("oncall", "removed async callback", testNow.Add(time.Hour)))
		assert.Equal(t, AlertResolved, a.Status)
		assert.Equal(t, "removed async callback", a.ResolutionNotes)
	})

	t.Run("open straight to resolved", func(t *testing.T) {
		a, err := NewCycleAlert([]string{"a", "b"}, testNow)
		require.NoError(t, err)
		assert.NoError(t, a.Resolve("sre", "", testNow))
	})

	t.Run("resolving a resolved alert conflicts", func(t *testing.T) {
		a, err := NewCycleAlert([]string{"a", "b"}, testNow)
		require.NoError(t, err)
		require.NoError(t, a.Resolve("sre", "", testNow))

		err = a.Resolve("sre", "again", testNow)
		assert.ErrorIs(t, err, ErrConflict)
		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, a.ID, ce.ID)
		assert.Empty(t, a.ResolutionNotes, "failed transition must not mutate the alert")
	})

	t.Run("acknowledging an acknowledged alert conflicts", func(t *testing.T) {
		a, err := NewCycleAlert([]string{"a", "b"}, testNow)
		require.NoError(t, err)
		require.NoError(t, a.Acknowledge("x", testNow))
		assert.ErrorIs(t, a.Acknowledge("y", testNow), ErrConflict)
		assert.Equal(t, "x", a.AcknowledgedBy)
	})

	t.Run("actor is required", func(t *testing.T) {
		a, err := NewCycleAlert([]string{"a", "b"}, testNow)
		require.NoError(t, err)
		assert.ErrorIs(t, a.Acknowledge("", testNow), ErrValidation)
		assert.Equal(t, AlertOpen, a.Status)
	})
}

// TestParseEnums checks the string parsers used at the transport boundary.
func TestParseEnums(t *testing.T) {
	d, err := ParseDirection("upstream")
	require.NoError(t, err)
	assert.Equal(t, DirectionUpstream, d)
	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrValidation)

	src, err := ParseDiscoverySource("service-mesh")
	require.NoError(t, err)
	assert.Equal(t, SourceServiceMesh, src)
	_, err = ParseDiscoverySource("gossip")
	assert.ErrorIs(t, err, ErrValidation)

	st, err := ParseAlertStatus("resolved")
	require.NoError(t, err)
	assert.False(t, st.Active())
	_, err = ParseAlertStatus("closed")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestErrorTaxonomy verifies every typed error unwraps to its sentinel.
func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("database is locked")
	transient := &TransientError{Op: "bulk upsert", Err: cause}

	assert.ErrorIs(t, transient, ErrTransientStorage)
	assert.ErrorIs(t, transient, cause)
	assert.True(t, IsRetryable(transient))
	assert.False(t, IsRetryable(NewValidationError("x", "y")))

	assert.ErrorIs(t, &NotFoundError{Kind: "service", ID: "a"}, ErrNotFound)
	assert.ErrorIs(t, &ConflictError{Kind: "edge", ID: "a"}, ErrConflict)
	assert.Equal(t, `service "a" not found`, (&NotFoundError{Kind: "service", ID: "a"}).Error())
}
