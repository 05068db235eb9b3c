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

import "fmt"

// =============================================================================
// Closed enumerations
// =============================================================================
//
// Every enum is a string type with a Valid method. The storage layers repeat
// the same value sets as CHECK constraints; these types are the primary gate.

// Tier is the criticality tier of a service.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Tiers lists every valid Tier.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

// CommunicationMode is how the source talks to the target.
type CommunicationMode string

const (
	ModeSync  CommunicationMode = "sync"
	ModeAsync CommunicationMode = "async"
)

// Valid reports whether m is a known mode.
func (m CommunicationMode) Valid() bool {
	return m == ModeSync || m == ModeAsync
}

// Criticality describes how badly the source suffers when the target is down.
//
// Hard means the source cannot function without the target; soft means it
// degrades gracefully; degraded means it keeps running with reduced features.
type Criticality string

const (
	CriticalityHard     Criticality = "hard"
	CriticalitySoft     Criticality = "soft"
	CriticalityDegraded Criticality = "degraded"
)

// Valid reports whether c is a known criticality.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityHard, CriticalitySoft, CriticalityDegraded:
		return true
	}
	return false
}

// DiscoverySource identifies the integration that reported an edge.
type DiscoverySource string

const (
	SourceManual             DiscoverySource = "manual"
	SourceServiceMesh        DiscoverySource = "service-mesh"
	SourceTraceDerived       DiscoverySource = "trace-derived"
	SourceKubernetesManifest DiscoverySource = "kubernetes-manifest"
)

// DiscoverySources lists every valid source in default trust order.
var DiscoverySources = []DiscoverySource{
	SourceManual,
	SourceServiceMesh,
	SourceTraceDerived,
	SourceKubernetesManifest,
}

// Valid reports whether s is a known discovery source.
func (s DiscoverySource) Valid() bool {
	switch s {
	case SourceManual, SourceServiceMesh, SourceTraceDerived, SourceKubernetesManifest:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of a CycleAlert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertAcknowledged, AlertResolved:
		return true
	}
	return false
}

// Active reports whether an alert in this status blocks a duplicate alert
// for the same member set.
func (s AlertStatus) Active() bool {
	return s == AlertOpen || s == AlertAcknowledged
}

// CanTransitionTo reports whether the one-directional workflow
// open → acknowledged → resolved permits moving to next.
//
// open may skip straight to resolved; nothing leaves resolved.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertOpen:
		return next == AlertAcknowledged || next == AlertResolved
	case AlertAcknowledged:
		return next == AlertResolved
	}
	return false
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	// DirectionDownstream follows source→target edges forward.
	DirectionDownstream Direction = "downstream"
	// DirectionUpstream follows target→source edges backward.
	DirectionUpstream Direction = "upstream"
	// DirectionBoth unions both walks.
	DirectionBoth Direction = "both"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionDownstream, DirectionUpstream, DirectionBoth:
		return true
	}
	return false
}

// ParseDirection converts s into a Direction or returns a ValidationError.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", NewValidationError("direction", fmt.Sprintf("must be one of upstream, downstream, both; got %q", s))
	}
	return d, nil
}

// ParseDiscoverySource converts s into a DiscoverySource or returns a ValidationError.
func ParseDiscoverySource(s string) (DiscoverySource, error) {
	src := DiscoverySource(s)
	if !src.Valid() {
		return "", NewValidationError("discovery_source", fmt.Sprintf("unknown discovery source %q", s))
	}
	return src, nil
}

// ParseAlertStatus converts s into an AlertStatus or returns a ValidationError.
func ParseAlertStatus(s string) (AlertStatus, error) {
	st := AlertStatus(s)
	if !st.Valid() {
		return "", NewValidationError("status", fmt.Sprintf("unknown alert status %q", s))
	}
	return st, nil
}
