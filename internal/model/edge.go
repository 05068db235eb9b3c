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
	"sort"
	"time"
)

// RetryPolicy is the retry behaviour a caller applies on this dependency.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=100"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" validate:"gte=0"`
}

// DependencyEdge is a directed dependency as reported by one discovery source.
//
// Uniqueness is per (source, target, discovery source); the same logical
// dependency may exist once per reporting source and is collapsed into a
// canonical view by the merge resolver.
type DependencyEdge struct {
	SourceServiceID   string            `json:"source_service_id" validate:"required,serviceid"`
	TargetServiceID   string            `json:"target_service_id" validate:"required,serviceid,nefield=SourceServiceID"`
	CommunicationMode CommunicationMode `json:"communication_mode" validate:"enum"`
	Criticality       Criticality       `json:"criticality" validate:"enum"`
	Protocol          string            `json:"protocol,omitempty" validate:"max=64"`
	Timeout           *time.Duration    `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	RetryPolicy       *RetryPolicy      `json:"retry_policy,omitempty"`
	DiscoverySource   DiscoverySource   `json:"discovery_source" validate:"enum"`
	ConfidenceScore   float64           `json:"confidence_score" validate:"gte=0,lte=1"`
	ObservationCount  int               `json:"observation_count" validate:"gte=0"`
	LastObservedAt    time.Time         `json:"last_observed_at" validate:"required"`
	IsStale           bool              `json:"is_stale"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Validate checks the edge against its invariants: no self-loop, confidence
// within [0,1], strictly positive timeout, known enum values.
func (e *DependencyEdge) Validate() error {
	return validateStruct(e)
}

// Key returns the per-source uniqueness key.
func (e *DependencyEdge) Key() EdgeKey {
	return EdgeKey{Source: e.SourceServiceID, Target: e.TargetServiceID, DiscoverySource: e.DiscoverySource}
}

// Pair returns the (source, target) key shared by all sources.
func (e *DependencyEdge) Pair() PairKey {
	return PairKey{Source: e.SourceServiceID, Target: e.TargetServiceID}
}

// Attributes returns the descriptive attributes compared during merging.
func (e *DependencyEdge) Attributes() EdgeAttributes {
	return EdgeAttributes{
		CommunicationMode: e.CommunicationMode,
		Criticality:       e.Criticality,
		Protocol:          e.Protocol,
		Timeout:           e.Timeout,
		RetryPolicy:       e.RetryPolicy,
	}
}

// Clone returns a deep copy.
func (e DependencyEdge) Clone() DependencyEdge {
	if e.Timeout != nil {
		t := *e.Timeout
		e.Timeout = &t
	}
	if e.RetryPolicy != nil {
		rp := *e.RetryPolicy
		e.RetryPolicy = &rp
	}
	return e
}

// EdgeKey identifies one persisted edge row.
type EdgeKey struct {
	Source          string
	Target          string
	DiscoverySource DiscoverySource
}

// PairKey identifies a logical dependency regardless of reporting source.
type PairKey struct {
	Source string
	Target string
}

// EdgeAttributes is the attribute set that competing sources may disagree on.
type EdgeAttributes struct {
	CommunicationMode CommunicationMode `json:"communication_mode"`
	Criticality       Criticality       `json:"criticality"`
	Protocol          string            `json:"protocol,omitempty"`
	Timeout           *time.Duration    `json:"timeout,omitempty"`
	RetryPolicy       *RetryPolicy      `json:"retry_policy,omitempty"`
}

// Equal reports whether two attribute sets describe the same dependency.
func (a EdgeAttributes) Equal(b EdgeAttributes) bool {
	if a.CommunicationMode != b.CommunicationMode || a.Criticality != b.Criticality || a.Protocol != b.Protocol {
		return false
	}
	if (a.Timeout == nil) != (b.Timeout == nil) {
		return false
	}
	if a.Timeout != nil && *a.Timeout != *b.Timeout {
		return false
	}
	if (a.RetryPolicy == nil) != (b.RetryPolicy == nil) {
		return false
	}
	return a.RetryPolicy == nil || *a.RetryPolicy == *b.RetryPolicy
}

// SortEdges orders edges by (source, target, discovery source) in place.
func SortEdges(edges []DependencyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.SourceServiceID != b.SourceServiceID {
			return a.SourceServiceID < b.SourceServiceID
		}
		if a.TargetServiceID != b.TargetServiceID {
			return a.TargetServiceID < b.TargetServiceID
		}
		return a.DiscoverySource < b.DiscoverySource
	})
}
