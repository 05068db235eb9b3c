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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// memberKeySeparator joins normalized members. Service ids cannot contain it.
const memberKeySeparator = ","

// CycleAlert records one detected non-trivial strongly connected component.
//
// Members are stored normalized (sorted) and MemberKey is their joined form;
// at most one open or acknowledged alert may exist per MemberKey.
type CycleAlert struct {
	ID              string      `json:"id"`
	Members         []string    `json:"members" validate:"min=2,dive,serviceid"`
	MemberKey       string      `json:"member_key"`
	Status          AlertStatus `json:"status" validate:"enum"`
	DetectedAt      time.Time   `json:"detected_at" validate:"required"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
}

// NormalizeMembers returns the sorted, de-duplicated member list and its key.
func NormalizeMembers(members []string) ([]string, string) {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, strings.Join(out, memberKeySeparator)
}

// NewCycleAlert builds an open alert for an SCC.
//
// Returns a ValidationError if fewer than two distinct members are given.
func NewCycleAlert(members []string, detectedAt time.Time) (*CycleAlert, error) {
	normalized, key := NormalizeMembers(members)
	a := &CycleAlert{
		ID:         uuid.NewString(),
		Members:    normalized,
		MemberKey:  key,
		Status:     AlertOpen,
		DetectedAt: detectedAt,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks the alert against its invariants.
func (a *CycleAlert) Validate() error {
	return validateStruct(a)
}

// Acknowledge moves an open alert to acknowledged.
func (a *CycleAlert) Acknowledge(by string, at time.Time) error {
	if by == "" {
		return NewValidationError("acknowledged_by", "is required")
	}
	if err := a.transition(AlertAcknowledged); err != nil {
		return err
	}
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &at
	return nil
}

// Resolve moves an open or acknowledged alert to resolved.
func (a *CycleAlert) Resolve(by, notes string, at time.Time) error {
	if by == "" {
		return NewValidationError("resolved_by", "is required")
	}
	if err := a.transition(AlertResolved); err != nil {
		return err
	}
	a.ResolvedBy = by
	a.ResolvedAt = &at
	a.ResolutionNotes = notes
	return nil
}

func (a *CycleAlert) transition(next AlertStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return &ConflictError{
			Kind:   "cycle_alert",
			ID:     a.ID,
			Reason: fmt.Sprintf("cannot transition from %s to %s", a.Status, next),
		}
	}
	a.Status = next
	return nil
}

// Clone returns a deep copy.
func (a CycleAlert) Clone() CycleAlert {
	a.Members = append([]string(nil), a.Members...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}
