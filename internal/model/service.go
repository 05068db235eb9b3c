// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the entities of the service dependency graph.
//
// # Entities
//
//   - Service: a node, identified by an immutable business id.
//   - DependencyEdge: a directed edge as reported by one discovery source.
//   - CycleAlert: one detected non-trivial strongly connected component.
//
// # Validation
//
// Every entity exposes Validate, backed by go-playground/validator struct
// tags plus the closed enum types in enums.go. Validation happens at the
// boundary, before anything is written; the storage backends carry the
// same rules as constraints but are not the primary gate.
//
// # Errors
//
// errors.go defines the taxonomy shared by all layers: ValidationError,
// NotFoundError, ConflictError and TransientError, each unwrapping to a
// sentinel.
package model

import "time"

// Service is a node in the dependency graph.
//
// Services are created on first reference. An explicit registration sets
// Discovered=false; a placeholder created because an edge mentioned the id
// sets Discovered=true.
type Service struct {
	ID         string            `json:"id" validate:"required,serviceid"`
	Tier       Tier              `json:"tier" validate:"enum"`
	OwningTeam string            `json:"owning_team,omitempty" validate:"max=128"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Discovered bool              `json:"discovered"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate checks the service against its invariants.
func (s *Service) Validate() error {
	return validateStruct(s)
}

// NewDiscoveredService builds the placeholder created when an edge names an
// unknown service.
func NewDiscoveredService(id string, at time.Time) *Service {
	return &Service{
		ID:         id,
		Tier:       TierMedium,
		Metadata:   map[string]string{},
		Discovered: true,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}
