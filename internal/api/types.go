// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"time"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable class.
	Code string `json:"code"`
}

// Error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeValidation     = "VALIDATION_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeUnavailable    = "STORAGE_UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// AcknowledgeRequest is the body of POST /v1/alerts/:id/acknowledge.
type AcknowledgeRequest struct {
	By string `json:"by"`
}

// ResolveRequest is the body of POST /v1/alerts/:id/resolve.
type ResolveRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes"`
}

// InsertEdgeRequest is the body of POST /v1/edges. Edge fields share the
// ingestion row shape, so the timeout is timeout_ms. A zero ObservedAt
// means now.
type InsertEdgeRequest struct {
	engine.EdgeInput
	DiscoverySource model.DiscoverySource `json:"discovery_source"`
	ObservedAt      time.Time             `json:"observed_at"`
}

// SweepRequest is the body of POST /v1/edges/sweep. An empty OlderThan
// uses the configured stale threshold.
type SweepRequest struct {
	OlderThan string `json:"older_than"`
}

// SweepResponse reports how many edges were flagged.
type SweepResponse struct {
	Marked int64 `json:"marked"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
