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
	"fmt"
)

// Sentinel errors for the dependency graph engine.
//
// Every typed error below unwraps to exactly one of these, so callers can
// branch with errors.Is without caring which layer produced the failure.
var (
	// ErrValidation indicates malformed input that was rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown service or alert id.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation or an invalid state transition.
	ErrConflict = errors.New("conflict")

	// ErrTransientStorage indicates a retryable storage failure (busy, timeout, txn conflict).
	ErrTransientStorage = errors.New("transient storage failure")
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap returns the sentinel error.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "service" or "cycle_alert"
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap returns the sentinel error.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError carries enough detail for a caller to decide whether to
// ignore the failure or retry differently.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q conflict: %s", e.Kind, e.ID, e.Reason)
}

// Unwrap returns the sentinel error.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// TransientError wraps a storage failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *TransientError) Unwrap() []error {
	return []error{ErrTransientStorage, e.Err}
}

// IsRetryable reports whether err is safe to retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
