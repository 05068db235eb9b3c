// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/AleutianAI/depgraph/internal/model"
)

// classify translates driver errors into the model taxonomy.
//
// kind and id name the entity for ConflictError; op names the operation for
// TransientError. Errors that are already classified pass through.
func classify(err error, op, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrTransientStorage) {
		return err
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return model.NewValidationError("", "unknown service referenced by edge")
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return model.NewValidationError("", se.Error())
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &model.ConflictError{Kind: kind, ID: id, Reason: "already exists"}
		}
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &model.TransientError{Op: op, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &model.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
