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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

const alertColumns = `id, members, member_key, status, detected_at, acknowledged_by, acknowledged_at,
	resolved_by, resolved_at, resolution_notes`

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

// CreateCycleAlert implements store.Store. The partial unique index on
// member_key rejects a second active alert for the same cycle.
func (s *Store) CreateCycleAlert(ctx context.Context, alert *model.CycleAlert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	members, err := json.Marshal(alert.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `INSERT INTO cycle_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, string(members), alert.MemberKey, string(alert.Status), micros(alert.DetectedAt),
		alert.AcknowledgedBy, nullMicros(alert.AcknowledgedAt),
		alert.ResolvedBy, nullMicros(alert.ResolvedAt), alert.ResolutionNotes)
	if err != nil {
		return classify(err, "create cycle alert", "cycle_alert", alert.MemberKey)
	}
	return nil
}

// GetCycleAlert implements store.Store.
func (s *Store) GetCycleAlert(ctx context.Context, id string) (*model.CycleAlert, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM cycle_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "cycle_alert", ID: id}
	}
	if err != nil {
		return nil, classify(err, "get cycle alert", "cycle_alert", id)
	}
	return a, nil
}

// ListCycleAlerts implements store.Store.
func (s *Store) ListCycleAlerts(ctx context.Context, filter store.AlertFilter, page store.Page) (*store.AlertPage, error) {
	page = page.Normalize()

	where := ""
	var args []any
	if filter.Status != nil {
		where = " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}

	out := &store.AlertPage{Items: []model.CycleAlert{}, Limit: page.Limit, Offset: page.Offset}
	if err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_alerts`+where, args...).Scan(&out.Total); err != nil {
		return nil, classify(err, "count cycle alerts", "cycle_alert", "")
	}

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM cycle_alerts`+where+` ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, classify(err, "list cycle alerts", "cycle_alert", "")
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify(err, "list cycle alerts", "cycle_alert", "")
		}
		out.Items = append(out.Items, *a)
	}
	return out, classify(rows.Err(), "list cycle alerts", "cycle_alert", "")
}

// UpdateCycleAlert implements store.Store as a compare-and-set on status.
func (s *Store) UpdateCycleAlert(ctx context.Context, alert *model.CycleAlert, from model.AlertStatus) error {
	return classify(s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cycle_alerts SET
				status = ?, acknowledged_by = ?, acknowledged_at = ?,
				resolved_by = ?, resolved_at = ?, resolution_notes = ?
			WHERE id = ? AND status = ?`,
			string(alert.Status), alert.AcknowledgedBy, nullMicros(alert.AcknowledgedAt),
			alert.ResolvedBy, nullMicros(alert.ResolvedAt), alert.ResolutionNotes,
			alert.ID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM cycle_alerts WHERE id = ?`, alert.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &model.NotFoundError{Kind: "cycle_alert", ID: alert.ID}
		}
		if err != nil {
			return err
		}
		return &model.ConflictError{
			Kind:   "cycle_alert",
			ID:     alert.ID,
			Reason: fmt.Sprintf("status changed concurrently (expected %s, found %s)", from, current),
		}
	}), "update cycle alert", "cycle_alert", alert.ID)
}

func scanAlert(row scanner) (*model.CycleAlert, error) {
	var (
		a                model.CycleAlert
		members, status  string
		detected         int64
		ackedAt, resolAt sql.NullInt64
	)
	err := row.Scan(&a.ID, &members, &a.MemberKey, &status, &detected,
		&a.AcknowledgedBy, &ackedAt, &a.ResolvedBy, &resolAt, &a.ResolutionNotes)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &a.Members); err != nil {
		return nil, fmt.Errorf("decode members for alert %s: %w", a.ID, err)
	}
	a.Status = model.AlertStatus(status)
	a.DetectedAt = fromMicros(detected)
	if ackedAt.Valid {
		t := fromMicros(ackedAt.Int64)
		a.AcknowledgedAt = &t
	}
	if resolAt.Valid {
		t := fromMicros(resolAt.Int64)
		a.ResolvedAt = &t
	}
	return &a, nil
}
