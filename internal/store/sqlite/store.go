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
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// Store is the SQLite-backed store.Store.
//
// Thread Safety: Safe for concurrent use; each call runs on its own pooled
// connection.
type Store struct {
	db     *DB
	now    store.Clock
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c store.Clock) Option {
	return func(s *Store) { s.now = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens the database at cfg.Path and returns a ready Store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an open DB.
func New(db *DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "store"), slog.String("backend", "sqlite"))
	return s
}

// DB exposes the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return store.Timestamp(s.now())
}

func micros(t time.Time) int64 {
	return store.Timestamp(t).UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// Services
// =============================================================================

const serviceColumns = `id, tier, owning_team, metadata, discovered, created_at, updated_at`

// UpsertService implements store.Store.
func (s *Store) UpsertService(ctx context.Context, svc model.Service) (*model.Service, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(nonNilMeta(svc.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := micros(s.now())
	row := s.db.conn.QueryRowContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tier        = excluded.tier,
			owning_team = excluded.owning_team,
			metadata    = excluded.metadata,
			discovered  = 0,
			updated_at  = excluded.updated_at
		RETURNING `+serviceColumns,
		svc.ID, svc.Tier, svc.OwningTeam, string(meta), now, now)

	out, err := scanService(row)
	if err != nil {
		return nil, classify(err, "upsert service", "service", svc.ID)
	}
	return out, nil
}

// GetService implements store.Store.
func (s *Store) GetService(ctx context.Context, id string) (*model.Service, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "service", ID: id}
	}
	if err != nil {
		return nil, classify(err, "get service", "service", id)
	}
	return svc, nil
}

// ListServices implements store.Store.
func (s *Store) ListServices(ctx context.Context, filter store.ServiceFilter, page store.Page) (*store.ServicePage, error) {
	page = page.Normalize()

	where := ""
	var args []any
	if filter.Discovered != nil {
		where = " WHERE discovered = ?"
		args = append(args, boolInt(*filter.Discovered))
	}

	out := &store.ServicePage{Items: []model.Service{}, Limit: page.Limit, Offset: page.Offset}
	if err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM services`+where, args...).Scan(&out.Total); err != nil {
		return nil, classify(err, "count services", "service", "")
	}

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services`+where+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, classify(err, "list services", "service", "")
	}
	defer rows.Close()

	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, classify(err, "list services", "service", "")
		}
		out.Items = append(out.Items, *svc)
	}
	return out, classify(rows.Err(), "list services", "service", "")
}

// DeleteService implements store.Store. Edges go with it via ON DELETE CASCADE.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete service", "service", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "delete service", "service", id)
	}
	if n == 0 {
		return &model.NotFoundError{Kind: "service", ID: id}
	}
	return nil
}

// EnsureServices implements store.Store.
func (s *Store) EnsureServices(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	created := 0
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := ensureServicesTx(ctx, tx, ids, micros(at))
		created = n
		return err
	})
	if err != nil {
		return 0, classify(err, "ensure services", "service", strings.Join(ids, ","))
	}
	return created, nil
}

const ensureServiceSQL = `
	INSERT INTO services (id, tier, metadata, discovered, created_at, updated_at)
	VALUES (?, ?, '{}', 1, ?, ?)
	ON CONFLICT (id) DO NOTHING`

// ensureServicesTx creates discovered placeholders for unknown ids inside
// tx and returns how many rows it inserted.
func ensureServicesTx(ctx context.Context, tx *sql.Tx, ids []string, ts int64) (int, error) {
	stmt, err := tx.PrepareContext(ctx, ensureServiceSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	created := 0
	for _, id := range ids {
		if err := model.ValidateServiceID("service_id", id); err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, id, model.TierMedium, ts, ts)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		created += int(n)
	}
	return created, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (*model.Service, error) {
	var (
		svc        model.Service
		meta       string
		discovered int
		created    int64
		updated    int64
	)
	if err := row.Scan(&svc.ID, &svc.Tier, &svc.OwningTeam, &meta, &discovered, &created, &updated); err != nil {
		return nil, err
	}
	svc.Metadata = map[string]string{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &svc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", svc.ID, err)
		}
	}
	svc.Discovered = discovered == 1
	svc.CreatedAt = fromMicros(created)
	svc.UpdatedAt = fromMicros(updated)
	return &svc, nil
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
