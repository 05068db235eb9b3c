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
	"fmt"
	"sort"
)

// migration is one forward-only schema step.
type migration struct {
	version    int
	name       string
	statements []string
}

type migrator struct {
	db         *DB
	migrations []migration
}

func newMigrator(db *DB) *migrator {
	ms := migrations()
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return &migrator{db: db, migrations: ms}
}

func migrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "graph_schema",
			statements: []string{
				`CREATE TABLE services (
					id          TEXT PRIMARY KEY CHECK (length(id) BETWEEN 1 AND 253),
					tier        TEXT NOT NULL CHECK (tier IN ('critical', 'high', 'medium', 'low')),
					owning_team TEXT NOT NULL DEFAULT '',
					metadata    TEXT NOT NULL DEFAULT '{}',
					discovered  INTEGER NOT NULL DEFAULT 0 CHECK (discovered IN (0, 1)),
					created_at  INTEGER NOT NULL,
					updated_at  INTEGER NOT NULL
				)`,
				`CREATE INDEX idx_services_discovered ON services(discovered, id)`,

				`CREATE TABLE dependency_edges (
					source_id          TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
					target_id          TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
					discovery_source   TEXT NOT NULL CHECK (discovery_source IN ('manual', 'service-mesh', 'trace-derived', 'kubernetes-manifest')),
					communication_mode TEXT NOT NULL CHECK (communication_mode IN ('sync', 'async')),
					criticality        TEXT NOT NULL CHECK (criticality IN ('hard', 'soft', 'degraded')),
					protocol           TEXT NOT NULL DEFAULT '',
					timeout_ns         INTEGER CHECK (timeout_ns IS NULL OR timeout_ns > 0),
					retry_policy       TEXT,
					confidence_score   REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
					observation_count  INTEGER NOT NULL DEFAULT 1 CHECK (observation_count >= 0),
					last_observed_at   INTEGER NOT NULL,
					is_stale           INTEGER NOT NULL DEFAULT 0 CHECK (is_stale IN (0, 1)),
					created_at         INTEGER NOT NULL,
					updated_at         INTEGER NOT NULL,
					PRIMARY KEY (source_id, target_id, discovery_source),
					CHECK (source_id <> target_id)
				) WITHOUT ROWID`,
				`CREATE INDEX idx_edges_target ON dependency_edges(target_id, source_id)`,
				`CREATE INDEX idx_edges_staleness ON dependency_edges(is_stale, last_observed_at)`,

				`CREATE TABLE cycle_alerts (
					id               TEXT PRIMARY KEY,
					members          TEXT NOT NULL,
					member_key       TEXT NOT NULL CHECK (length(member_key) > 0),
					status           TEXT NOT NULL CHECK (status IN ('open', 'acknowledged', 'resolved')),
					detected_at      INTEGER NOT NULL,
					acknowledged_by  TEXT NOT NULL DEFAULT '',
					acknowledged_at  INTEGER,
					resolved_by      TEXT NOT NULL DEFAULT '',
					resolved_at      INTEGER,
					resolution_notes TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE UNIQUE INDEX idx_cycle_alerts_active_key ON cycle_alerts(member_key) WHERE status <> 'resolved'`,
				`CREATE INDEX idx_cycle_alerts_status ON cycle_alerts(status, detected_at DESC)`,
				`CREATE INDEX idx_cycle_alerts_detected ON cycle_alerts(detected_at DESC, id)`,
			},
		},
	}
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (m *migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// migrate applies every pending migration, each in its own transaction.
func (m *migrator) migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	current, err := m.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range m.migrations {
		if mig.version <= current {
			continue
		}
		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range mig.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", mig.version, mig.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.version, mig.name, err)
		}
	}
	return nil
}
