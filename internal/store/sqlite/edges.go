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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

const edgeColumns = `source_id, target_id, discovery_source, communication_mode, criticality, protocol,
	timeout_ns, retry_policy, confidence_score, observation_count, last_observed_at, is_stale,
	created_at, updated_at`

// qualified prefixes every edge column with alias.
func qualified(alias string) string {
	cols := strings.Split(edgeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

const insertEdgeSQL = `INSERT INTO dependency_edges (` + edgeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertEdgeSQL = insertEdgeSQL + `
	ON CONFLICT (source_id, target_id, discovery_source) DO UPDATE SET
		communication_mode = excluded.communication_mode,
		criticality        = excluded.criticality,
		protocol           = excluded.protocol,
		timeout_ns         = excluded.timeout_ns,
		retry_policy       = excluded.retry_policy,
		confidence_score   = excluded.confidence_score,
		observation_count  = excluded.observation_count,
		last_observed_at   = excluded.last_observed_at,
		is_stale           = excluded.is_stale,
		updated_at         = excluded.updated_at
	RETURNING created_at`

func edgeKeyID(e model.DependencyEdge) string {
	return fmt.Sprintf("%s>%s/%s", e.SourceServiceID, e.TargetServiceID, e.DiscoverySource)
}

// edgeArgs encodes e for insertEdgeSQL/upsertEdgeSQL.
func edgeArgs(e model.DependencyEdge, now int64) ([]any, error) {
	var timeout sql.NullInt64
	if e.Timeout != nil {
		timeout = sql.NullInt64{Int64: int64(*e.Timeout), Valid: true}
	}
	var retry sql.NullString
	if e.RetryPolicy != nil {
		b, err := json.Marshal(e.RetryPolicy)
		if err != nil {
			return nil, fmt.Errorf("encode retry policy: %w", err)
		}
		retry = sql.NullString{String: string(b), Valid: true}
	}
	return []any{
		e.SourceServiceID, e.TargetServiceID, string(e.DiscoverySource),
		string(e.CommunicationMode), string(e.Criticality), e.Protocol,
		timeout, retry, e.ConfidenceScore, e.ObservationCount,
		micros(e.LastObservedAt), boolInt(e.IsStale), now, now,
	}, nil
}

// InsertEdge implements store.Store.
func (s *Store) InsertEdge(ctx context.Context, edge model.DependencyEdge) error {
	now := micros(s.now())
	args, err := edgeArgs(edge, now)
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := ensureServicesTx(ctx, tx, endpoints(edge), now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insertEdgeSQL, args...)
		return err
	})
	if err != nil {
		return classify(err, "insert edge", "dependency_edge", edgeKeyID(edge))
	}
	return nil
}

func endpoints(edges ...model.DependencyEdge) []string {
	ids := make([]string, 0, 2*len(edges))
	for _, e := range edges {
		ids = append(ids, e.SourceServiceID, e.TargetServiceID)
	}
	return ids
}

// BulkUpsertEdges implements store.Store. Placeholders and edges commit or
// roll back as a whole.
func (s *Store) BulkUpsertEdges(ctx context.Context, edges []model.DependencyEdge) (*store.UpsertResult, error) {
	if len(edges) == 0 {
		return &store.UpsertResult{Edges: []model.DependencyEdge{}}, nil
	}

	nowTime := s.timestamp()
	now := nowTime.UnixMicro()
	res := &store.UpsertResult{Edges: make([]model.DependencyEdge, 0, len(edges))}
	var current model.DependencyEdge

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		created, err := ensureServicesTx(ctx, tx, endpoints(edges...), now)
		if err != nil {
			return err
		}
		res.ServicesCreated = created

		stmt, err := tx.PrepareContext(ctx, upsertEdgeSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		res.Edges = res.Edges[:0]
		for _, e := range edges {
			current = e
			args, err := edgeArgs(e, now)
			if err != nil {
				return err
			}
			var createdAt int64
			if err := stmt.QueryRowContext(ctx, args...).Scan(&createdAt); err != nil {
				return err
			}
			stored := e.Clone()
			stored.LastObservedAt = store.Timestamp(e.LastObservedAt)
			stored.CreatedAt = fromMicros(createdAt)
			stored.UpdatedAt = nowTime
			res.Edges = append(res.Edges, stored)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "bulk upsert edges", "dependency_edge", edgeKeyID(current))
	}
	return res, nil
}

// EdgesForPairs implements store.Store.
func (s *Store) EdgesForPairs(ctx context.Context, pairs []model.PairKey) ([]model.DependencyEdge, error) {
	out := []model.DependencyEdge{}
	if len(pairs) == 0 {
		return out, nil
	}

	// Chunked to stay well under SQLite's bound-parameter limit.
	const chunk = 400
	for startIdx := 0; startIdx < len(pairs); startIdx += chunk {
		end := min(startIdx+chunk, len(pairs))
		part := pairs[startIdx:end]

		conds := make([]string, len(part))
		args := make([]any, 0, 2*len(part))
		for i, p := range part {
			conds[i] = "(source_id = ? AND target_id = ?)"
			args = append(args, p.Source, p.Target)
		}
		rows, err := s.db.conn.QueryContext(ctx,
			`SELECT `+edgeColumns+` FROM dependency_edges WHERE `+strings.Join(conds, " OR "), args...)
		if err != nil {
			return nil, classify(err, "edges for pairs", "dependency_edge", "")
		}
		edges, err := scanEdges(rows)
		if err != nil {
			return nil, classify(err, "edges for pairs", "dependency_edge", "")
		}
		out = append(out, edges...)
	}
	model.SortEdges(out)
	return out, nil
}

// CountEdges implements store.Store.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dependency_edges`).Scan(&n); err != nil {
		return 0, classify(err, "count edges", "dependency_edge", "")
	}
	return n, nil
}

// MarkStaleEdges implements store.Store as a single UPDATE.
func (s *Store) MarkStaleEdges(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.timestamp()
	cutoff := store.StaleCutoff(now, olderThan)

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE dependency_edges
		SET is_stale = 1, updated_at = ?
		WHERE is_stale = 0 AND last_observed_at < ?`,
		now.UnixMicro(), cutoff.UnixMicro())
	if err != nil {
		return 0, classify(err, "mark stale edges", "dependency_edge", "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, "mark stale edges", "dependency_edge", "")
	}
	return n, nil
}

// AdjacencyList implements store.Store in one aggregation pass.
func (s *Store) AdjacencyList(ctx context.Context, includeStale bool) (map[string][]string, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT s.id, e.target_id
		FROM services s
		LEFT JOIN (
			SELECT DISTINCT source_id, target_id
			FROM dependency_edges
			WHERE ? OR is_stale = 0
		) e ON e.source_id = s.id
		ORDER BY s.id, e.target_id`, includeStale)
	if err != nil {
		return nil, classify(err, "adjacency list", "dependency_edge", "")
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var (
			id     string
			target sql.NullString
		)
		if err := rows.Scan(&id, &target); err != nil {
			return nil, classify(err, "adjacency list", "dependency_edge", "")
		}
		if _, ok := adj[id]; !ok {
			adj[id] = []string{}
		}
		if target.Valid {
			adj[id] = append(adj[id], target.String)
		}
	}
	return adj, classify(rows.Err(), "adjacency list", "dependency_edge", "")
}

// scanEdges drains and closes rows.
func scanEdges(rows *sql.Rows) ([]model.DependencyEdge, error) {
	defer rows.Close()
	out := []model.DependencyEdge{}
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEdge(row scanner) (model.DependencyEdge, error) {
	var (
		e                          model.DependencyEdge
		ds, mode, crit             string
		timeout                    sql.NullInt64
		retry                      sql.NullString
		observed, created, updated int64
		stale                      int
	)
	err := row.Scan(&e.SourceServiceID, &e.TargetServiceID, &ds, &mode, &crit, &e.Protocol,
		&timeout, &retry, &e.ConfidenceScore, &e.ObservationCount, &observed, &stale, &created, &updated)
	if err != nil {
		return e, err
	}
	e.DiscoverySource = model.DiscoverySource(ds)
	e.CommunicationMode = model.CommunicationMode(mode)
	e.Criticality = model.Criticality(crit)
	if timeout.Valid {
		d := time.Duration(timeout.Int64)
		e.Timeout = &d
	}
	if retry.Valid {
		var rp model.RetryPolicy
		if err := json.Unmarshal([]byte(retry.String), &rp); err != nil {
			return e, fmt.Errorf("decode retry policy for %s: %w", edgeKeyID(e), err)
		}
		e.RetryPolicy = &rp
	}
	e.LastObservedAt = fromMicros(observed)
	e.IsStale = stale == 1
	e.CreatedAt = fromMicros(created)
	e.UpdatedAt = fromMicros(updated)
	return e, nil
}
