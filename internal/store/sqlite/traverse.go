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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// traverseTemplate walks (node, depth) pairs outward from ?1. UNION drops
// repeated pairs, and the depth guard is what terminates cycles. The
// result is every edge leaving a node reached within ?2 hops whose far
// endpoint is also within ?2 hops: the subgraph induced by the reached
// nodes, so an edge closing a cycle back into that set is returned.
//
// The two %s pairs are (near, far) columns: (source_id, target_id) walks
// downstream, (target_id, source_id) walks upstream.
const traverseTemplate = `
WITH RECURSIVE walk(node, depth) AS (
	SELECT ?1, 0
	UNION
	SELECT e.%[2]s, w.depth + 1
	FROM walk w
	JOIN dependency_edges e ON e.%[1]s = w.node
	WHERE w.depth < ?2 AND (?3 OR e.is_stale = 0)
),
reached(node, depth) AS (
	SELECT node, MIN(depth) FROM walk GROUP BY node
)
SELECT %[3]s
FROM dependency_edges e
JOIN reached r ON e.%[1]s = r.node
WHERE (?3 OR e.is_stale = 0)
	AND (r.depth < ?2 OR e.%[2]s IN (SELECT node FROM reached))
ORDER BY e.source_id, e.target_id, e.discovery_source`

var (
	downstreamSQL = fmt.Sprintf(traverseTemplate, "source_id", "target_id", qualified("e"))
	upstreamSQL   = fmt.Sprintf(traverseTemplate, "target_id", "source_id", qualified("e"))
)

// Traverse implements store.Store.
func (s *Store) Traverse(ctx context.Context, q store.TraverseQuery) (*store.Subgraph, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	switch q.Direction {
	case model.DirectionDownstream, model.DirectionUpstream:
		sg, err := s.walk(ctx, q, q.Direction)
		if err != nil {
			return nil, err
		}
		return store.Union(q.StartID, sg), nil
	}

	var down, up *store.Subgraph
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		down, err = s.walk(gctx, q, model.DirectionDownstream)
		return err
	})
	g.Go(func() error {
		var err error
		up, err = s.walk(gctx, q, model.DirectionUpstream)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return store.Union(q.StartID, down, up), nil
}

// walk runs one directional CTE. Services are the far endpoints of the
// returned edges.
func (s *Store) walk(ctx context.Context, q store.TraverseQuery, dir model.Direction) (*store.Subgraph, error) {
	query := downstreamSQL
	if dir == model.DirectionUpstream {
		query = upstreamSQL
	}

	rows, err := s.db.conn.QueryContext(ctx, query, q.StartID, q.MaxDepth, q.IncludeStale)
	if err != nil {
		return nil, classify(err, "traverse", "service", q.StartID)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, classify(err, "traverse", "service", q.StartID)
	}

	sg := &store.Subgraph{Edges: edges, Services: make([]string, 0, len(edges))}
	for _, e := range edges {
		far := e.TargetServiceID
		if dir == model.DirectionUpstream {
			far = e.SourceServiceID
		}
		sg.Services = append(sg.Services, far)
	}
	return sg, nil
}
