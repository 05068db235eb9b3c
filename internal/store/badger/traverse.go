// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// Traverse implements store.Store. Both directions of a "both" query run
// in the same read transaction, so they see one snapshot.
func (s *Store) Traverse(ctx context.Context, q store.TraverseQuery) (*store.Subgraph, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var parts []*store.Subgraph
	err := s.db.view(ctx, "traverse", func(txn *badger.Txn) error {
		if q.Direction != model.DirectionUpstream {
			sg, err := walk(ctx, txn, q, model.DirectionDownstream)
			if err != nil {
				return err
			}
			parts = append(parts, sg)
		}
		if q.Direction != model.DirectionDownstream {
			sg, err := walk(ctx, txn, q, model.DirectionUpstream)
			if err != nil {
				return err
			}
			parts = append(parts, sg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.Union(q.StartID, parts...), nil
}

// walk expands one depth level per iteration. A node enters the frontier
// the first time it is reached, so each node's edges are scanned once.
// Nodes first reached at MaxDepth are scanned only for edges back into
// the visited set, which makes the result the subgraph induced by the
// nodes within MaxDepth hops.
func walk(ctx context.Context, txn *badger.Txn, q store.TraverseQuery, dir model.Direction) (*store.Subgraph, error) {
	sg := &store.Subgraph{}
	visited := map[string]bool{q.StartID: true}
	frontier := []string{q.StartID}

	for depth := 0; depth <= q.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last := depth == q.MaxDepth
		var next []string
		for _, node := range frontier {
			edges, err := neighbours(ctx, txn, node, dir)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !q.IncludeStale && e.IsStale {
					continue
				}
				far := e.TargetServiceID
				if dir == model.DirectionUpstream {
					far = e.SourceServiceID
				}
				if last && !visited[far] {
					continue
				}
				sg.Edges = append(sg.Edges, e)
				sg.Services = append(sg.Services, far)
				if !visited[far] {
					visited[far] = true
					next = append(next, far)
				}
			}
		}
		frontier = next
	}
	return sg, nil
}

// neighbours returns the edges leaving (downstream) or entering (upstream)
// node with one prefix scan.
func neighbours(ctx context.Context, txn *badger.Txn, node string, dir model.Direction) ([]model.DependencyEdge, error) {
	var out []model.DependencyEdge
	if dir == model.DirectionDownstream {
		err := scanPrefix(ctx, txn, outPrefix(node), false, func(item *badger.Item) error {
			e, err := decodeEdge(item)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
		return out, err
	}

	err := scanPrefix(ctx, txn, inPrefix(node), true, func(item *badger.Item) error {
		k, err := parseInKey(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		var e model.DependencyEdge
		found, err := getJSON(txn, outKey(k), &e)
		if err != nil {
			return err
		}
		if !found {
			return errors.New("reverse index entry without forward edge: " + string(outKey(k)))
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
