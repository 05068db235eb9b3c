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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// sweepChunk bounds the number of rows re-checked per sweep transaction.
const sweepChunk = 1000

// ensureEndpoints creates discovered placeholders for either endpoint of e
// that has no service record yet and returns how many it wrote. known
// caches ids already present in txn across a batch.
func ensureEndpoints(txn *badger.Txn, e model.DependencyEdge, at time.Time, known map[string]bool) (int, error) {
	created := 0
	for _, id := range []string{e.SourceServiceID, e.TargetServiceID} {
		if known[id] {
			continue
		}
		ok, err := exists(txn, serviceKey(id))
		if err != nil {
			return 0, err
		}
		if !ok {
			if err := setJSON(txn, serviceKey(id), model.NewDiscoveredService(id, at)); err != nil {
				return 0, err
			}
			created++
		}
		known[id] = true
	}
	return created, nil
}

func putEdge(txn *badger.Txn, e model.DependencyEdge) error {
	if err := setJSON(txn, outKey(e.Key()), e); err != nil {
		return err
	}
	return txn.Set(inKey(e.Key()), nil)
}

func normalizeEdge(e model.DependencyEdge, now time.Time) model.DependencyEdge {
	out := e.Clone()
	out.LastObservedAt = store.Timestamp(e.LastObservedAt)
	out.CreatedAt = now
	out.UpdatedAt = now
	return out
}

// InsertEdge implements store.Store.
func (s *Store) InsertEdge(ctx context.Context, edge model.DependencyEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	e := normalizeEdge(edge, s.timestamp())

	return s.db.update(ctx, "insert edge", func(txn *badger.Txn) error {
		dup, err := exists(txn, outKey(e.Key()))
		if err != nil {
			return err
		}
		if dup {
			return &model.ConflictError{
				Kind:   "dependency_edge",
				ID:     fmt.Sprintf("%s>%s/%s", e.SourceServiceID, e.TargetServiceID, e.DiscoverySource),
				Reason: "already exists",
			}
		}
		if _, err := ensureEndpoints(txn, e, e.CreatedAt, map[string]bool{}); err != nil {
			return err
		}
		return putEdge(txn, e)
	})
}

// BulkUpsertEdges implements store.Store. All rows are validated before
// the transaction opens; placeholders and edges commit or fail as a whole.
func (s *Store) BulkUpsertEdges(ctx context.Context, edges []model.DependencyEdge) (*store.UpsertResult, error) {
	for i := range edges {
		if err := edges[i].Validate(); err != nil {
			return nil, err
		}
	}
	if len(edges) == 0 {
		return &store.UpsertResult{Edges: []model.DependencyEdge{}}, nil
	}

	now := s.timestamp()
	res := &store.UpsertResult{Edges: make([]model.DependencyEdge, 0, len(edges))}
	err := s.db.update(ctx, "bulk upsert edges", func(txn *badger.Txn) error {
		res.Edges = res.Edges[:0]
		res.ServicesCreated = 0
		known := make(map[string]bool)
		for _, edge := range edges {
			created, err := ensureEndpoints(txn, edge, now, known)
			if err != nil {
				return err
			}
			res.ServicesCreated += created
			e := normalizeEdge(edge, now)

			var prev model.DependencyEdge
			found, err := getJSON(txn, outKey(e.Key()), &prev)
			if err != nil {
				return err
			}
			if found {
				e.CreatedAt = prev.CreatedAt
			}
			if err := putEdge(txn, e); err != nil {
				return err
			}
			res.Edges = append(res.Edges, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EdgesForPairs implements store.Store.
func (s *Store) EdgesForPairs(ctx context.Context, pairs []model.PairKey) ([]model.DependencyEdge, error) {
	out := []model.DependencyEdge{}
	err := s.db.view(ctx, "edges for pairs", func(txn *badger.Txn) error {
		for _, p := range pairs {
			err := scanPrefix(ctx, txn, pairPrefix(p), false, func(item *badger.Item) error {
				e, err := decodeEdge(item)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	model.SortEdges(out)
	return out, nil
}

// CountEdges implements store.Store with a key-only scan.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	n := 0
	err := s.db.view(ctx, "count edges", func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixEdgeOut, true, func(*badger.Item) error {
			n++
			return nil
		})
	})
	return n, err
}

// AdjacencyList implements store.Store: one scan over services, one over
// forward edges.
func (s *Store) AdjacencyList(ctx context.Context, includeStale bool) (map[string][]string, error) {
	adj := make(map[string][]string)
	err := s.db.view(ctx, "adjacency list", func(txn *badger.Txn) error {
		err := scanPrefix(ctx, txn, prefixService, true, func(item *badger.Item) error {
			adj[string(item.Key()[len(prefixService):])] = []string{}
			return nil
		})
		if err != nil {
			return err
		}

		seen := make(map[model.PairKey]bool)
		return scanPrefix(ctx, txn, prefixEdgeOut, false, func(item *badger.Item) error {
			e, err := decodeEdge(item)
			if err != nil {
				return err
			}
			if (!includeStale && e.IsStale) || seen[e.Pair()] {
				return nil
			}
			seen[e.Pair()] = true
			adj[e.SourceServiceID] = append(adj[e.SourceServiceID], e.TargetServiceID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj, nil
}

// MarkStaleEdges implements store.Store.
//
// Candidates are collected in a read transaction, then flagged in chunked
// write transactions that re-read each row so a concurrent refresh wins.
func (s *Store) MarkStaleEdges(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.timestamp()
	cutoff := store.StaleCutoff(now, olderThan)

	var candidates [][]byte
	err := s.db.view(ctx, "mark stale edges", func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixEdgeOut, false, func(item *badger.Item) error {
			e, err := decodeEdge(item)
			if err != nil {
				return err
			}
			if !e.IsStale && e.LastObservedAt.Before(cutoff) {
				candidates = append(candidates, item.KeyCopy(nil))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	var marked int64
	for start := 0; start < len(candidates); start += sweepChunk {
		chunk := candidates[start:min(start+sweepChunk, len(candidates))]
		var n int64
		err := s.db.update(ctx, "mark stale edges", func(txn *badger.Txn) error {
			n = 0
			for _, key := range chunk {
				var e model.DependencyEdge
				found, err := getJSON(txn, key, &e)
				if err != nil {
					return err
				}
				if !found || e.IsStale || !e.LastObservedAt.Before(cutoff) {
					continue
				}
				e.IsStale = true
				e.UpdatedAt = now
				if err := setJSON(txn, key, e); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("stale sweep chunk failed",
				slog.Int64("marked_so_far", marked),
				slog.String("error", err.Error()))
			return marked, err
		}
		marked += n
	}
	return marked, nil
}

func decodeEdge(item *badger.Item) (model.DependencyEdge, error) {
	var e model.DependencyEdge
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return e, fmt.Errorf("decode edge %q: %w", item.Key(), err)
	}
	return e, nil
}
