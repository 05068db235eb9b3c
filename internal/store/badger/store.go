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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// Store is the BadgerDB-backed store.Store.
//
// Thread Safety: Safe for concurrent use. Writers use optimistic
// transactions; a lost race is returned as a TransientError.
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

// Open opens the database described by cfg and returns a ready Store.
func Open(cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(cfg)
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
	s.logger = s.logger.With(slog.String("component", "store"), slog.String("backend", "badger"))
	return s
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return s.db.view(ctx, "ping", func(txn *badger.Txn) error { return nil })
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return store.Timestamp(s.now())
}

// getJSON decodes the value at key into v, reporting found=false for a
// missing key.
func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, b)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanPrefix calls fn for every key under prefix. Values are fetched
// lazily through the item.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, keysOnly bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Services
// =============================================================================

// UpsertService implements store.Store.
func (s *Store) UpsertService(ctx context.Context, svc model.Service) (*model.Service, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	now := s.timestamp()
	out := svc
	out.Discovered = false
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}

	err := s.db.update(ctx, "upsert service", func(txn *badger.Txn) error {
		var prev model.Service
		found, err := getJSON(txn, serviceKey(svc.ID), &prev)
		if err != nil {
			return err
		}
		if found {
			out.CreatedAt = prev.CreatedAt
		}
		return setJSON(txn, serviceKey(svc.ID), out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetService implements store.Store.
func (s *Store) GetService(ctx context.Context, id string) (*model.Service, error) {
	var svc model.Service
	err := s.db.view(ctx, "get service", func(txn *badger.Txn) error {
		found, err := getJSON(txn, serviceKey(id), &svc)
		if err != nil {
			return err
		}
		if !found {
			return &model.NotFoundError{Kind: "service", ID: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices implements store.Store. Keys are id-ordered, so the scan
// yields services in id order.
func (s *Store) ListServices(ctx context.Context, filter store.ServiceFilter, page store.Page) (*store.ServicePage, error) {
	page = page.Normalize()
	out := &store.ServicePage{Items: []model.Service{}, Limit: page.Limit, Offset: page.Offset}

	err := s.db.view(ctx, "list services", func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixService, false, func(item *badger.Item) error {
			var svc model.Service
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &svc) }); err != nil {
				return err
			}
			if filter.Discovered != nil && svc.Discovered != *filter.Discovered {
				return nil
			}
			if out.Total >= page.Offset && len(out.Items) < page.Limit {
				out.Items = append(out.Items, svc)
			}
			out.Total++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteService implements store.Store, removing both index entries of
// every edge that touches the service.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	return s.db.update(ctx, "delete service", func(txn *badger.Txn) error {
		ok, err := exists(txn, serviceKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return &model.NotFoundError{Kind: "service", ID: id}
		}

		var doomed []model.EdgeKey
		err = scanPrefix(ctx, txn, outPrefix(id), true, func(item *badger.Item) error {
			var e model.DependencyEdge
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			doomed = append(doomed, e.Key())
			return nil
		})
		if err != nil {
			return err
		}
		err = scanPrefix(ctx, txn, inPrefix(id), true, func(item *badger.Item) error {
			k, err := parseInKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			doomed = append(doomed, k)
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := txn.Delete(outKey(k)); err != nil {
				return err
			}
			if err := txn.Delete(inKey(k)); err != nil {
				return err
			}
		}
		return txn.Delete(serviceKey(id))
	})
}

// EnsureServices implements store.Store.
func (s *Store) EnsureServices(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	at = store.Timestamp(at)
	created := 0
	err := s.db.update(ctx, "ensure services", func(txn *badger.Txn) error {
		created = 0
		for _, id := range ids {
			if err := model.ValidateServiceID("service_id", id); err != nil {
				return err
			}
			ok, err := exists(txn, serviceKey(id))
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := setJSON(txn, serviceKey(id), model.NewDiscoveredService(id, at)); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
