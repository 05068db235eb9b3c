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
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

// CreateCycleAlert implements store.Store. alertkey/<member key> holds the
// id of the single active alert for a cycle.
func (s *Store) CreateCycleAlert(ctx context.Context, alert *model.CycleAlert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	a := alert.Clone()
	a.DetectedAt = store.Timestamp(a.DetectedAt)

	return s.db.update(ctx, "create cycle alert", func(txn *badger.Txn) error {
		taken, err := exists(txn, activeAlertKey(a.MemberKey))
		if err != nil {
			return err
		}
		if taken {
			return &model.ConflictError{Kind: "cycle_alert", ID: a.MemberKey, Reason: "an active alert already covers this cycle"}
		}
		if err := setJSON(txn, alertKey(a.ID), a); err != nil {
			return err
		}
		if a.Status.Active() {
			return txn.Set(activeAlertKey(a.MemberKey), []byte(a.ID))
		}
		return nil
	})
}

// GetCycleAlert implements store.Store.
func (s *Store) GetCycleAlert(ctx context.Context, id string) (*model.CycleAlert, error) {
	var a model.CycleAlert
	err := s.db.view(ctx, "get cycle alert", func(txn *badger.Txn) error {
		found, err := getJSON(txn, alertKey(id), &a)
		if err != nil {
			return err
		}
		if !found {
			return &model.NotFoundError{Kind: "cycle_alert", ID: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListCycleAlerts implements store.Store. Alerts are few compared to edges,
// so the matching set is sorted in memory.
func (s *Store) ListCycleAlerts(ctx context.Context, filter store.AlertFilter, page store.Page) (*store.AlertPage, error) {
	page = page.Normalize()

	var all []model.CycleAlert
	err := s.db.view(ctx, "list cycle alerts", func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixAlert, false, func(item *badger.Item) error {
			var a model.CycleAlert
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				return fmt.Errorf("decode alert %q: %w", item.Key(), err)
			}
			if filter.Status == nil || a.Status == *filter.Status {
				all = append(all, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].DetectedAt.Equal(all[j].DetectedAt) {
			return all[i].DetectedAt.After(all[j].DetectedAt)
		}
		return all[i].ID < all[j].ID
	})

	out := &store.AlertPage{Items: []model.CycleAlert{}, Total: len(all), Limit: page.Limit, Offset: page.Offset}
	if page.Offset < len(all) {
		out.Items = append(out.Items, all[page.Offset:min(page.Offset+page.Limit, len(all))]...)
	}
	return out, nil
}

// UpdateCycleAlert implements store.Store as a compare-and-set on status.
// Leaving the active states releases the member key for re-detection.
func (s *Store) UpdateCycleAlert(ctx context.Context, alert *model.CycleAlert, from model.AlertStatus) error {
	return s.db.update(ctx, "update cycle alert", func(txn *badger.Txn) error {
		var current model.CycleAlert
		found, err := getJSON(txn, alertKey(alert.ID), &current)
		if err != nil {
			return err
		}
		if !found {
			return &model.NotFoundError{Kind: "cycle_alert", ID: alert.ID}
		}
		if current.Status != from {
			return &model.ConflictError{
				Kind:   "cycle_alert",
				ID:     alert.ID,
				Reason: fmt.Sprintf("status changed concurrently (expected %s, found %s)", from, current.Status),
			}
		}

		next := alert.Clone()
		next.Members = current.Members
		next.MemberKey = current.MemberKey
		next.DetectedAt = current.DetectedAt
		if err := setJSON(txn, alertKey(next.ID), next); err != nil {
			return err
		}
		if current.Status.Active() && !next.Status.Active() {
			return txn.Delete(activeAlertKey(current.MemberKey))
		}
		return nil
	})
}
