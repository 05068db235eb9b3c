// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge reconciles dependency edges reported by independent
// discovery sources.
//
// Every source keeps its own row per (source, target) pair. The resolver
// decides what each row looks like after a new observation, scores its
// confidence, and reports where sources disagree. A canonical view per
// pair is derived on read by Canonicalize.
//
// The resolver is pure: it operates on the batch and the snapshot of
// existing rows handed to it and never touches storage.
package merge

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/depgraph/internal/model"
)

// Config controls source trust and confidence scoring.
type Config struct {
	// Priority orders discovery sources from most to least trusted.
	Priority []model.DiscoverySource

	// BaseConfidence is the starting confidence per source.
	BaseConfidence map[model.DiscoverySource]float64

	// BonusScale multiplies log10(observation count).
	BonusScale float64

	// MaxBonus caps the repeated-observation bonus.
	MaxBonus float64
}

// DefaultConfig returns manual > service-mesh > trace-derived >
// kubernetes-manifest with a +0.1 maximum bonus.
func DefaultConfig() Config {
	return Config{
		Priority: append([]model.DiscoverySource(nil), model.DiscoverySources...),
		BaseConfidence: map[model.DiscoverySource]float64{
			model.SourceManual:             0.95,
			model.SourceServiceMesh:        0.9,
			model.SourceTraceDerived:       0.8,
			model.SourceKubernetesManifest: 0.7,
		},
		BonusScale: 0.05,
		MaxBonus:   0.1,
	}
}

// ErrInvalidConfig is returned by NewResolver for unusable settings.
var ErrInvalidConfig = errors.New("invalid merge config")

// Validate checks that Priority is a permutation of the known sources and
// that every confidence parameter lies within [0,1].
func (c Config) Validate() error {
	if len(c.Priority) != len(model.DiscoverySources) {
		return fmt.Errorf("%w: priority must list each of %v exactly once", ErrInvalidConfig, model.DiscoverySources)
	}
	seen := make(map[model.DiscoverySource]bool, len(c.Priority))
	for _, s := range c.Priority {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown discovery source %q in priority", ErrInvalidConfig, s)
		}
		if seen[s] {
			return fmt.Errorf("%w: discovery source %q listed twice in priority", ErrInvalidConfig, s)
		}
		seen[s] = true
	}
	for _, s := range model.DiscoverySources {
		v, ok := c.BaseConfidence[s]
		if !ok {
			return fmt.Errorf("%w: missing base confidence for %q", ErrInvalidConfig, s)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: base confidence for %q must be within [0,1]", ErrInvalidConfig, s)
		}
	}
	if c.BonusScale < 0 || c.MaxBonus < 0 || c.MaxBonus > 1 {
		return fmt.Errorf("%w: bonus scale and max bonus must be non-negative and max bonus <= 1", ErrInvalidConfig)
	}
	return nil
}

// Conflict records two sources disagreeing on the attributes of one pair.
type Conflict struct {
	Source           string                `json:"source"`
	Target           string                `json:"target"`
	Winner           model.DiscoverySource `json:"winner"`
	WinnerAttributes model.EdgeAttributes  `json:"winner_attributes"`
	Loser            model.DiscoverySource `json:"loser"`
	LoserAttributes  model.EdgeAttributes  `json:"loser_attributes"`
}

// Result is the outcome of resolving one batch.
type Result struct {
	// Upserts holds one row per distinct pair in the batch, all tagged with
	// the batch's discovery source.
	Upserts []model.DependencyEdge

	// Conflicts lists pairs where another source reports different attributes.
	Conflicts []Conflict
}

// Resolver applies source priority and confidence scoring.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Resolver struct {
	cfg  Config
	rank map[model.DiscoverySource]int
}

// NewResolver validates cfg and builds a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rank := make(map[model.DiscoverySource]int, len(cfg.Priority))
	for i, s := range cfg.Priority {
		rank[s] = i
	}
	return &Resolver{cfg: cfg, rank: rank}, nil
}

// Rank returns the priority position of s; lower is more trusted.
func (r *Resolver) Rank(s model.DiscoverySource) int {
	if i, ok := r.rank[s]; ok {
		return i
	}
	return len(r.rank)
}

// Confidence scores an edge from source observed count times.
//
// base[source] + min(MaxBonus, BonusScale*log10(count)), clamped to [0,1].
func (r *Resolver) Confidence(source model.DiscoverySource, count int) float64 {
	score := r.cfg.BaseConfidence[source]
	if count > 1 {
		score += math.Min(r.cfg.MaxBonus, r.cfg.BonusScale*math.Log10(float64(count)))
	}
	return clamp01(score)
}

// Resolve merges batch, observed by source at observedAt, against existing.
//
// existing may contain rows from any source for any pair; only rows for
// pairs present in the batch are consulted. Batch rows must already be
// valid apart from the fields the resolver fills in (discovery source,
// confidence, observation count, timestamps, staleness). When the batch
// names the same pair twice the later row wins.
//
// A refresh of an existing row from the same source increments its
// observation count only when observedAt is strictly after the stored
// last-observed time, so replaying a batch leaves every row unchanged.
func (r *Resolver) Resolve(source model.DiscoverySource, observedAt time.Time, batch, existing []model.DependencyEdge) (Result, error) {
	if !source.Valid() {
		return Result{}, model.NewValidationError("discovery_source", fmt.Sprintf("unknown discovery source %q", source))
	}

	own := make(map[model.PairKey]model.DependencyEdge)
	others := make(map[model.PairKey][]model.DependencyEdge)
	for _, e := range existing {
		if e.DiscoverySource == source {
			own[e.Pair()] = e
		} else {
			others[e.Pair()] = append(others[e.Pair()], e)
		}
	}

	order := make([]model.PairKey, 0, len(batch))
	latest := make(map[model.PairKey]model.DependencyEdge, len(batch))
	for _, e := range batch {
		p := e.Pair()
		if _, dup := latest[p]; !dup {
			order = append(order, p)
		}
		latest[p] = e
	}

	var res Result
	res.Upserts = make([]model.DependencyEdge, 0, len(order))
	for _, p := range order {
		next := latest[p].Clone()
		next.DiscoverySource = source
		next.IsStale = false
		next.LastObservedAt = observedAt
		next.ObservationCount = 1

		if prev, ok := own[p]; ok {
			next.CreatedAt = prev.CreatedAt
			next.ObservationCount = max(prev.ObservationCount, 1)
			if observedAt.After(prev.LastObservedAt) {
				next.ObservationCount++
			} else {
				next.LastObservedAt = prev.LastObservedAt
			}
		}
		next.ConfidenceScore = r.Confidence(source, next.ObservationCount)
		res.Upserts = append(res.Upserts, next)

		for _, other := range others[p] {
			if other.Attributes().Equal(next.Attributes()) {
				continue
			}
			res.Conflicts = append(res.Conflicts, r.conflict(next, other))
		}
	}
	return res, nil
}

func (r *Resolver) conflict(a, b model.DependencyEdge) Conflict {
	winner, loser := a, b
	if r.Rank(b.DiscoverySource) < r.Rank(a.DiscoverySource) {
		winner, loser = b, a
	}
	return Conflict{
		Source:           a.SourceServiceID,
		Target:           a.TargetServiceID,
		Winner:           winner.DiscoverySource,
		WinnerAttributes: winner.Attributes(),
		Loser:            loser.DiscoverySource,
		LoserAttributes:  loser.Attributes(),
	}
}

// Prefer reports whether a should be displayed instead of b for the same
// pair: higher source priority first, then higher confidence, then the
// more recent observation.
func (r *Resolver) Prefer(a, b model.DependencyEdge) bool {
	ra, rb := r.Rank(a.DiscoverySource), r.Rank(b.DiscoverySource)
	if ra != rb {
		return ra < rb
	}
	if a.ConfidenceScore != b.ConfidenceScore {
		return a.ConfidenceScore > b.ConfidenceScore
	}
	return a.LastObservedAt.After(b.LastObservedAt)
}

// Canonicalize collapses per-source rows into one edge per pair, sorted by
// (source, target).
func (r *Resolver) Canonicalize(edges []model.DependencyEdge) []model.DependencyEdge {
	best := make(map[model.PairKey]model.DependencyEdge, len(edges))
	for _, e := range edges {
		p := e.Pair()
		if cur, ok := best[p]; !ok || r.Prefer(e, cur) {
			best[p] = e
		}
	}
	out := make([]model.DependencyEdge, 0, len(best))
	for _, e := range best {
		out = append(out, e.Clone())
	}
	model.SortEdges(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
