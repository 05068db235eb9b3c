// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads depgraph settings with priority env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/merge"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
	"github.com/AleutianAI/depgraph/internal/store/badger"
	"github.com/AleutianAI/depgraph/internal/store/sqlite"
	"github.com/AleutianAI/depgraph/internal/telemetry"
	"github.com/AleutianAI/depgraph/pkg/logging"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Server    ServerConfig     `yaml:"server"`
	Graph     GraphConfig      `yaml:"graph"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig selects and tunes the Graph Store backend.
type StorageConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=sqlite badger"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Badger  BadgerConfig `yaml:"badger"`
}

// SQLiteConfig mirrors sqlite.Config.
type SQLiteConfig struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// BadgerConfig mirrors badger.Config.
type BadgerConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	Debug           bool          `yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// GraphConfig carries the engine settings.
type GraphConfig struct {
	MaxDepth                     int                `yaml:"max_depth" validate:"gte=1,lte=10"`
	DefaultDepth                 int                `yaml:"default_depth" validate:"gte=1,ltefield=MaxDepth"`
	TraversalTimeout             time.Duration      `yaml:"traversal_timeout" validate:"gt=0"`
	DetectionTimeout             time.Duration      `yaml:"detection_timeout" validate:"gt=0"`
	SweepTimeout                 time.Duration      `yaml:"sweep_timeout" validate:"gt=0"`
	StaleAfter                   time.Duration      `yaml:"stale_after" validate:"gt=0"`
	SourcePriority               []string           `yaml:"source_priority"`
	BaseConfidence               map[string]float64 `yaml:"base_confidence"`
	ConfidenceBonusScale         float64            `yaml:"confidence_bonus_scale" validate:"gte=0"`
	MaxConfidenceBonus           float64            `yaml:"max_confidence_bonus" validate:"gte=0,lte=1"`
	MaxBatchSize                 int                `yaml:"max_batch_size" validate:"gte=1"`
	IncludeStaleInCycleDetection bool               `yaml:"include_stale_in_cycle_detection"`
	WriteRetryAttempts           int                `yaml:"write_retry_attempts" validate:"gte=1,lte=20"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir"`
}

// Default returns a configuration that runs out of the box against a local
// SQLite file.
func Default() Config {
	eng := engine.DefaultConfig()
	sq := sqlite.DefaultConfig("depgraph.db")
	bg := badger.DefaultConfig()

	priority := make([]string, len(eng.Merge.Priority))
	for i, s := range eng.Merge.Priority {
		priority[i] = string(s)
	}
	base := make(map[string]float64, len(eng.Merge.BaseConfidence))
	for s, v := range eng.Merge.BaseConfidence {
		base[string(s)] = v
	}

	return Config{
		Storage: StorageConfig{
			Backend: BackendSQLite,
			SQLite: SQLiteConfig{
				Path:            sq.Path,
				MaxOpenConns:    sq.MaxOpenConns,
				MaxIdleConns:    sq.MaxIdleConns,
				ConnMaxLifetime: sq.ConnMaxLifetime,
				BusyTimeout:     sq.BusyTimeout,
			},
			Badger: BadgerConfig{
				Path:           "depgraph.badger",
				SyncWrites:     bg.SyncWrites,
				GCInterval:     bg.GCInterval,
				GCDiscardRatio: bg.GCDiscardRatio,
			},
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Graph: GraphConfig{
			MaxDepth:                     eng.MaxDepth,
			DefaultDepth:                 eng.DefaultDepth,
			TraversalTimeout:             eng.TraversalTimeout,
			DetectionTimeout:             eng.DetectionTimeout,
			SweepTimeout:                 eng.SweepTimeout,
			StaleAfter:                   eng.StaleAfter,
			SourcePriority:               priority,
			BaseConfidence:               base,
			ConfidenceBonusScale:         eng.Merge.BonusScale,
			MaxConfidenceBonus:           eng.Merge.MaxBonus,
			MaxBatchSize:                 eng.MaxBatchSize,
			IncludeStaleInCycleDetection: eng.IncludeStaleInDetection,
			WriteRetryAttempts:           eng.WriteRetryAttempts,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file; a missing file is
// an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Environment overrides.
const (
	EnvStorageBackend = "DEPGRAPH_STORAGE_BACKEND"
	EnvSQLitePath     = "DEPGRAPH_SQLITE_PATH"
	EnvBadgerPath     = "DEPGRAPH_BADGER_PATH"
	EnvListenAddr     = "DEPGRAPH_LISTEN_ADDR"
	EnvLogLevel       = "DEPGRAPH_LOG_LEVEL"
)

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStorageBackend); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv(EnvBadgerPath); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the rules that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("%w: storage.sqlite.path is required", ErrInvalid)
		}
	case BackendBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("%w: storage.badger.path is required unless in_memory", ErrInvalid)
		}
	}
	eng, err := c.Engine()
	if err != nil {
		return err
	}
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Engine converts the graph section into engine settings.
func (c Config) Engine() (engine.Config, error) {
	g := c.Graph
	priority := make([]model.DiscoverySource, 0, len(g.SourcePriority))
	for _, s := range g.SourcePriority {
		ds, err := model.ParseDiscoverySource(s)
		if err != nil {
			return engine.Config{}, fmt.Errorf("%w: graph.source_priority: %v", ErrInvalid, err)
		}
		priority = append(priority, ds)
	}
	base := make(map[model.DiscoverySource]float64, len(g.BaseConfidence))
	for s, v := range g.BaseConfidence {
		ds, err := model.ParseDiscoverySource(s)
		if err != nil {
			return engine.Config{}, fmt.Errorf("%w: graph.base_confidence: %v", ErrInvalid, err)
		}
		base[ds] = v
	}
	return engine.Config{
		Merge: merge.Config{
			Priority:       priority,
			BaseConfidence: base,
			BonusScale:     g.ConfidenceBonusScale,
			MaxBonus:       g.MaxConfidenceBonus,
		},
		DefaultDepth:            g.DefaultDepth,
		MaxDepth:                min(g.MaxDepth, store.MaxTraversalDepth),
		TraversalTimeout:        g.TraversalTimeout,
		DetectionTimeout:        g.DetectionTimeout,
		SweepTimeout:            g.SweepTimeout,
		StaleAfter:              g.StaleAfter,
		MaxBatchSize:            g.MaxBatchSize,
		IncludeStaleInDetection: g.IncludeStaleInCycleDetection,
		WriteRetryAttempts:      g.WriteRetryAttempts,
	}, nil
}

// SQLite converts the sqlite section.
func (c Config) SQLite() sqlite.Config {
	s := c.Storage.SQLite
	return sqlite.Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		BusyTimeout:     s.BusyTimeout,
	}
}

// Badger converts the badger section.
func (c Config) Badger() badger.Config {
	b := c.Storage.Badger
	return badger.Config{
		Path:           b.Path,
		InMemory:       b.InMemory,
		SyncWrites:     b.SyncWrites,
		GCInterval:     b.GCInterval,
		GCDiscardRatio: b.GCDiscardRatio,
	}
}

// LogConfig converts the logging section for the named service.
func (c Config) LogConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.LogDir,
		Service: service,
		JSON:    c.Logging.JSON,
	}
}
