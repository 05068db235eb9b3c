// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/depgraph/internal/config"
	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/store"
	"github.com/AleutianAI/depgraph/internal/store/badger"
	"github.com/AleutianAI/depgraph/internal/store/sqlite"
	"github.com/AleutianAI/depgraph/internal/telemetry"
	"github.com/AleutianAI/depgraph/pkg/logging"
)

const serviceName = "depgraph"

// app holds everything a command needs. Close releases it in reverse
// order of construction.
type app struct {
	cfg    config.Config
	logger *logging.Logger
	store  store.Store
	engine *engine.Engine

	shutdownTelemetry func(context.Context) error
}

// loadConfig reads --config and applies --log-level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// openApp builds logger, telemetry, store and engine from cfg.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = logging.New(cfg.LogConfig(serviceName))

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown

	a.store, err = openStore(ctx, cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	engCfg, err := cfg.Engine()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine, err = engine.New(a.store, engCfg, engine.WithLogger(a.logger.Slog()))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLite(), sqlite.WithLogger(logger.Slog()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.BackendBadger:
		bc := cfg.Badger()
		bc.Logger = logger.Slog()
		st, err := badger.Open(bc, badger.WithLogger(logger.Slog()))
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, cfg.Storage.Backend)
	}
}

// Close releases the store, flushes telemetry and closes log files.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("shutdown telemetry", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// withApp loads configuration, opens the app for the duration of fn and
// closes it afterwards. One-shot commands are never scraped, so the
// Prometheus metric exporter is dropped for them.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telemetry.MetricExporter == "prometheus" {
		cfg.Telemetry.MetricExporter = "none"
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
