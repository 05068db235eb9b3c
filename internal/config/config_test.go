// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/pkg/logging"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	eng, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), eng)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
storage:
  backend: badger
  badger:
    path: /var/lib/depgraph
    gc_interval: 10m
server:
  listen_addr: "127.0.0.1:9090"
graph:
  max_depth: 6
  default_depth: 2
  traversal_timeout: 500ms
  stale_after: 48h
  source_priority: [service-mesh, manual, trace-derived, kubernetes-manifest]
  base_confidence:
    manual: 0.99
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/depgraph", cfg.Badger().Path)
	assert.Equal(t, 10*time.Minute, cfg.Badger().GCInterval)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.ListenAddr)

	eng, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, 6, eng.MaxDepth)
	assert.Equal(t, 2, eng.DefaultDepth)
	assert.Equal(t, 500*time.Millisecond, eng.TraversalTimeout)
	assert.Equal(t, 48*time.Hour, eng.StaleAfter)
	assert.Equal(t, model.SourceServiceMesh, eng.Merge.Priority[0])
	assert.InDelta(t, 0.99, eng.Merge.BaseConfidence[model.SourceManual], 1e-9)
	assert.InDelta(t, 0.9, eng.Merge.BaseConfidence[model.SourceServiceMesh], 1e-9, "unlisted sources keep defaults")

	lc := cfg.LogConfig("depgraph")
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "depgraph", lc.Service)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "storage:\n  backend: badger\n  badger:\n    path: /data\n")
	t.Setenv(EnvStorageBackend, "SQLITE")
	t.Setenv(EnvSQLitePath, "/tmp/graph.db")
	t.Setenv(EnvListenAddr, ":7070")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/graph.db", cfg.SQLite().Path)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "storage: [unterminated"))
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Storage.SQLite.Path = "" }},
		{"badger without path", func(c *Config) {
			c.Storage.Backend = BackendBadger
			c.Storage.Badger.Path = ""
		}},
		{"depth over ceiling", func(c *Config) { c.Graph.MaxDepth = 11 }},
		{"default above max", func(c *Config) { c.Graph.DefaultDepth = c.Graph.MaxDepth + 1 }},
		{"zero traversal timeout", func(c *Config) { c.Graph.TraversalTimeout = 0 }},
		{"unknown priority source", func(c *Config) { c.Graph.SourcePriority = []string{"gossip"} }},
		{"unknown confidence source", func(c *Config) { c.Graph.BaseConfidence = map[string]float64{"gossip": 0.5} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"bad exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_BadgerInMemoryNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = BackendBadger
	cfg.Storage.Badger.Path = ""
	cfg.Storage.Badger.InMemory = true
	assert.NoError(t, cfg.Validate())
}
