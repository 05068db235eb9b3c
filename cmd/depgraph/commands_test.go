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
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/internal/config"
	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

const ringBatch = `
discovery_source: trace-derived
observed_at: 2026-01-02T03:04:05Z
edges:
  - source: gateway
    target: checkout
    communication_mode: sync
    criticality: hard
    timeout_ms: 250
  - source: checkout
    target: payment
    communication_mode: sync
    criticality: hard
    retry_policy:
      max_attempts: 3
      multiplier: 2
  - source: payment
    target: gateway
    communication_mode: async
    criticality: soft
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func decodeOut[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvStorageBackend, config.BackendSQLite)
	t.Setenv(config.EnvSQLitePath, filepath.Join(dir, "graph.db"))
	t.Setenv(config.EnvLogLevel, "error")
	configPath, logLevel = "", ""

	batch := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(batch, []byte(ringBatch), 0o600))
	return batch
}

func TestCLI_Workflow(t *testing.T) {
	batch := setupCLI(t)

	out, err := execute(t, "ingest", batch)
	require.NoError(t, err)
	report := decodeOut[engine.IngestReport](t, out)
	assert.Equal(t, 3, report.EdgesUpserted)
	assert.Empty(t, report.Rejected)

	out, err = execute(t, "traverse", "gateway", "--direction", "downstream", "--depth", "2")
	require.NoError(t, err)
	result := decodeOut[engine.TraverseResult](t, out)
	assert.ElementsMatch(t, []string{"checkout", "payment"}, result.Services)
	assert.Len(t, result.Edges, 3)

	out, err = execute(t, "cycles", "detect")
	require.NoError(t, err)
	det := decodeOut[engine.DetectionReport](t, out)
	require.Len(t, det.Created, 1)
	id := det.Created[0].ID

	out, err = execute(t, "alerts", "list", "--status", "open")
	require.NoError(t, err)
	assert.Equal(t, 1, decodeOut[store.AlertPage](t, out).Total)

	out, err = execute(t, "alerts", "ack", id, "--by", "oncall")
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, decodeOut[model.CycleAlert](t, out).Status)

	out, err = execute(t, "alerts", "resolve", id, "--by", "oncall", "--notes", "payment now async")
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, decodeOut[model.CycleAlert](t, out).Status)

	out, err = execute(t, "sweep", "--older-than", "1h")
	require.NoError(t, err)
	assert.JSONEq(t, `{"marked":3}`, out)
}

func TestCLI_Services(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "services", "register", "billing", "--tier", "critical", "--team", "payments", "--meta", "repo=billing-svc")
	require.NoError(t, err)
	svc := decodeOut[model.Service](t, out)
	assert.Equal(t, model.TierCritical, svc.Tier)
	assert.Equal(t, "billing-svc", svc.Metadata["repo"])

	out, err = execute(t, "services", "get", "billing")
	require.NoError(t, err)
	assert.Equal(t, "payments", decodeOut[model.Service](t, out).OwningTeam)

	out, err = execute(t, "services", "list", "--discovered", "false")
	require.NoError(t, err)
	assert.Equal(t, 1, decodeOut[store.ServicePage](t, out).Total)

	out, err = execute(t, "services", "delete", "billing")
	require.NoError(t, err)
	assert.Equal(t, "deleted billing\n", out)

	_, err = execute(t, "services", "get", "billing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCLI_Errors(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "traverse", "ghost", "--depth", "1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = execute(t, "ingest", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(t, "sweep", "--older-than", "later")
	assert.Error(t, err)

	t.Setenv(config.EnvStorageBackend, "postgres")
	_, err = execute(t, "cycles", "detect")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestReadIngestFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	body := `{"discovery_source":"manual","observed_at":"2026-01-02T03:04:05Z","edges":[{"source":"a","target":"b","communication_mode":"sync","criticality":"hard"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	req, err := readIngestFile(path)
	require.NoError(t, err)
	assert.Equal(t, model.SourceManual, req.DiscoverySource)
	require.Len(t, req.Edges, 1)
	assert.Equal(t, "b", req.Edges[0].Target)
}
