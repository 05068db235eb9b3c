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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/depgraph/internal/engine"
	"github.com/AleutianAI/depgraph/internal/model"
)

// readIngestFile decodes a batch file. JSON is valid YAML, so one decoder
// serves both.
func readIngestFile(path string) (engine.IngestRequest, error) {
	var req engine.IngestRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read batch file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	return req, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	req, err := readIngestFile(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		report, err := a.engine.IngestEdges(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}

func runTraverse(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		result, err := a.engine.Traverse(cmd.Context(), engine.TraverseRequest{
			ServiceID:    args[0],
			Direction:    model.Direction(traverseDirection),
			MaxDepth:     traverseDepth,
			IncludeStale: traverseIncludeStale,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	})
}

func runSweep(cmd *cobra.Command, _ []string) error {
	var olderThan time.Duration
	if sweepOlder != "" {
		d, err := time.ParseDuration(sweepOlder)
		if err != nil {
			return fmt.Errorf("--older-than: %w", err)
		}
		olderThan = d
	}
	return withApp(cmd.Context(), func(a *app) error {
		marked, err := a.engine.SweepStaleEdges(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int64{"marked": marked})
	})
}

func runDetectCycles(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		report, err := a.engine.DetectCycles(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}
