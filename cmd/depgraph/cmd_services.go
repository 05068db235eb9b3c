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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

func runRegisterService(cmd *cobra.Command, args []string) error {
	svc := model.Service{
		ID:         args[0],
		Tier:       model.Tier(serviceTier),
		OwningTeam: serviceTeam,
		Metadata:   serviceMeta,
	}
	return withApp(cmd.Context(), func(a *app) error {
		out, err := a.engine.RegisterService(cmd.Context(), svc)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	})
}

func runGetService(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		svc, err := a.engine.GetService(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), svc)
	})
}

func runListServices(cmd *cobra.Command, _ []string) error {
	var discovered *bool
	if discoveredOn != "" {
		b, err := strconv.ParseBool(discoveredOn)
		if err != nil {
			return fmt.Errorf("--discovered: %w", err)
		}
		discovered = &b
	}
	return withApp(cmd.Context(), func(a *app) error {
		page, err := a.engine.ListServices(cmd.Context(), discovered, store.Page{Limit: pageLimit, Offset: pageOffset})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), page)
	})
}

func runDeleteService(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.engine.DeleteService(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return err
	})
}
