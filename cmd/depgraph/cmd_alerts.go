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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/internal/model"
	"github.com/AleutianAI/depgraph/internal/store"
)

func runListAlerts(cmd *cobra.Command, _ []string) error {
	var status *model.AlertStatus
	if alertStatus != "" {
		s := model.AlertStatus(alertStatus)
		status = &s
	}
	return withApp(cmd.Context(), func(a *app) error {
		page, err := a.engine.ListAlerts(cmd.Context(), status, store.Page{Limit: pageLimit, Offset: pageOffset})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), page)
	})
}

func runAckAlert(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		alert, err := a.engine.AcknowledgeAlert(cmd.Context(), args[0], alertBy)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), alert)
	})
}

func runResolveAlert(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		alert, err := a.engine.ResolveAlert(cmd.Context(), args[0], alertBy, alertNotes)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), alert)
	})
}
