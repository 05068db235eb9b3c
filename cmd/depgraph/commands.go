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
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	traverseDirection    string
	traverseDepth        int
	traverseIncludeStale bool

	alertStatus  string
	alertBy      string
	alertNotes   string
	pageLimit    int
	pageOffset   int
	sweepOlder   string
	serviceTier  string
	serviceTeam  string
	serviceMeta  map[string]string
	listenAddr   string
	discoveredOn string

	rootCmd = &cobra.Command{
		Use:          "depgraph",
		Short:        "Service dependency graph: ingest, traverse, detect cycles",
		SilenceUsage: true,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Graph ---
	ingestCmd = &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest an observation batch from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest, // Defined in cmd_graph.go
	}
	traverseCmd = &cobra.Command{
		Use:   "traverse [service_id]",
		Short: "Print the services reachable from a service",
		Args:  cobra.ExactArgs(1),
		RunE:  runTraverse, // Defined in cmd_graph.go
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Mark edges not observed recently as stale",
		Args:  cobra.NoArgs,
		RunE:  runSweep, // Defined in cmd_graph.go
	}

	// --- Cycles ---
	cyclesCmd = &cobra.Command{
		Use:   "cycles",
		Short: "Circular dependency detection",
	}
	cyclesDetectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Run cycle detection and raise alerts for new cycles",
		Args:  cobra.NoArgs,
		RunE:  runDetectCycles, // Defined in cmd_graph.go
	}

	// --- Alerts ---
	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "Manage cycle alerts",
	}
	alertsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List cycle alerts, newest first",
		Args:  cobra.NoArgs,
		RunE:  runListAlerts, // Defined in cmd_alerts.go
	}
	alertsAckCmd = &cobra.Command{
		Use:   "ack [alert_id]",
		Short: "Acknowledge an open alert",
		Args:  cobra.ExactArgs(1),
		RunE:  runAckAlert, // Defined in cmd_alerts.go
	}
	alertsResolveCmd = &cobra.Command{
		Use:   "resolve [alert_id]",
		Short: "Resolve an open or acknowledged alert",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolveAlert, // Defined in cmd_alerts.go
	}

	// --- Services ---
	servicesCmd = &cobra.Command{
		Use:   "services",
		Short: "Manage registered services",
	}
	servicesRegisterCmd = &cobra.Command{
		Use:   "register [service_id]",
		Short: "Register or update a service",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegisterService, // Defined in cmd_services.go
	}
	servicesGetCmd = &cobra.Command{
		Use:   "get [service_id]",
		Short: "Show a service",
		Args:  cobra.ExactArgs(1),
		RunE:  runGetService, // Defined in cmd_services.go
	}
	servicesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List services",
		Args:  cobra.NoArgs,
		RunE:  runListServices, // Defined in cmd_services.go
	}
	servicesDeleteCmd = &cobra.Command{
		Use:   "delete [service_id]",
		Short: "Delete a service and every edge touching it",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteService, // Defined in cmd_services.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Override server.listen_addr")

	rootCmd.AddCommand(ingestCmd)

	rootCmd.AddCommand(traverseCmd)
	traverseCmd.Flags().StringVarP(&traverseDirection, "direction", "d", "downstream", "downstream, upstream or both")
	traverseCmd.Flags().IntVar(&traverseDepth, "depth", 0, "Maximum hops (0 uses graph.default_depth)")
	traverseCmd.Flags().BoolVar(&traverseIncludeStale, "include-stale", false, "Follow edges marked stale")

	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().StringVar(&sweepOlder, "older-than", "", "Staleness threshold, e.g. 48h (default graph.stale_after)")

	rootCmd.AddCommand(cyclesCmd)
	cyclesCmd.AddCommand(cyclesDetectCmd)

	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsResolveCmd)
	alertsListCmd.Flags().StringVar(&alertStatus, "status", "", "Filter by status (open, acknowledged, resolved)")
	alertsListCmd.Flags().IntVar(&pageLimit, "limit", 0, "Page size")
	alertsListCmd.Flags().IntVar(&pageOffset, "offset", 0, "Page offset")
	alertsAckCmd.Flags().StringVar(&alertBy, "by", "", "Who is acknowledging")
	_ = alertsAckCmd.MarkFlagRequired("by")
	alertsResolveCmd.Flags().StringVar(&alertBy, "by", "", "Who is resolving")
	alertsResolveCmd.Flags().StringVar(&alertNotes, "notes", "", "Resolution notes")
	_ = alertsResolveCmd.MarkFlagRequired("by")

	rootCmd.AddCommand(servicesCmd)
	servicesCmd.AddCommand(servicesRegisterCmd, servicesGetCmd, servicesListCmd, servicesDeleteCmd)
	servicesRegisterCmd.Flags().StringVar(&serviceTier, "tier", "", "critical, high, medium or low")
	servicesRegisterCmd.Flags().StringVar(&serviceTeam, "team", "", "Owning team")
	servicesRegisterCmd.Flags().StringToStringVar(&serviceMeta, "meta", nil, "Metadata as key=value pairs")
	servicesListCmd.Flags().StringVar(&discoveredOn, "discovered", "", "Filter by discovered flag (true or false)")
	servicesListCmd.Flags().IntVar(&pageLimit, "limit", 0, "Page size")
	servicesListCmd.Flags().IntVar(&pageOffset, "offset", 0, "Page offset")
}
