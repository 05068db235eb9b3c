// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName labels otelgin spans.
	ServiceName string

	// Debug enables gin's request logger.
	Debug bool

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

// RegisterRoutes registers the graph endpoints on rg.
//
// Endpoints:
//
//	POST   /v1/ingest                     - Ingest an observation batch
//	POST   /v1/edges                      - Insert a single edge
//	POST   /v1/edges/sweep                - Mark stale edges
//	GET    /v1/services                   - List services
//	POST   /v1/services                   - Register or update a service
//	GET    /v1/services/:id               - Get a service
//	DELETE /v1/services/:id               - Delete a service and its edges
//	GET    /v1/services/:id/dependencies  - Bounded traversal
//	POST   /v1/cycles/detect              - Run cycle detection
//	GET    /v1/alerts                     - List cycle alerts
//	GET    /v1/alerts/:id                 - Get a cycle alert
//	POST   /v1/alerts/:id/acknowledge     - Acknowledge an alert
//	POST   /v1/alerts/:id/resolve         - Resolve an alert
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/ingest", h.HandleIngest)

	edges := rg.Group("/edges")
	{
		edges.POST("", h.HandleInsertEdge)
		edges.POST("/sweep", h.HandleSweep)
	}

	services := rg.Group("/services")
	{
		services.GET("", h.HandleListServices)
		services.POST("", h.HandleRegisterService)
		services.GET("/:id", h.HandleGetService)
		services.DELETE("/:id", h.HandleDeleteService)
		services.GET("/:id/dependencies", h.HandleTraverse)
	}

	rg.POST("/cycles/detect", h.HandleDetectCycles)

	alerts := rg.Group("/alerts")
	{
		alerts.GET("", h.HandleListAlerts)
		alerts.GET("/:id", h.HandleGetAlert)
		alerts.POST("/:id/acknowledge", h.HandleAcknowledgeAlert)
		alerts.POST("/:id/resolve", h.HandleResolveAlert)
	}
}

// NewRouter builds the full router: recovery, tracing, request ids,
// health probes, metrics and /v1.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(requestIDMiddleware())
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/healthz", h.HandleHealth)
	router.GET("/readyz", h.HandleReady)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	RegisterRoutes(router.Group("/v1"), h)
	return router
}
