// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all lineage routes with the router.
//
// Description:
//
//	Registers all /v1/lineage/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/lineage/events - Ingest a lineage event
//	POST /v1/lineage/query - Bounded lineage traversal
//	GET  /v1/lineage/impact/:id - Blast-radius analysis for a node
//	POST /v1/lineage/snapshot - Force a snapshot and log checkpoint
//	GET  /v1/lineage/stats - Service statistics
//	GET  /v1/lineage/health - Health check
//
// Example:
//
//	svc, _ := lineage.NewService(cfg)
//	handlers := lineage.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	lineage.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	lg := rg.Group("/lineage")
	{
		// Write path
		lg.POST("/events", handlers.HandleIngest)

		// Read path
		lg.POST("/query", handlers.HandleQuery)
		lg.GET("/impact/:id", handlers.HandleImpact)
		lg.GET("/stats", handlers.HandleStats)

		// Operations
		lg.POST("/snapshot", handlers.HandleSnapshot)
		lg.GET("/health", handlers.HandleHealth)
	}
}
