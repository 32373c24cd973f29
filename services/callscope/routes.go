// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package callscope

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all CallScope routes with the router.
//
// Description:
//
//	Registers all /v1/usage/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Lookup Endpoints:
//
//	POST /v1/usage/find - Find rendered call sites of a function
//
// Build Endpoints:
//
//	GET  /v1/usage/progress - Build progress for one repository
//	GET  /v1/usage/progress/stream - Build progress over WebSocket
//	GET  /v1/usage/locks - Enumerate live build records
//	POST /v1/usage/builds - Dispatch a graph build
//
// Health Endpoints:
//
//	GET  /v1/usage/health - Health check
//	GET  /v1/usage/ready - Readiness check (probes the graph store)
//
// Example:
//
//	service := callscope.NewService(callscope.DefaultServiceConfig(), store, locks, builder)
//	handlers := callscope.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	callscope.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	usage := rg.Group("/usage")
	{
		// Usage lookup
		usage.POST("/find", handlers.HandleFindUsage)

		// Build state
		usage.GET("/progress", handlers.HandleProgress)
		usage.GET("/progress/stream", handlers.HandleProgressStream)
		usage.GET("/locks", handlers.HandleLocks)
		usage.POST("/builds", handlers.HandleTriggerBuild)

		// Health checks
		usage.GET("/health", handlers.HandleHealth)
		usage.GET("/ready", handlers.HandleReady)
	}
}
