// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all merge-pilot routes with the router.
//
// Description:
//
//	Registers the /v1 endpoints with the given Gin router group. The
//	router group should already have any required middleware applied;
//	evaluateLimit is applied to the evaluation endpoint only, so audit
//	reads stay available under evaluation backpressure.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	evaluateLimit - Rate limiting middleware for evaluations; nil disables
//
// Endpoints:
//
//	POST /v1/evaluations - Evaluate a change and decide its disposition
//	GET  /v1/runs - List evaluation runs
//	GET  /v1/runs/:id - Get one run record
//	GET  /v1/runs/:id/events - Get a run's audit events
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, evaluateLimit gin.HandlerFunc) {
	if evaluateLimit == nil {
		evaluateLimit = func(c *gin.Context) { c.Next() }
	}

	rg.POST("/evaluations", evaluateLimit, handlers.HandleEvaluate)

	runs := rg.Group("/runs")
	{
		runs.GET("", handlers.HandleListRuns)
		runs.GET("/:id", handlers.HandleGetRun)
		runs.GET("/:id/events", handlers.HandleListEvents)
	}
}
