// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/handlers"
)

// Options selects the dependencies SetupRoutes registers.
//
// # Fields
//
//   - Generate: Handler for POST /api/generate. Required.
//   - Env: Environment backend snapshot, reported by /health.
//   - Backends: Accepted config.type values, reported by /health.
//   - MetricsGatherer: Source for GET /metrics. Nil leaves the route out.
type Options struct {
	Generate        handlers.GenerateHandler
	Env             config.EnvSnapshot
	Backends        []string
	MetricsGatherer prometheus.Gatherer
}

// SetupRoutes registers every HTTP route of the service on router.
//
// # Description
//
//	GET  /health           liveness and env backend status
//	GET  /metrics          Prometheus exposition (when a gatherer is set)
//	GET  /api/chart-types  chart type hints accepted by /api/generate
//	POST /api/generate     SSE diagram generation
//
// # Limitations
//
//   - Panics if opts.Generate is nil.
func SetupRoutes(router *gin.Engine, opts Options) {
	if opts.Generate == nil {
		panic("SetupRoutes: Generate handler must not be nil")
	}

	router.GET("/health", handlers.HealthCheck(opts.Env, opts.Backends))

	if opts.MetricsGatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.GET("/chart-types", handlers.ListChartTypes)
		api.POST("/generate", opts.Generate.HandleGenerate)
	}
}
