// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/prompt"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`

	// EnvBackendConfigured is true when requests without a config can be
	// served from the environment.
	EnvBackendConfigured bool `json:"envBackendConfigured"`

	// EnvBackend is the environment backend's type, empty when it is not
	// configured.
	EnvBackend string `json:"envBackend,omitempty"`

	// Backends lists the accepted config.type values.
	Backends []string `json:"backends"`
}

// HealthCheck reports liveness and whether an environment backend is set.
func HealthCheck(env config.EnvSnapshot, backends []string) gin.HandlerFunc {
	resp := HealthResponse{
		Status:               "ok",
		EnvBackendConfigured: env.Complete(),
		Backends:             backends,
	}
	if resp.EnvBackendConfigured {
		resp.EnvBackend = env.BackendConfig().Kind()
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, resp)
	}
}

// ListChartTypes returns the chart type hints accepted in chartType.
func ListChartTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default":    prompt.ChartTypeAuto,
		"chartTypes": prompt.ChartTypes(),
	})
}
