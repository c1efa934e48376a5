// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/dialogue/handlers"
)

// SetupRoutes registers the dialogue endpoints. Probe and metrics
// endpoints stay outside the tenant-authenticated group.
func SetupRoutes(router *gin.Engine, deps handlers.Deps, auth *security.Authenticator) {
	router.GET("/health", handlers.HealthCheck(deps))
	router.GET("/ready", handlers.Ready(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", security.TenantAuth(auth))
	{
		v1.POST("/sessions", handlers.CreateSession(deps))
		v1.GET("/sessions/:session_id/turns", handlers.ListTurns(deps))
		v1.POST("/sessions/:session_id/turns", handlers.AddTurn(deps))
		v1.POST("/sessions/:session_id/turns/async", handlers.AddTurnAsync(deps))
		v1.GET("/sessions/:session_id/context-path", handlers.GetContextPath(deps))
		v1.GET("/sessions/:session_id/graph", handlers.GetSessionGraph(deps))
		v1.GET("/pipeline/jobs/:job_id", handlers.GetJob(deps))
	}
}
