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
	"github.com/Esoteriker/openTree/services/graph/handlers"
	"github.com/Esoteriker/openTree/services/graph/store"
)

// SetupRoutes registers the graph service endpoints. Probe and metrics
// endpoints stay outside the tenant-authenticated group.
func SetupRoutes(router *gin.Engine, repo store.Repository, auth *security.Authenticator) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Ready(repo))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", security.TenantAuth(auth))
	{
		v1.POST("/graph/upsert", handlers.UpsertGraph(repo))
		v1.GET("/graph/:session_id", handlers.GetGraph(repo))
	}
}
