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
	"github.com/Esoteriker/openTree/services/suggestion/handlers"
)

// SetupRoutes registers the suggestion service endpoints. Health,
// readiness, and metrics stay outside tenant auth; the v1 group
// requires a resolved tenant.
func SetupRoutes(router *gin.Engine, auth *security.Authenticator) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", security.TenantAuth(auth))
	{
		v1.POST("/suggestions/questions", handlers.SuggestQuestions())
	}
}
