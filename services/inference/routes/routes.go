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

	"github.com/Esoteriker/openTree/services/inference/handlers"
)

// SetupRoutes registers the mock inference endpoints. The service is
// an internal test double reached only by the parser, so no tenant
// auth is applied.
func SetupRoutes(router *gin.Engine) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/infer/parse-turn", handlers.ParseTurn)
	}
}
