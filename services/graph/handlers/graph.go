// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the graph service.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Esoteriker/openTree/pkg/readiness"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/graph/store"
)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "graph",
	})
}

// Ready reports repository readiness. Always answers 200; the verdict
// is in the body.
func Ready(repo store.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, detail := repo.IsReady()
		checks := map[string]readiness.Check{
			"graph_repository": {OK: ok, Detail: detail},
		}
		c.JSON(http.StatusOK, readiness.Summarize(checks))
	}
}

// UpsertGraph merges a parse extraction into the session graph.
//
// # Description
//
// Validates the payload, enforces that a tenant id inside the payload
// matches the authenticated tenant, then delegates to the repository.
// The response carries the added/merged counters for this call.
//
// Route: POST /v1/graph/upsert
func UpsertGraph(repo store.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload schemas.GraphUpsertRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		if payload.TenantID != "" && payload.TenantID != tenant.TenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Tenant mismatch in graph upsert payload"})
			return
		}
		payload.TenantID = tenant.TenantID

		c.JSON(http.StatusOK, repo.Upsert(payload))
	}
}

// GetGraph returns the session graph snapshot.
//
// Route: GET /v1/graph/:session_id
func GetGraph(repo store.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")

		snapshot, ok := repo.Snapshot(tenant.TenantID, sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session graph not found"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}
