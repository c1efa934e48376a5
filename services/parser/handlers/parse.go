// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the parser service.
package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Esoteriker/openTree/pkg/readiness"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/parser/backends"
)

// HealthCheck reports service liveness and the active backend.
func HealthCheck(backendName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "parser",
			"backend": backendName,
		})
	}
}

// Ready reports readiness. The transformer backend probes the
// inference service's health endpoint; a missing inference URL is a
// configuration failure. The heuristic backend is always ready.
func Ready(backendName, inferenceURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]readiness.Check, 1)
		if strings.ToLower(backendName) == "transformer" {
			if inferenceURL != "" {
				checks["transformer_backend"] = readiness.CheckHTTPHealth(
					c.Request.Context(), healthURL(inferenceURL), 0)
			} else {
				checks["transformer_backend"] = readiness.Check{
					OK:     false,
					Detail: "TRANSFORMER_INFERENCE_URL is required for transformer backend",
				}
			}
		} else {
			checks["heuristic_backend"] = readiness.Check{
				OK:     true,
				Detail: "heuristic backend ready",
			}
		}
		c.JSON(http.StatusOK, readiness.Summarize(checks))
	}
}

// ParseTurn extracts graph entities from one turn.
//
// Route: POST /v1/parse/turn
func ParseTurn(backend backends.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload schemas.ParseTurnRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		if payload.TenantID != "" && payload.TenantID != tenant.TenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Tenant mismatch in parse payload"})
			return
		}
		payload.TenantID = tenant.TenantID

		c.JSON(http.StatusOK, backend.ParseTurn(c.Request.Context(), payload))
	}
}

// healthURL rewrites the inference parse endpoint into its service's
// health endpoint, keeping only scheme and host. URLs without both
// pass through untouched so the probe reports them unreachable.
func healthURL(inferenceURL string) string {
	parsed, err := url.Parse(inferenceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return inferenceURL
	}
	probe := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/health"}
	return probe.String()
}
