// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"github.com/gin-gonic/gin"
)

// tenantContextKey is the context key for storing TenantContext.
// Using a dedicated key prevents collisions with other context values.
const tenantContextKey = "opentree_tenant_context"

// SetTenantContext stores the resolved tenant identity in the Gin
// context. Called by TenantAuth after successful authentication.
func SetTenantContext(c *gin.Context, tc TenantContext) {
	c.Set(tenantContextKey, tc)
}

// GetTenantContext retrieves the tenant identity stored by the
// TenantAuth middleware. The zero value is returned when the
// middleware did not run, which only happens on unauthenticated
// routes like /health.
func GetTenantContext(c *gin.Context) TenantContext {
	if value, exists := c.Get(tenantContextKey); exists {
		if tc, ok := value.(TenantContext); ok {
			return tc
		}
	}
	return TenantContext{}
}

// TenantAuth creates a Gin middleware that authenticates requests and
// stores the TenantContext for downstream handlers.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(security.TenantAuth(auth))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TenantAuth(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, authErr := auth.Resolve(
			c.GetHeader("X-Tenant-ID"),
			c.GetHeader("X-API-Key"),
			c.GetHeader("Authorization"),
		)
		if authErr != nil {
			c.AbortWithStatusJSON(authErr.Status, gin.H{"error": authErr.Detail})
			return
		}
		SetTenantContext(c, tc)
		c.Next()
	}
}
