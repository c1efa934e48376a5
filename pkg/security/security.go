// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security resolves the tenant identity of every request.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	TenantAuth middleware
//	   │
//	   ├─► Read X-Tenant-ID (default tenant when absent)
//	   │
//	   ├─► Verify credential per AUTH_MODE
//	   │     none    - trust the header
//	   │     api_key - X-API-Key must match the tenant's configured key
//	   │     jwt     - Authorization: Bearer <token>, HS256
//	   │
//	   └─► Store TenantContext in the Gin context
//	           │
//	           ▼
//	       Handler (retrieves via GetTenantContext)
//
// Tenants are isolation boundaries. Handlers additionally reject any
// payload whose tenant_id differs from the resolved tenant, and any
// resource owned by another tenant, with 403.
package security

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Esoteriker/openTree/pkg/config"
)

// TenantContext is the resolved identity of one request.
type TenantContext struct {
	TenantID string
	// APIKey is carried so the orchestrator can forward it on
	// downstream service calls. Empty in jwt mode.
	APIKey string
	// Subject is the JWT sub claim when jwt mode is active.
	Subject string
}

// AuthError is an authentication or authorization failure with the
// HTTP status it maps to.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return e.Detail
}

// Authenticator verifies request credentials for one configured mode.
type Authenticator struct {
	defaultTenant string
	mode          string
	apiKeys       map[string]string
	jwtSecret     string
	jwtAlgorithm  string
	jwtAudience   string
	jwtIssuer     string
}

// NewAuthenticator builds an Authenticator from settings. The
// effective mode accounts for AUTH_REQUIRED coercion.
func NewAuthenticator(cfg config.Settings) *Authenticator {
	return &Authenticator{
		defaultTenant: cfg.DefaultTenantID,
		mode:          cfg.EffectiveAuthMode(),
		apiKeys:       cfg.TenantAPIKeys(),
		jwtSecret:     cfg.JWTSecret,
		jwtAlgorithm:  cfg.JWTAlgorithm,
		jwtAudience:   cfg.JWTAudience,
		jwtIssuer:     cfg.JWTIssuer,
	}
}

// Resolve authenticates one request from its raw header values.
//
// # Description
//
// Applies the configured auth mode and returns the TenantContext the
// request acts as. The tenant header always selects the tenant; the
// credential proves the caller may act for it.
//
// # Inputs
//
//   - tenantHeader: raw X-Tenant-ID value. May be empty.
//   - apiKey: raw X-API-Key value. May be empty.
//   - authorization: raw Authorization header. May be empty.
//
// # Outputs
//
//   - TenantContext: resolved identity on success.
//   - *AuthError: nil on success; otherwise carries the HTTP status
//     (400 empty tenant, 401 bad credential, 403 tenant mismatch).
func (a *Authenticator) Resolve(tenantHeader, apiKey, authorization string) (TenantContext, *AuthError) {
	requested := strings.TrimSpace(tenantHeader)
	if requested == "" {
		requested = strings.TrimSpace(a.defaultTenant)
	}
	if requested == "" {
		return TenantContext{}, &AuthError{Status: http.StatusBadRequest, Detail: "Tenant header cannot be empty"}
	}

	switch a.mode {
	case "", "none":
		return TenantContext{TenantID: requested, APIKey: apiKey}, nil
	case "api_key":
		return a.resolveAPIKey(requested, apiKey)
	case "jwt":
		return a.resolveJWT(requested, authorization)
	}
	return TenantContext{}, &AuthError{
		Status: http.StatusInternalServerError,
		Detail: "Unsupported auth mode: " + a.mode,
	}
}

func (a *Authenticator) resolveAPIKey(requested, apiKey string) (TenantContext, *AuthError) {
	expected, ok := a.apiKeys[requested]
	if !ok || expected == "" {
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: "Unknown tenant"}
	}
	if apiKey != expected {
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: "Invalid API key"}
	}
	return TenantContext{TenantID: requested, APIKey: apiKey}, nil
}

func (a *Authenticator) resolveJWT(requested, authorization string) (TenantContext, *AuthError) {
	token := extractBearerToken(authorization)
	if token == "" {
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: "Missing bearer token"}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.jwtAlgorithm})}
	if a.jwtAudience != "" {
		opts = append(opts, jwt.WithAudience(a.jwtAudience))
	}
	if a.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwtIssuer))
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte(a.jwtSecret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		detail := "Invalid token"
		if err != nil {
			detail = "Invalid token: " + err.Error()
		}
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: detail}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: "Invalid token claims"}
	}

	tokenTenant := firstClaim(claims, "tenant_id", "tid", "tenant")
	if tokenTenant != "" && tokenTenant != requested {
		return TenantContext{}, &AuthError{
			Status: http.StatusForbidden,
			Detail: "Tenant mismatch between token and header",
		}
	}
	resolved := tokenTenant
	if resolved == "" {
		resolved = requested
	}
	if resolved == "" {
		return TenantContext{}, &AuthError{Status: http.StatusUnauthorized, Detail: "Token must include tenant claim"}
	}

	subject, _ := claims.GetSubject()
	return TenantContext{TenantID: resolved, Subject: subject}, nil
}

// firstClaim returns the first named claim that holds a non-blank
// string.
func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// extractBearerToken parses "Bearer <token>" from the Authorization
// header. The scheme is case-insensitive per RFC 7235. Returns ""
// when the header is missing or malformed.
func extractBearerToken(authorization string) string {
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// EnsureTenantAccess rejects access to a resource owned by another
// tenant.
func EnsureTenantAccess(expectedTenantID string, tc TenantContext) *AuthError {
	if expectedTenantID != tc.TenantID {
		return &AuthError{Status: http.StatusForbidden, Detail: "Tenant mismatch"}
	}
	return nil
}
