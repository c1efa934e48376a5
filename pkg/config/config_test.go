// Copyright (C) 2025 The openTree Authors
// Tests for environment-driven settings

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear anything the host environment might set for the keys this
	// test asserts on.
	for _, key := range []string{
		"DIALOGUE_SERVICE_PORT", "PARSER_SERVICE_URL", "AUTH_MODE",
		"EVENT_BUS_BACKEND", "SESSION_STORE_BACKEND", "JOB_STORE_BACKEND",
		"ASYNC_PIPELINE_ENABLED", "ASYNC_RETRY_MAX_ATTEMPTS",
		"ASYNC_RETRY_BASE_DELAY_SECONDS", "ASYNC_JOB_TTL_SECONDS",
		"PARSER_BACKEND", "LOG_LEVEL", "CONTENT_ENCRYPTION_KEY",
	} {
		t.Setenv(key, "")
	}

	s := Load()
	assert.Equal(t, 8101, s.DialoguePort)
	assert.Equal(t, "http://127.0.0.1:8102", s.ParserServiceURL)
	assert.Equal(t, "none", s.AuthMode)
	assert.Equal(t, "inmemory", s.EventBusBackend)
	assert.Equal(t, "memory", s.SessionStoreBackend)
	assert.Equal(t, "memory", s.JobStoreBackend)
	assert.False(t, s.AsyncPipelineEnabled)
	assert.Equal(t, 3, s.AsyncRetryMax)
	assert.Equal(t, 250*time.Millisecond, s.AsyncRetryBaseDelay)
	assert.Equal(t, 24*time.Hour, s.AsyncJobTTL)
	assert.Equal(t, "transformer", s.ParserBackend)
	assert.Equal(t, "info", s.LogLevel)
	assert.Empty(t, s.ContentEncryptionKey)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DIALOGUE_SERVICE_PORT", "9101")
	t.Setenv("AUTH_MODE", "API_KEY")
	t.Setenv("ASYNC_PIPELINE_ENABLED", "yes")
	t.Setenv("ASYNC_RETRY_BASE_DELAY_SECONDS", "0.5")
	t.Setenv("PARSER_BACKEND", "Heuristic")

	s := Load()
	assert.Equal(t, 9101, s.DialoguePort)
	assert.Equal(t, "api_key", s.AuthMode, "mode is lowercased")
	assert.True(t, s.AsyncPipelineEnabled)
	assert.Equal(t, 500*time.Millisecond, s.AsyncRetryBaseDelay)
	assert.Equal(t, "heuristic", s.ParserBackend)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("DIALOGUE_SERVICE_PORT", "eight-thousand")
	t.Setenv("ASYNC_PIPELINE_ENABLED", "maybe")
	t.Setenv("ASYNC_RETRY_BASE_DELAY_SECONDS", "soon")

	s := Load()
	assert.Equal(t, 8101, s.DialoguePort)
	assert.False(t, s.AsyncPipelineEnabled)
	assert.Equal(t, 250*time.Millisecond, s.AsyncRetryBaseDelay)
}

func TestEffectiveAuthMode(t *testing.T) {
	cases := []struct {
		name     string
		required bool
		mode     string
		want     string
	}{
		{"open by default", false, "none", "none"},
		{"explicit api_key", false, "api_key", "api_key"},
		{"required coerces none to api_key", true, "none", "api_key"},
		{"required keeps jwt", true, "jwt", "jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Settings{AuthRequired: tc.required, AuthMode: tc.mode}
			assert.Equal(t, tc.want, s.EffectiveAuthMode())
		})
	}
}

func TestTenantAPIKeys(t *testing.T) {
	s := Settings{TenantAPIKeysJSON: `{"acme": "key-1", "globex": "key-2"}`}
	keys := s.TenantAPIKeys()
	assert.Equal(t, "key-1", keys["acme"])
	assert.Equal(t, "key-2", keys["globex"])
}

func TestTenantAPIKeys_MalformedJSONIsEmpty(t *testing.T) {
	s := Settings{TenantAPIKeysJSON: `{"acme": `}
	assert.Empty(t, s.TenantAPIKeys())

	s = Settings{TenantAPIKeysJSON: "  "}
	assert.Empty(t, s.TenantAPIKeys())
}
