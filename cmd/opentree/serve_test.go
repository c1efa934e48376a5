// Copyright (C) 2025 The openTree Authors
// Tests for service construction from settings

package main

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esoteriker/openTree/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testSettings() config.Settings {
	return config.Settings{
		DialoguePort:        8101,
		ParserPort:          8102,
		GraphPort:           8103,
		SuggestionPort:      8104,
		InferencePort:       8105,
		DefaultTenantID:     "public",
		AuthMode:            "none",
		ParserBackend:       "heuristic",
		GraphBackend:        "memory",
		EventBusBackend:     "inmemory",
		SessionStoreBackend: "memory",
		JobStoreBackend:     "memory",
	}
}

func TestBuildService_AllNames(t *testing.T) {
	for _, name := range allServices {
		svc, err := buildService(name, testSettings())
		require.NoError(t, err, name)
		assert.NotNil(t, svc, name)
	}
}

func TestBuildService_UnknownName(t *testing.T) {
	_, err := buildService("vectordb", testSettings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestBuildService_BadBackendSurfaces(t *testing.T) {
	settings := testSettings()
	settings.SessionStoreBackend = "cassandra"
	_, err := buildService("dialogue", settings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session store")
}

func TestBuildService_BadCipherKeySurfaces(t *testing.T) {
	settings := testSettings()
	settings.ContentEncryptionKey = "not-hex"
	_, err := buildService("dialogue", settings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content cipher")
}
