// Copyright (C) 2025 The openTree Authors
// Tests for graph service construction and routing

package graph

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esoteriker/openTree/pkg/config"
	"github.com/Esoteriker/openTree/pkg/schemas"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 8103, cfg.Port)
	assert.Equal(t, "memory", cfg.Backend)
	assert.NotEmpty(t, cfg.OTelEndpoint)
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.Settings{
		GraphPort:    9000,
		GraphBackend: "memory",
		OTelEndpoint: "collector:4317",
	})
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "cassandra"}, nil)
	require.Error(t, err)
}

func TestNew_ServesUpsertAndSnapshot(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode}, nil)
	require.NoError(t, err)
	router := svc.Router()

	body, _ := json.Marshal(schemas.GraphUpsertRequest{
		SessionID: "sess_1",
		Concepts: []schemas.Concept{
			{NodeID: "node_a", CanonicalName: "Transformer", Confidence: 0.7},
		},
	})
	req, _ := http.NewRequest("POST", "/v1/graph/upsert", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req, _ = http.NewRequest("GET", "/v1/graph/sess_1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot schemas.GraphSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Len(t, snapshot.Concepts, 1)

	req, _ = http.NewRequest("GET", "/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req, _ = http.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
