// Copyright (C) 2025 The openTree Authors
// Tests for the parser service wiring.

package parser

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

	assert.Equal(t, 8102, cfg.Port)
	assert.Equal(t, "opentree-otel-collector:4317", cfg.OTelEndpoint)
	assert.Equal(t, "transformer", cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.InferenceTimeout)
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.Settings{
		ParserPort:              9102,
		OTelEndpoint:            "collector:4317",
		ParserBackend:           "heuristic",
		TransformerInferenceURL: "http://inference:8105/v1/infer/parse-turn",
		TransformerTimeout:      2 * time.Second,
	})

	assert.Equal(t, 9102, cfg.Port)
	assert.Equal(t, "heuristic", cfg.Backend)
	assert.Equal(t, "http://inference:8105/v1/infer/parse-turn", cfg.InferenceURL)
	assert.Equal(t, 2*time.Second, cfg.InferenceTimeout)
}

func TestNew_ServesParseTurn(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode, Backend: "heuristic"}, nil)
	require.NoError(t, err)
	router := svc.Router()

	raw, err := json.Marshal(schemas.ParseTurnRequest{
		SessionID: "sess_1",
		Turn: schemas.Turn{
			TurnID:    "turn_1",
			TenantID:  "public",
			SessionID: "sess_1",
			Speaker:   schemas.SpeakerUser,
			Content:   "Transformer models improve retrieval because they encode context.",
			CreatedAt: schemas.UTCNow(),
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/parse/turn", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schemas.ParseTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Concepts)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
