// Copyright (C) 2025 The openTree Authors
// Tests for the parser handlers.

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esoteriker/openTree/pkg/config"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/parser/backends"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestRouter(backendName, inferenceURL string) *gin.Engine {
	auth := security.NewAuthenticator(config.Settings{
		DefaultTenantID: "public",
		AuthMode:        "none",
	})

	router := gin.New()
	router.GET("/health", HealthCheck(backendName))
	router.GET("/ready", Ready(backendName, inferenceURL))
	v1 := router.Group("/v1", security.TenantAuth(auth))
	v1.POST("/parse/turn", ParseTurn(backends.NewHeuristic()))
	return router
}

func postParse(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/parse/turn", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func turnPayload(content string) schemas.ParseTurnRequest {
	return schemas.ParseTurnRequest{
		SessionID: "sess_1",
		Turn: schemas.Turn{
			TurnID:    "turn_1",
			TenantID:  "public",
			SessionID: "sess_1",
			Speaker:   schemas.SpeakerUser,
			Content:   content,
			CreatedAt: schemas.UTCNow(),
		},
	}
}

type readyBody struct {
	Ready  bool `json:"ready"`
	Checks map[string]struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
	} `json:"checks"`
}

func getReady(t *testing.T, router *gin.Engine) readyBody {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body readyBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Health and readiness
// =============================================================================

func TestHealthCheck_ReportsBackend(t *testing.T) {
	router := newTestRouter("heuristic", "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "parser", body["service"])
	assert.Equal(t, "heuristic", body["backend"])
}

func TestReady_HeuristicBackend(t *testing.T) {
	body := getReady(t, newTestRouter("heuristic", ""))

	assert.True(t, body.Ready)
	assert.Equal(t, "heuristic backend ready", body.Checks["heuristic_backend"].Detail)
}

func TestReady_TransformerMissingURL(t *testing.T) {
	body := getReady(t, newTestRouter("transformer", ""))

	assert.False(t, body.Ready)
	check := body.Checks["transformer_backend"]
	assert.False(t, check.OK)
	assert.Equal(t, "TRANSFORMER_INFERENCE_URL is required for transformer backend", check.Detail)
}

func TestReady_TransformerProbesInferenceHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	body := getReady(t, newTestRouter("transformer", ts.URL+"/v1/infer/parse-turn"))

	assert.True(t, body.Ready)
	check := body.Checks["transformer_backend"]
	assert.True(t, check.OK)
	assert.Equal(t, fmt.Sprintf("%s/health healthy", ts.URL), check.Detail)
}

func TestReady_TransformerReportsUnhealthyStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	body := getReady(t, newTestRouter("transformer", ts.URL+"/v1/infer/parse-turn"))

	assert.False(t, body.Ready)
	check := body.Checks["transformer_backend"]
	assert.False(t, check.OK)
	assert.Equal(t, fmt.Sprintf("%s/health unhealthy status=503", ts.URL), check.Detail)
}

func TestHealthURL_Derivation(t *testing.T) {
	assert.Equal(t, "http://inference:8105/health",
		healthURL("http://inference:8105/v1/infer/parse-turn"))
	assert.Equal(t, "https://models.internal/health",
		healthURL("https://models.internal/v1/infer/parse-turn?shadow=1"))
	assert.Equal(t, "not a url", healthURL("not a url"))
	assert.Equal(t, "", healthURL(""))
}

// =============================================================================
// Parse turn
// =============================================================================

func TestParseTurn_ExtractsEntities(t *testing.T) {
	router := newTestRouter("heuristic", "")

	rec := postParse(t, router,
		turnPayload("Transformer models improve retrieval because they encode context."))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schemas.ParseTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "public", resp.TenantID)
	assert.Equal(t, "sess_1", resp.SessionID)
	assert.Equal(t, "turn_1", resp.TurnID)
	assert.GreaterOrEqual(t, len(resp.Concepts), 2)
	require.Len(t, resp.Relations, 1)
	assert.Equal(t, schemas.RelationCausal, resp.Relations[0].RelationType)
}

func TestParseTurn_TenantMismatch(t *testing.T) {
	router := newTestRouter("heuristic", "")

	payload := turnPayload("anything")
	payload.TenantID = "acme"
	rec := postParse(t, router, payload)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Tenant mismatch in parse payload", body["error"])
}

func TestParseTurn_AdoptsResolvedTenant(t *testing.T) {
	router := newTestRouter("heuristic", "")

	rec := postParse(t, router, turnPayload("embeddings capture meaning"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schemas.ParseTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "public", resp.TenantID)
}

func TestParseTurn_MissingSessionID(t *testing.T) {
	router := newTestRouter("heuristic", "")

	payload := turnPayload("anything")
	payload.SessionID = ""
	rec := postParse(t, router, payload)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTurn_MalformedJSON(t *testing.T) {
	router := newTestRouter("heuristic", "")

	req := httptest.NewRequest(http.MethodPost, "/v1/parse/turn",
		bytes.NewReader([]byte(`{"session_id":`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
