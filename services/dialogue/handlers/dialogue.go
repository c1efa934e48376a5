// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the dialogue
// orchestrator: session management, sync and async turn submission,
// job lookup, the context path, and the session graph proxy.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/Esoteriker/openTree/pkg/crypto"
	"github.com/Esoteriker/openTree/pkg/eventbus"
	"github.com/Esoteriker/openTree/pkg/observability"
	"github.com/Esoteriker/openTree/pkg/persistence"
	"github.com/Esoteriker/openTree/pkg/readiness"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/dialogue/pipeline"
)

var turnTracer = otel.Tracer("opentree.dialogue.handlers")

// Deps bundles the collaborators the dialogue handlers operate on.
//
// # Fields
//
//   - Sessions, Jobs: Persistence for sessions/turns and async jobs.
//   - Bus: Event bus for turn.* topics and the readiness ping.
//   - Cipher: Content cipher for turn text at rest.
//   - Pipeline: Downstream parse/graph/suggest composition.
//   - Metrics: Prometheus counters. May be nil in tests.
//   - HistoryWindow: Prior turns forwarded to the pipeline. Callers
//     should leave the zero value to get the 12-turn default.
//   - AsyncEnabled: Gates POST /v1/sessions/:session_id/turns/async.
//   - ParserURL, GraphURL, SuggestionURL: Downstream base URLs probed
//     by /ready.
//   - SessionBackend, JobBackend: Backend names reported by /health.
type Deps struct {
	Sessions persistence.SessionStore
	Jobs     persistence.JobStore
	Bus      eventbus.Bus
	Cipher   *crypto.ContentCipher
	Pipeline pipeline.Executor
	Metrics  *observability.Metrics

	HistoryWindow int
	AsyncEnabled  bool

	ParserURL     string
	GraphURL      string
	SuggestionURL string

	SessionBackend string
	JobBackend     string
}

func (d Deps) historyWindow() int {
	if d.HistoryWindow <= 0 {
		return 12
	}
	return d.HistoryWindow
}

// =============================================================================
// Probe Handlers
// =============================================================================

// HealthCheck reports service liveness plus the wiring facts operators
// page on first: whether the async pipeline is on and which backends
// hold sessions and jobs.
func HealthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":                 "ok",
			"service":                "dialogue",
			"async_pipeline_enabled": deps.AsyncEnabled,
			"session_store_backend":  deps.SessionBackend,
			"job_store_backend":      deps.JobBackend,
		})
	}
}

// Ready aggregates downstream and dependency readiness.
//
// # Description
//
// Probes the parser, graph, and suggestion health endpoints, asks both
// stores whether they can serve, and publishes a health.ping event to
// prove the bus accepts writes. Always answers 200; the verdict is in
// the body.
func Ready(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := map[string]readiness.Check{
			"parser_service":     readiness.CheckHTTPHealth(ctx, deps.ParserURL+"/health", 0),
			"graph_service":      readiness.CheckHTTPHealth(ctx, deps.GraphURL+"/health", 0),
			"suggestion_service": readiness.CheckHTTPHealth(ctx, deps.SuggestionURL+"/health", 0),
		}

		ok, detail := deps.Sessions.IsReady(ctx)
		checks["session_store"] = readiness.Check{OK: ok, Detail: detail}

		ok, detail = deps.Jobs.IsReady(ctx)
		checks["job_store"] = readiness.Check{OK: ok, Detail: detail}

		checks["event_bus"] = busReady(ctx, deps.Bus)

		c.JSON(http.StatusOK, readiness.Summarize(checks))
	}
}

// busReady proves the bus accepts publishes with a throwaway ping.
func busReady(ctx context.Context, bus eventbus.Bus) readiness.Check {
	payload := map[string]any{"sent_at": schemas.UTCNow().Format(time.RFC3339Nano)}
	if _, err := bus.Publish(ctx, "health.ping", payload, "dialogue"); err != nil {
		return readiness.Check{OK: false, Detail: "event bus not ready: " + err.Error()}
	}
	return readiness.Check{OK: true, Detail: "event bus ready"}
}

// =============================================================================
// Session Handlers
// =============================================================================

// CreateSession opens a new dialogue session for the caller's tenant.
//
// A tenant_id inside the payload must match the authenticated tenant;
// the session is always created under the authenticated one.
//
// Route: POST /v1/sessions
func CreateSession(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload schemas.SessionCreateRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		if payload.TenantID != "" {
			if authErr := security.EnsureTenantAccess(payload.TenantID, tenant); authErr != nil {
				c.JSON(authErr.Status, gin.H{"error": authErr.Detail})
				return
			}
		}

		session := schemas.NewSession(tenant.TenantID, payload.UserID, payload.Metadata)
		if err := deps.Sessions.CreateSession(c.Request.Context(), session); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// ListTurns returns every turn of the session in order, decrypted.
//
// Route: GET /v1/sessions/:session_id/turns
func ListTurns(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")

		if !requireSession(c, deps, tenant.TenantID, sessionID) {
			return
		}
		turns, err := materializeTurns(c.Request.Context(), deps, tenant.TenantID, sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list turns: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, turns)
	}
}

// =============================================================================
// Turn Handlers
// =============================================================================

// AddTurn appends a turn and runs the pipeline synchronously.
//
// # Description
//
// Materializes the history window before the new turn is appended,
// stores the turn with its content encrypted, then runs
// parse => graph upsert => suggest. A failing stage surfaces as 502;
// the turn stays persisted either way. Success publishes a
// turn.processed event.
//
// Route: POST /v1/sessions/:session_id/turns
func AddTurn(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload schemas.TurnCreateRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")
		if !requireSession(c, deps, tenant.TenantID, sessionID) {
			return
		}

		history, turn, ok := appendTurn(c, deps, tenant.TenantID, sessionID, payload)
		if !ok {
			return
		}

		ctx, span := turnTracer.Start(c.Request.Context(), "dialogue.pipeline.run")
		response, err := deps.Pipeline.Run(ctx, tenant.TenantID, tenant.APIKey, sessionID, turn, history)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline failed")
			span.End()
			c.JSON(http.StatusBadGateway, gin.H{"error": "Pipeline failed: " + err.Error()})
			return
		}
		span.End()

		publishEvent(c.Request.Context(), deps, pipeline.TopicTurnProcessed, map[string]any{
			"tenant_id":  tenant.TenantID,
			"session_id": sessionID,
			"turn_id":    turn.TurnID,
			"status":     string(schemas.JobCompleted),
		}, "")

		c.JSON(http.StatusOK, response)
	}
}

// AddTurnAsync appends a turn and queues the pipeline run.
//
// # Description
//
// Stores the turn like the sync path, records a queued job, and
// publishes the ingest event the worker consumes. Responds immediately
// with the job handle. 409 when the async pipeline is disabled.
//
// Route: POST /v1/sessions/:session_id/turns/async
func AddTurnAsync(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !deps.AsyncEnabled {
			c.JSON(http.StatusConflict, gin.H{"error": "Async pipeline is disabled"})
			return
		}

		var payload schemas.TurnCreateRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")
		if !requireSession(c, deps, tenant.TenantID, sessionID) {
			return
		}

		history, turn, ok := appendTurn(c, deps, tenant.TenantID, sessionID, payload)
		if !ok {
			return
		}

		job := schemas.AsyncTurnJob{
			JobID:     schemas.NewID("job"),
			TenantID:  tenant.TenantID,
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Status:    schemas.JobQueued,
		}
		if err := deps.Jobs.CreateJob(c.Request.Context(), job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record job: " + err.Error()})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordAsyncJob(string(schemas.JobQueued))
		}

		ingest, err := pipeline.IngestPayload{
			JobID:     job.JobID,
			TenantID:  tenant.TenantID,
			SessionID: sessionID,
			Turn:      turn,
			History:   history,
			APIKey:    tenant.APIKey,
		}.Map()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue job: " + err.Error()})
			return
		}
		// An unpublished ingest event would strand the job in queued,
		// so the job is failed outright when the publish dies.
		if _, err := deps.Bus.Publish(c.Request.Context(), pipeline.TopicTurnIngested, ingest, turn.TurnID); err != nil {
			job.Status = schemas.JobFailed
			job.Error = "Failed to publish ingest event: " + err.Error()
			if upErr := deps.Jobs.UpsertJob(c.Request.Context(), job); upErr != nil {
				slog.Warn("Failed to mark unpublished job failed", "job_id", job.JobID, "error", upErr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue job: " + err.Error()})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordEventPublished(pipeline.TopicTurnIngested)
		}

		c.JSON(http.StatusOK, schemas.AsyncTurnAccepted{
			JobID:     job.JobID,
			TenantID:  tenant.TenantID,
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Status:    schemas.JobQueued,
		})
	}
}

// =============================================================================
// Job, Context Path, and Graph Proxy Handlers
// =============================================================================

// GetJob returns the state of one async pipeline job. Jobs are only
// visible to their owning tenant.
//
// Route: GET /v1/pipeline/jobs/:job_id
func GetJob(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := security.GetTenantContext(c)

		job, err := deps.Jobs.GetJob(c.Request.Context(), c.Param("job_id"))
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job: " + err.Error()})
			return
		}
		if authErr := security.EnsureTenantAccess(job.TenantID, tenant); authErr != nil {
			c.JSON(authErr.Status, gin.H{"error": authErr.Detail})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

type contextPathEntry struct {
	TurnID       string `json:"turn_id"`
	Speaker      string `json:"speaker"`
	ParentTurnID string `json:"parent_turn_id"`
}

// GetContextPath returns the flat reply chain of the session: one
// entry per turn with its parent pointer, content omitted.
//
// Route: GET /v1/sessions/:session_id/context-path
func GetContextPath(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")

		if !requireSession(c, deps, tenant.TenantID, sessionID) {
			return
		}
		turns, err := materializeTurns(c.Request.Context(), deps, tenant.TenantID, sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list turns: " + err.Error()})
			return
		}

		path := make([]contextPathEntry, 0, len(turns))
		for _, turn := range turns {
			path = append(path, contextPathEntry{
				TurnID:       turn.TurnID,
				Speaker:      string(turn.Speaker),
				ParentTurnID: turn.ParentTurnID,
			})
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "path": path})
	}
}

// GetSessionGraph proxies the graph service snapshot for the session.
//
// Route: GET /v1/sessions/:session_id/graph
func GetSessionGraph(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := security.GetTenantContext(c)
		sessionID := c.Param("session_id")

		if !requireSession(c, deps, tenant.TenantID, sessionID) {
			return
		}
		snapshot, err := deps.Pipeline.FetchGraphSnapshot(c.Request.Context(), tenant.TenantID, tenant.APIKey, sessionID)
		if err != nil {
			if errors.Is(err, pipeline.ErrSnapshotNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Session graph not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "Graph service unavailable: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// requireSession answers 404 and returns false when the session does
// not exist under the caller's tenant.
func requireSession(c *gin.Context, deps Deps, tenantID, sessionID string) bool {
	_, err := deps.Sessions.GetSession(c.Request.Context(), tenantID, sessionID)
	if err == nil {
		return true
	}
	if errors.Is(err, persistence.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	} else {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session: " + err.Error()})
	}
	return false
}

// materializeTurns loads the session's turn rows and decrypts their
// content. Rows a stale or wrong key cannot open keep the stored text.
func materializeTurns(ctx context.Context, deps Deps, tenantID, sessionID string) ([]schemas.Turn, error) {
	rows, err := deps.Sessions.ListTurns(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	turns := make([]schemas.Turn, 0, len(rows))
	for _, row := range rows {
		turns = append(turns, schemas.Turn{
			TurnID:       row.TurnID,
			TenantID:     row.TenantID,
			SessionID:    row.SessionID,
			Speaker:      row.Speaker,
			Content:      deps.Cipher.Decrypt(row.ContentCiphertext),
			ParentTurnID: row.ParentTurnID,
			CreatedAt:    row.CreatedAt,
		})
	}
	return turns, nil
}

// appendTurn materializes the history window, then persists the new
// turn with its content encrypted. The window is taken before the
// append so the new turn never feeds its own context. Writes the error
// response itself and returns ok=false on failure.
func appendTurn(c *gin.Context, deps Deps, tenantID, sessionID string, payload schemas.TurnCreateRequest) (history []schemas.Turn, turn schemas.Turn, ok bool) {
	all, err := materializeTurns(c.Request.Context(), deps, tenantID, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history: " + err.Error()})
		return nil, schemas.Turn{}, false
	}
	if window := deps.historyWindow(); len(all) > window {
		all = all[len(all)-window:]
	}

	turn = schemas.NewTurn(tenantID, sessionID, payload)
	ciphertext, err := deps.Cipher.Encrypt(turn.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt turn: " + err.Error()})
		return nil, schemas.Turn{}, false
	}
	if err := deps.Sessions.AppendTurn(c.Request.Context(), turn, ciphertext); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store turn: " + err.Error()})
		return nil, schemas.Turn{}, false
	}
	return all, turn, true
}

// publishEvent emits an informational event; failures are logged and
// never fail the request.
func publishEvent(ctx context.Context, deps Deps, topic string, payload map[string]any, key string) {
	if _, err := deps.Bus.Publish(ctx, topic, payload, key); err != nil {
		slog.Warn("Event publish failed", "topic", topic, "error", err)
		return
	}
	if deps.Metrics != nil {
		deps.Metrics.RecordEventPublished(topic)
	}
}
