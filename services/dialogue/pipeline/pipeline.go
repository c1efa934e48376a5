// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline runs the parse -> graph upsert -> suggest
// composition against the downstream services and defines the event
// topics and the ingest payload the async worker consumes.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Esoteriker/openTree/pkg/observability"
	"github.com/Esoteriker/openTree/pkg/schemas"
)

// Event topics of the dialogue service.
const (
	// TopicTurnIngested carries queued async turn jobs to the worker.
	TopicTurnIngested = "turn.ingested"

	// TopicTurnProcessed announces a completed pipeline run, sync or
	// async.
	TopicTurnProcessed = "turn.processed"

	// TopicTurnDeadLetter carries jobs that exhausted their retries,
	// including the original ingest payload for out-of-band handling.
	TopicTurnDeadLetter = "turn.dead_letter"
)

// ErrSnapshotNotFound reports that the graph service has no snapshot
// for the requested session scope.
var ErrSnapshotNotFound = errors.New("session graph not found")

// Runner runs the full pipeline for one turn. The worker depends on
// this interface so tests can inject failing pipelines.
type Runner interface {
	Run(ctx context.Context, tenantID, apiKey, sessionID string, turn schemas.Turn, history []schemas.Turn) (schemas.DialogueTurnResponse, error)
}

// Executor is the downstream surface the dialogue handlers depend on:
// pipeline runs plus snapshot reads for the session graph proxy.
type Executor interface {
	Runner
	FetchGraphSnapshot(ctx context.Context, tenantID, apiKey, sessionID string) (schemas.GraphSnapshot, error)
}

// ingestValidate checks payloads decoded off the bus, where gin's
// request binding never runs.
var ingestValidate = validator.New()

// IngestPayload is the message body queued on TopicTurnIngested.
type IngestPayload struct {
	JobID     string         `json:"job_id" validate:"required"`
	TenantID  string         `json:"tenant_id" validate:"required"`
	SessionID string         `json:"session_id" validate:"required"`
	Turn      schemas.Turn   `json:"turn"`
	History   []schemas.Turn `json:"history"`
	APIKey    string         `json:"api_key,omitempty"`
}

// Map renders the payload as a generic JSON object, the shape every
// bus backend transports.
func (p IngestPayload) Map() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ingest payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to shape ingest payload: %w", err)
	}
	return out, nil
}

// IngestFromMap decodes a consumed message payload back into its
// typed form, rejecting payloads missing their identity fields.
func IngestFromMap(payload map[string]any) (IngestPayload, error) {
	var out IngestPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("failed to re-encode ingest payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode ingest payload: %w", err)
	}
	if err := ingestValidate.Struct(&out); err != nil {
		return out, fmt.Errorf("invalid ingest payload: %w", err)
	}
	return out, nil
}

// Client calls the parser, graph, and suggestion services over HTTP
// with a shared per-request deadline, forwarding the caller's tenant
// header and API key.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	parserURL     string
	graphURL      string
	suggestionURL string
	httpClient    *http.Client
	metrics       *observability.Metrics
}

// NewClient creates a pipeline client. A non-positive timeout gets
// the 2s default; metrics may be nil.
func NewClient(parserURL, graphURL, suggestionURL string, timeout time.Duration, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		parserURL:     parserURL,
		graphURL:      graphURL,
		suggestionURL: suggestionURL,
		httpClient:    &http.Client{Timeout: timeout},
		metrics:       metrics,
	}
}

// Run executes parse, graph upsert, and suggestion in order and
// aggregates the results. The first failing stage aborts the run.
func (c *Client) Run(ctx context.Context, tenantID, apiKey, sessionID string, turn schemas.Turn, history []schemas.Turn) (schemas.DialogueTurnResponse, error) {
	var out schemas.DialogueTurnResponse

	parseResult, err := c.ParseTurn(ctx, tenantID, apiKey, schemas.ParseTurnRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Turn:      turn,
		History:   history,
	})
	if err != nil {
		return out, err
	}

	graphResult, err := c.UpsertGraph(ctx, tenantID, apiKey, schemas.GraphUpsertRequest{
		TenantID:  tenantID,
		SessionID: parseResult.SessionID,
		Concepts:  parseResult.Concepts,
		Relations: parseResult.Relations,
	})
	if err != nil {
		return out, err
	}

	suggestionResult, err := c.SuggestQuestions(ctx, tenantID, apiKey, schemas.SuggestionRequest{
		TenantID:      tenantID,
		SessionID:     sessionID,
		KnowledgeGaps: parseResult.KnowledgeGaps,
	})
	if err != nil {
		return out, err
	}

	out = schemas.DialogueTurnResponse{
		Turn:               turn,
		Parse:              parseResult,
		GraphUpdate:        graphResult,
		SuggestedQuestions: suggestionResult.Suggestions,
	}
	return out, nil
}

// ParseTurn calls the parser service.
func (c *Client) ParseTurn(ctx context.Context, tenantID, apiKey string, req schemas.ParseTurnRequest) (schemas.ParseTurnResponse, error) {
	var out schemas.ParseTurnResponse
	start := time.Now()
	err := c.postJSON(ctx, c.parserURL+"/v1/parse/turn", tenantID, apiKey, req, &out)
	c.metrics.RecordPipelineCall(observability.StageParse, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return out, fmt.Errorf("parser: %w", err)
	}
	return out, nil
}

// UpsertGraph calls the graph service.
func (c *Client) UpsertGraph(ctx context.Context, tenantID, apiKey string, req schemas.GraphUpsertRequest) (schemas.GraphUpsertResponse, error) {
	var out schemas.GraphUpsertResponse
	start := time.Now()
	err := c.postJSON(ctx, c.graphURL+"/v1/graph/upsert", tenantID, apiKey, req, &out)
	c.metrics.RecordPipelineCall(observability.StageGraph, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return out, fmt.Errorf("graph: %w", err)
	}
	return out, nil
}

// SuggestQuestions calls the suggestion service.
func (c *Client) SuggestQuestions(ctx context.Context, tenantID, apiKey string, req schemas.SuggestionRequest) (schemas.SuggestionResponse, error) {
	var out schemas.SuggestionResponse
	start := time.Now()
	err := c.postJSON(ctx, c.suggestionURL+"/v1/suggestions/questions", tenantID, apiKey, req, &out)
	c.metrics.RecordPipelineCall(observability.StageSuggest, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return out, fmt.Errorf("suggestion: %w", err)
	}
	return out, nil
}

// FetchGraphSnapshot proxies the session graph from the graph
// service. Returns ErrSnapshotNotFound when the scope has never been
// written.
func (c *Client) FetchGraphSnapshot(ctx context.Context, tenantID, apiKey, sessionID string) (schemas.GraphSnapshot, error) {
	var out schemas.GraphSnapshot

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.graphURL+"/v1/graph/"+sessionID, nil)
	if err != nil {
		return out, fmt.Errorf("graph: failed to build request: %w", err)
	}
	setServiceHeaders(req, tenantID, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("graph: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return out, ErrSnapshotNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("graph: returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("graph: failed to decode snapshot: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, url, tenantID, apiKey string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setServiceHeaders(req, tenantID, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setServiceHeaders(req *http.Request, tenantID, apiKey string) {
	req.Header.Set("X-Tenant-ID", tenantID)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

var _ Executor = (*Client)(nil)
