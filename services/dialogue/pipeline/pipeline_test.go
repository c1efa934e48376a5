// Copyright (C) 2025 The openTree Authors
// Tests for the pipeline client and the ingest payload codec

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// stages records what each downstream stub received.
type stages struct {
	mu          sync.Mutex
	parseReqs   []schemas.ParseTurnRequest
	graphReqs   []schemas.GraphUpsertRequest
	suggestReqs []schemas.SuggestionRequest
	headers     []http.Header

	failParser bool
	failGraph  bool

	parser     *httptest.Server
	graphSvc   *httptest.Server
	suggestion *httptest.Server
}

func newStages(t *testing.T) *stages {
	t.Helper()
	s := &stages{}

	s.parser = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.headers = append(s.headers, r.Header.Clone())
		if s.failParser {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req schemas.ParseTurnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.parseReqs = append(s.parseReqs, req)

		concept := schemas.NewConcept("backpropagation")
		gap := schemas.NewKnowledgeGap(req.SessionID, schemas.GapUnresolvedBranch, 2, "branch left open")
		resp := schemas.ParseTurnResponse{
			TenantID:      req.TenantID,
			SessionID:     req.SessionID,
			TurnID:        req.Turn.TurnID,
			Concepts:      []schemas.Concept{concept},
			Relations:     []schemas.Relation{},
			Coreferences:  []schemas.Coreference{},
			KnowledgeGaps: []schemas.KnowledgeGap{gap},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.parser.Close)

	s.graphSvc = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failGraph {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req schemas.GraphUpsertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.graphReqs = append(s.graphReqs, req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(schemas.GraphUpsertResponse{
			TenantID:   req.TenantID,
			SessionID:  req.SessionID,
			AddedNodes: len(req.Concepts),
			AddedEdges: len(req.Relations),
		})
	}))
	t.Cleanup(s.graphSvc.Close)

	s.suggestion = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var req schemas.SuggestionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.suggestReqs = append(s.suggestReqs, req)

		suggestions := make([]schemas.Suggestion, 0, len(req.KnowledgeGaps))
		for _, gap := range req.KnowledgeGaps {
			suggestions = append(suggestions, schemas.Suggestion{
				Question: "Could you expand on " + gap.Description + "?",
				Reason:   string(gap.GapType),
				Priority: gap.Priority,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(schemas.SuggestionResponse{
			TenantID:    req.TenantID,
			SessionID:   req.SessionID,
			Suggestions: suggestions,
		})
	}))
	t.Cleanup(s.suggestion.Close)

	return s
}

func (s *stages) client() *Client {
	return NewClient(s.parser.URL, s.graphSvc.URL, s.suggestion.URL, 2*time.Second, nil)
}

func sampleTurn(tenantID, sessionID string) schemas.Turn {
	return schemas.NewTurn(tenantID, sessionID, schemas.TurnCreateRequest{
		Speaker: schemas.SpeakerUser,
		Content: "how does backpropagation work?",
	})
}

func TestRun_ComposesStagesInOrder(t *testing.T) {
	s := newStages(t)
	turn := sampleTurn("acme", "sess_demo")

	resp, err := s.client().Run(context.Background(), "acme", "key-1", "sess_demo", turn, nil)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	require.Len(t, s.parseReqs, 1)
	assert.Equal(t, "acme", s.parseReqs[0].TenantID)
	assert.Equal(t, turn.TurnID, s.parseReqs[0].Turn.TurnID)

	// The graph stage receives exactly what the parser extracted.
	require.Len(t, s.graphReqs, 1)
	require.Len(t, s.graphReqs[0].Concepts, 1)
	assert.Equal(t, "backpropagation", s.graphReqs[0].Concepts[0].CanonicalName)

	// The suggestion stage receives the parser's knowledge gaps.
	require.Len(t, s.suggestReqs, 1)
	require.Len(t, s.suggestReqs[0].KnowledgeGaps, 1)
	assert.Equal(t, schemas.GapUnresolvedBranch, s.suggestReqs[0].KnowledgeGaps[0].GapType)

	assert.Equal(t, turn.TurnID, resp.Turn.TurnID)
	assert.Equal(t, 1, resp.GraphUpdate.AddedNodes)
	require.Len(t, resp.SuggestedQuestions, 1)
	assert.Equal(t, 2, resp.SuggestedQuestions[0].Priority)
}

func TestRun_ForwardsTenantHeaders(t *testing.T) {
	s := newStages(t)
	turn := sampleTurn("acme", "sess_demo")

	_, err := s.client().Run(context.Background(), "acme", "key-1", "sess_demo", turn, nil)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.headers)
	assert.Equal(t, "acme", s.headers[0].Get("X-Tenant-ID"))
	assert.Equal(t, "key-1", s.headers[0].Get("X-API-Key"))
}

func TestRun_ParserFailureAbortsRun(t *testing.T) {
	s := newStages(t)
	s.failParser = true
	turn := sampleTurn("acme", "sess_demo")

	_, err := s.client().Run(context.Background(), "acme", "", "sess_demo", turn, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parser:")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.graphReqs, "graph stage must not run after a parse failure")
	assert.Empty(t, s.suggestReqs)
}

func TestRun_GraphFailureAbortsRun(t *testing.T) {
	s := newStages(t)
	s.failGraph = true
	turn := sampleTurn("acme", "sess_demo")

	_, err := s.client().Run(context.Background(), "acme", "", "sess_demo", turn, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph:")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.parseReqs, 1)
	assert.Empty(t, s.suggestReqs, "suggestion stage must not run after a graph failure")
}

func TestFetchGraphSnapshot_MissingScope(t *testing.T) {
	graphSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(graphSvc.Close)

	c := NewClient("", graphSvc.URL, "", time.Second, nil)
	_, err := c.FetchGraphSnapshot(context.Background(), "acme", "", "sess_missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestFetchGraphSnapshot_ReturnsSnapshot(t *testing.T) {
	snapshot := schemas.GraphSnapshot{
		TenantID:  "acme",
		SessionID: "sess_demo",
		Concepts:  []schemas.Concept{schemas.NewConcept("gradient descent")},
		Relations: []schemas.Relation{},
	}
	graphSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graph/sess_demo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	}))
	t.Cleanup(graphSvc.Close)

	c := NewClient("", graphSvc.URL, "", time.Second, nil)
	got, err := c.FetchGraphSnapshot(context.Background(), "acme", "", "sess_demo")
	require.NoError(t, err)
	require.Len(t, got.Concepts, 1)
	assert.Equal(t, "gradient descent", got.Concepts[0].CanonicalName)
}

func TestIngestPayload_MapRoundTrip(t *testing.T) {
	turn := sampleTurn("acme", "sess_demo")
	in := IngestPayload{
		JobID:     "job_000000000001",
		TenantID:  "acme",
		SessionID: "sess_demo",
		Turn:      turn,
		History:   []schemas.Turn{sampleTurn("acme", "sess_demo")},
		APIKey:    "key-1",
	}

	m, err := in.Map()
	require.NoError(t, err)
	assert.Equal(t, "job_000000000001", m["job_id"])

	out, err := IngestFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, in.JobID, out.JobID)
	assert.Equal(t, in.TenantID, out.TenantID)
	assert.Equal(t, turn.TurnID, out.Turn.TurnID)
	assert.Equal(t, turn.Content, out.Turn.Content)
	require.Len(t, out.History, 1)
	assert.Equal(t, in.APIKey, out.APIKey)
}

func TestIngestFromMap_RejectsMissingIdentity(t *testing.T) {
	_, err := IngestFromMap(map[string]any{
		"tenant_id":  "acme",
		"session_id": "sess_demo",
		// no job_id
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ingest payload")
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient("", "", "", 0, nil)
	assert.Equal(t, 2*time.Second, c.httpClient.Timeout)
}
