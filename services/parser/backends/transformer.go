// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// Model output defaults applied when the inference response omits a
// field. A zero confidence or priority counts as omitted.
const (
	defaultConceptConfidence  = 0.8
	defaultRelationConfidence = 0.75
	defaultCorefConfidence    = 0.75
	defaultGapPriority        = 2
	defaultGapDescription     = "Model-signaled knowledge gap."

	defaultInferenceTimeout = 5 * time.Second
)

// TransformerBackend parses turns through an external inference
// endpoint speaking the transformer wire contract. Model canonical
// names are resolved to fresh node ids; relations whose endpoints the
// model did not name as concepts are dropped. Any transport error,
// non-2xx status, undecodable body, or concept-free extraction routes
// the request to the fallback backend.
type TransformerBackend struct {
	inferenceURL string
	client       *http.Client
	fallback     Backend
}

// NewTransformer creates a transformer backend. The inference URL is
// the full parse endpoint, not a base URL. A nil fallback gets a fresh
// heuristic backend; a non-positive timeout gets the default.
func NewTransformer(inferenceURL string, timeout time.Duration, fallback Backend) *TransformerBackend {
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	if fallback == nil {
		fallback = NewHeuristic()
	}
	return &TransformerBackend{
		inferenceURL: inferenceURL,
		client:       &http.Client{Timeout: timeout},
		fallback:     fallback,
	}
}

// ParseTurn asks the model to extract entities, degrading to the
// fallback backend on any failure.
func (t *TransformerBackend) ParseTurn(ctx context.Context, payload schemas.ParseTurnRequest) schemas.ParseTurnResponse {
	extracted, err := t.callModel(ctx, payload)
	if err != nil {
		slog.Warn("transformer inference failed, falling back to heuristic",
			"url", t.inferenceURL, "error", err)
		return t.fallback.ParseTurn(ctx, payload)
	}

	response, ok := mapModelOutput(payload, extracted)
	if !ok {
		slog.Warn("transformer returned no usable concepts, falling back to heuristic",
			"turn_id", payload.Turn.TurnID)
		return t.fallback.ParseTurn(ctx, payload)
	}
	return response
}

func (t *TransformerBackend) callModel(ctx context.Context, payload schemas.ParseTurnRequest) (schemas.InferParseResponse, error) {
	var extracted schemas.InferParseResponse

	body, err := json.Marshal(schemas.InferParseRequest{
		TenantID:  payload.TenantID,
		SessionID: payload.SessionID,
		Turn:      payload.Turn,
		History:   payload.History,
	})
	if err != nil {
		return extracted, fmt.Errorf("failed to encode inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.inferenceURL, bytes.NewReader(body))
	if err != nil {
		return extracted, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return extracted, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return extracted, fmt.Errorf("inference returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&extracted); err != nil {
		return extracted, fmt.Errorf("failed to decode inference response: %w", err)
	}
	return extracted, nil
}

// mapModelOutput turns the model's name-keyed extraction into the
// node-id-keyed parse response. The second return is false when the
// model produced no concepts and the caller should fall back.
func mapModelOutput(payload schemas.ParseTurnRequest, extracted schemas.InferParseResponse) (schemas.ParseTurnResponse, bool) {
	turnID := payload.Turn.TurnID

	concepts := make([]schemas.Concept, 0, len(extracted.Concepts))
	conceptIDByName := make(map[string]string, len(extracted.Concepts))
	for _, item := range extracted.Concepts {
		name := strings.TrimSpace(item.CanonicalName)
		if name == "" {
			continue
		}

		concept := schemas.NewConcept(name)
		for _, alias := range item.Aliases {
			if strings.TrimSpace(alias) != "" {
				concept.Aliases = append(concept.Aliases, alias)
			}
		}
		if item.Domain != "" {
			concept.Domain = item.Domain
		}
		concept.Confidence = defaultConceptConfidence
		if item.Confidence > 0 {
			concept.Confidence = item.Confidence
		}
		concept.EvidenceTurnIDs = []string{turnID}

		concepts = append(concepts, concept)
		conceptIDByName[strings.ToLower(name)] = concept.NodeID
	}

	if len(concepts) == 0 {
		return schemas.ParseTurnResponse{}, false
	}

	relations := make([]schemas.Relation, 0, len(extracted.Relations))
	for _, item := range extracted.Relations {
		sourceID := conceptIDByName[strings.ToLower(strings.TrimSpace(item.Source))]
		targetID := conceptIDByName[strings.ToLower(strings.TrimSpace(item.Target))]
		if sourceID == "" || targetID == "" {
			continue
		}

		relationType, ok := schemas.ParseRelationType(item.RelationType)
		if !ok {
			relationType = schemas.RelationDefinition
		}

		relation := schemas.NewRelation(sourceID, targetID, relationType)
		relation.Confidence = defaultRelationConfidence
		if item.Confidence > 0 {
			relation.Confidence = item.Confidence
		}
		relation.EvidenceTurnIDs = []string{turnID}
		relations = append(relations, relation)
	}

	coreferences := make([]schemas.Coreference, 0, len(extracted.Coreferences))
	for _, item := range extracted.Coreferences {
		mention := strings.TrimSpace(item.Mention)
		resolvedTo := strings.TrimSpace(item.ResolvedTo)
		if mention == "" || resolvedTo == "" {
			continue
		}

		confidence := defaultCorefConfidence
		if item.Confidence > 0 {
			confidence = item.Confidence
		}
		coreferences = append(coreferences, schemas.Coreference{
			Mention:    mention,
			ResolvedTo: resolvedTo,
			Confidence: confidence,
		})
	}

	gaps := make([]schemas.KnowledgeGap, 0, len(extracted.KnowledgeGaps))
	for _, item := range extracted.KnowledgeGaps {
		gapType, ok := schemas.ParseGapType(item.GapType)
		if !ok {
			continue
		}

		priority := item.Priority
		if priority == 0 {
			priority = defaultGapPriority
		}
		description := item.Description
		if description == "" {
			description = defaultGapDescription
		}
		gaps = append(gaps, schemas.NewKnowledgeGap(payload.SessionID, gapType, priority, description))
	}

	return schemas.ParseTurnResponse{
		TenantID:      payload.TenantID,
		SessionID:     payload.SessionID,
		TurnID:        turnID,
		Concepts:      concepts,
		Relations:     relations,
		Coreferences:  coreferences,
		KnowledgeGaps: gaps,
	}, true
}

var _ Backend = (*TransformerBackend)(nil)
