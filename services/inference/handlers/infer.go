// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the mock transformer endpoints. The
// extraction is deterministic string matching dressed in the real
// inference wire contract, so the parser's transformer backend can be
// exercised end-to-end without a model server.
package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Esoteriker/openTree/pkg/readiness"
	"github.com/Esoteriker/openTree/pkg/schemas"
)

const (
	modelName    = "mock-transformer"
	modelVersion = "0.1.0"

	conceptConfidence  = 0.84
	relationConfidence = 0.79
	corefConfidence    = 0.76

	maxConcepts = 8
)

var tokenPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{3,}`)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": modelName,
	})
}

// Ready reports readiness. The mock has no model to load, so the
// check is always green.
func Ready(c *gin.Context) {
	checks := map[string]readiness.Check{
		"mock_model": {OK: true, Detail: "mock transformer loaded"},
	}
	c.JSON(http.StatusOK, readiness.Summarize(checks))
}

// ParseTurn extracts concepts, one relation, coreferences, and gaps
// from the turn content.
//
// Route: POST /v1/infer/parse-turn
func ParseTurn(c *gin.Context) {
	var payload schemas.InferParseRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, extract(payload))
}

// extract runs the mock model over one turn.
//
// Concepts come from the first eight regex tokens, deduplicated
// case-insensitively within that window. A single relation links the
// first two concepts when at least two exist; causal markers in the
// content promote it from definition to causal. " it " plus non-empty
// history resolves to the last word of the most recent history turn.
func extract(payload schemas.InferParseRequest) schemas.InferParseResponse {
	text := payload.Turn.Content
	low := strings.ToLower(text)

	concepts := make([]schemas.InferConcept, 0, maxConcepts)
	seen := make(map[string]struct{}, maxConcepts)
	tokens := tokenPattern.FindAllString(text, -1)
	if len(tokens) > maxConcepts {
		tokens = tokens[:maxConcepts]
	}
	for _, token := range tokens {
		key := strings.ToLower(token)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		concepts = append(concepts, schemas.InferConcept{
			CanonicalName: token,
			Domain:        "general",
			Confidence:    conceptConfidence,
		})
	}

	relations := make([]schemas.InferRelation, 0, 1)
	if len(concepts) >= 2 {
		relationType := schemas.RelationDefinition
		if strings.Contains(low, "because") || strings.Contains(low, "causes") ||
			strings.Contains(low, "leads to") {
			relationType = schemas.RelationCausal
		}
		relations = append(relations, schemas.InferRelation{
			Source:       concepts[0].CanonicalName,
			Target:       concepts[1].CanonicalName,
			RelationType: string(relationType),
			Confidence:   relationConfidence,
		})
	}

	coreferences := make([]schemas.InferCoreference, 0, 1)
	if strings.Contains(" "+low+" ", " it ") && len(payload.History) > 0 {
		antecedent := "previous concept"
		if words := strings.Fields(payload.History[len(payload.History)-1].Content); len(words) > 0 {
			antecedent = words[len(words)-1]
		}
		coreferences = append(coreferences, schemas.InferCoreference{
			Mention:    "it",
			ResolvedTo: antecedent,
			Confidence: corefConfidence,
		})
	}

	gaps := make([]schemas.InferGap, 0, 1)
	if strings.Contains(text, "?") && len(concepts) <= 1 {
		gaps = append(gaps, schemas.InferGap{
			GapType:     string(schemas.GapMissingPrerequisite),
			Priority:    2,
			Description: "Question is underspecified for extraction model.",
		})
	}

	return schemas.InferParseResponse{
		Model:         modelName,
		Version:       modelVersion,
		Concepts:      concepts,
		Relations:     relations,
		Coreferences:  coreferences,
		KnowledgeGaps: gaps,
	}
}
