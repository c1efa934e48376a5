// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the suggestion
// service: a stateless ranker that turns knowledge gaps into follow-up
// questions.
package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/Esoteriker/openTree/pkg/readiness"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/pkg/security"
)

// Question templates per gap type. The gap's own description becomes
// the suggestion's reason.
const (
	questionAmbiguousReference  = "Can you clarify exactly which concept your pronoun refers to?"
	questionMissingPrerequisite = "What prerequisite concept should we define first before this topic?"
	questionWeakEvidence        = "What evidence or source best supports this relationship?"
	questionExpandBranch        = "Which branch should we expand next to make this knowledge path complete?"

	questionDefault = "Would you like to add examples, counterpoints, or prerequisites to this topic?"
	reasonDefault   = "No high-priority gaps were detected."
)

func gapToQuestion(gapType schemas.GapType) string {
	switch gapType {
	case schemas.GapAmbiguousReference:
		return questionAmbiguousReference
	case schemas.GapMissingPrerequisite:
		return questionMissingPrerequisite
	case schemas.GapWeakEvidence:
		return questionWeakEvidence
	default:
		return questionExpandBranch
	}
}

// RankGaps orders gaps by priority (highest first, ties keep their
// input order) and renders one suggestion per gap. An empty gap list
// yields exactly one default suggestion at priority 1.
func RankGaps(gaps []schemas.KnowledgeGap) []schemas.Suggestion {
	ordered := make([]schemas.KnowledgeGap, len(gaps))
	copy(ordered, gaps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	ranked := make([]schemas.Suggestion, 0, len(ordered))
	for _, gap := range ordered {
		ranked = append(ranked, schemas.Suggestion{
			Question: gapToQuestion(gap.GapType),
			Reason:   gap.Description,
			Priority: gap.Priority,
		})
	}

	if len(ranked) == 0 {
		ranked = append(ranked, schemas.Suggestion{
			Question: questionDefault,
			Reason:   reasonDefault,
			Priority: 1,
		})
	}
	return ranked
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "suggestion",
	})
}

// Ready reports readiness. The ranker is stateless, so the check is
// always green; the endpoint exists so every service probes alike.
func Ready(c *gin.Context) {
	checks := map[string]readiness.Check{
		"suggestion_rules": {OK: true, Detail: "suggestion rules loaded"},
	}
	c.JSON(http.StatusOK, readiness.Summarize(checks))
}

// SuggestQuestions ranks the payload's knowledge gaps into questions.
//
// Route: POST /v1/suggestions/questions
func SuggestQuestions() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload schemas.SuggestionRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tenant := security.GetTenantContext(c)
		if payload.TenantID != "" && payload.TenantID != tenant.TenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Tenant mismatch in suggestion payload"})
			return
		}

		c.JSON(http.StatusOK, schemas.SuggestionResponse{
			TenantID:    tenant.TenantID,
			SessionID:   payload.SessionID,
			Suggestions: RankGaps(payload.KnowledgeGaps),
		})
	}
}
