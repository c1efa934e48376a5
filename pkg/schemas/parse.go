// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// Coreference resolves a pronoun mention to an antecedent concept name.
type Coreference struct {
	Mention    string  `json:"mention"`
	ResolvedTo string  `json:"resolved_to"`
	Confidence float64 `json:"confidence"`
}

// KnowledgeGap is a machine-detected deficiency in the dialogue.
// Higher priority means more urgent.
type KnowledgeGap struct {
	GapID       string  `json:"gap_id"`
	SessionID   string  `json:"session_id"`
	GapType     GapType `json:"gap_type"`
	Priority    int     `json:"priority"`
	Description string  `json:"description"`
}

// NewKnowledgeGap builds a gap with a fresh id.
func NewKnowledgeGap(sessionID string, gapType GapType, priority int, description string) KnowledgeGap {
	return KnowledgeGap{
		GapID:       NewID("gap"),
		SessionID:   sessionID,
		GapType:     gapType,
		Priority:    priority,
		Description: description,
	}
}

// ParseTurnRequest asks a parser backend to extract graph entities
// from one turn given the recent session history.
type ParseTurnRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id" binding:"required"`
	Turn      Turn   `json:"turn" binding:"required"`
	History   []Turn `json:"history"`
}

// ParseTurnResponse is the extraction for one turn.
type ParseTurnResponse struct {
	TenantID      string         `json:"tenant_id"`
	SessionID     string         `json:"session_id"`
	TurnID        string         `json:"turn_id"`
	Concepts      []Concept      `json:"concepts"`
	Relations     []Relation     `json:"relations"`
	Coreferences  []Coreference  `json:"coreferences"`
	KnowledgeGaps []KnowledgeGap `json:"knowledge_gaps"`
}
