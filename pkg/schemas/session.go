// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

import "time"

// SessionCreateRequest is the client payload for creating a session.
// TenantID is optional; when present it must match the header tenant.
type SessionCreateRequest struct {
	UserID   string         `json:"user_id" binding:"required"`
	Metadata map[string]any `json:"metadata"`
	TenantID string         `json:"tenant_id"`
}

// Session is a dialogue session. Unique by (tenant_id, session_id) and
// immutable after creation.
type Session struct {
	SessionID string         `json:"session_id"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewSession builds a session with a fresh id and creation timestamp.
func NewSession(tenantID, userID string, metadata map[string]any) Session {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Session{
		SessionID: NewID("sess"),
		TenantID:  tenantID,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: UTCNow(),
	}
}

// TurnCreateRequest is the client payload for appending a turn.
type TurnCreateRequest struct {
	Speaker      Speaker `json:"speaker" binding:"required,oneof=user assistant system"`
	Content      string  `json:"content" binding:"required"`
	ParentTurnID string  `json:"parent_turn_id"`
}

// Turn is a single utterance inside a session. Turns are appended,
// never mutated, and ordered by (created_at, turn_id).
type Turn struct {
	TurnID       string    `json:"turn_id"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	Speaker      Speaker   `json:"speaker"`
	Content      string    `json:"content"`
	ParentTurnID string    `json:"parent_turn_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTurn builds a turn with a fresh id and creation timestamp.
func NewTurn(tenantID, sessionID string, req TurnCreateRequest) Turn {
	return Turn{
		TurnID:       NewID("turn"),
		TenantID:     tenantID,
		SessionID:    sessionID,
		Speaker:      req.Speaker,
		Content:      req.Content,
		ParentTurnID: req.ParentTurnID,
		CreatedAt:    UTCNow(),
	}
}

// DialogueTurnResponse is the aggregate result of the synchronous
// pipeline for one turn: the stored turn, the extraction, the graph
// merge counters, and the ranked follow-up questions.
type DialogueTurnResponse struct {
	Turn               Turn                `json:"turn"`
	Parse              ParseTurnResponse   `json:"parse"`
	GraphUpdate        GraphUpsertResponse `json:"graph_update"`
	SuggestedQuestions []Suggestion        `json:"suggested_questions"`
}
