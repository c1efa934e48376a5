// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// SuggestionRequest ranks a set of knowledge gaps into questions.
type SuggestionRequest struct {
	TenantID      string         `json:"tenant_id"`
	SessionID     string         `json:"session_id" binding:"required"`
	KnowledgeGaps []KnowledgeGap `json:"knowledge_gaps"`
}

// Suggestion is one follow-up question proposed to the user.
type Suggestion struct {
	Question string `json:"question"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
}

// SuggestionResponse is the ranked question list for one request.
type SuggestionResponse struct {
	TenantID    string       `json:"tenant_id"`
	SessionID   string       `json:"session_id"`
	Suggestions []Suggestion `json:"suggestions"`
}
