// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// AsyncTurnAccepted acknowledges an async turn submission.
type AsyncTurnAccepted struct {
	JobID     string         `json:"job_id"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Status    AsyncJobStatus `json:"status"`
}

// AsyncTurnJob is the stored state of one async pipeline job.
// Completed jobs carry a non-nil Result; failed jobs carry a non-empty
// Error. Terminal states are sticky.
type AsyncTurnJob struct {
	JobID     string                `json:"job_id"`
	TenantID  string                `json:"tenant_id"`
	SessionID string                `json:"session_id"`
	TurnID    string                `json:"turn_id"`
	Status    AsyncJobStatus        `json:"status"`
	Result    *DialogueTurnResponse `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
}
