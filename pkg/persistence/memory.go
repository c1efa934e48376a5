// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// MemorySessionStore keeps sessions and turns in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]schemas.Session
	turns    map[string][]StoredTurnRecord
}

// NewMemorySessionStore returns an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]schemas.Session),
		turns:    make(map[string][]StoredTurnRecord),
	}
}

func scopeKey(tenantID, sessionID string) string {
	return tenantID + ":" + sessionID
}

// CreateSession stores the session, replacing any previous record
// under the same (tenant_id, session_id).
func (s *MemorySessionStore) CreateSession(_ context.Context, session schemas.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[scopeKey(session.TenantID, session.SessionID)] = session
	return nil
}

// GetSession returns the session or ErrNotFound.
func (s *MemorySessionStore) GetSession(_ context.Context, tenantID, sessionID string) (schemas.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[scopeKey(tenantID, sessionID)]
	if !ok {
		return schemas.Session{}, ErrNotFound
	}
	return session, nil
}

// AppendTurn upserts the turn row by turn_id and keeps the scope
// ordered by (created_at, turn_id).
func (s *MemorySessionStore) AppendTurn(_ context.Context, turn schemas.Turn, contentCiphertext string) error {
	record := StoredTurnRecord{
		TurnID:            turn.TurnID,
		TenantID:          turn.TenantID,
		SessionID:         turn.SessionID,
		Speaker:           turn.Speaker,
		ParentTurnID:      turn.ParentTurnID,
		CreatedAt:         turn.CreatedAt,
		ContentCiphertext: contentCiphertext,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	scope := scopeKey(turn.TenantID, turn.SessionID)
	rows := s.turns[scope]
	replaced := false
	for i := range rows {
		if rows[i].TurnID == turn.TurnID {
			rows[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, record)
	}
	sortTurnRecords(rows)
	s.turns[scope] = rows
	return nil
}

// ListTurns returns a copy of the scope's rows in storage order.
func (s *MemorySessionStore) ListTurns(_ context.Context, tenantID, sessionID string) ([]StoredTurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.turns[scopeKey(tenantID, sessionID)]
	out := make([]StoredTurnRecord, len(rows))
	copy(out, rows)
	return out, nil
}

// IsReady always reports ready.
func (s *MemorySessionStore) IsReady(_ context.Context) (bool, string) {
	return true, "memory session store ready"
}

// Close is a no-op.
func (s *MemorySessionStore) Close() error {
	return nil
}

func sortTurnRecords(rows []StoredTurnRecord) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].TurnID < rows[j].TurnID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

// MemoryJobStore keeps async jobs in process memory.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]schemas.AsyncTurnJob
}

// NewMemoryJobStore returns an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]schemas.AsyncTurnJob)}
}

// CreateJob stores the job record.
func (s *MemoryJobStore) CreateJob(_ context.Context, job schemas.AsyncTurnJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

// UpsertJob replaces the whole job record.
func (s *MemoryJobStore) UpsertJob(_ context.Context, job schemas.AsyncTurnJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

// GetJob returns the job or ErrNotFound.
func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (schemas.AsyncTurnJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return schemas.AsyncTurnJob{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// IsReady always reports ready.
func (s *MemoryJobStore) IsReady(_ context.Context) (bool, string) {
	return true, "memory job store ready"
}

// Close is a no-op.
func (s *MemoryJobStore) Close() error {
	return nil
}

// cloneJob detaches the Result pointer so callers never share the
// stored record.
func cloneJob(job schemas.AsyncTurnJob) schemas.AsyncTurnJob {
	if job.Result != nil {
		result := *job.Result
		job.Result = &result
	}
	return job
}
