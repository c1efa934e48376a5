// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persistence provides the session and job stores behind the
// dialogue orchestrator.
//
// # Session store
//
// Sessions are unique by (tenant_id, session_id); turns by
// (tenant_id, session_id, turn_id). Both writes are upserts, so
// re-appending a turn id is idempotent. ListTurns returns rows sorted
// by (created_at, turn_id); turn content is stored as ciphertext and
// only the caller decides when to decrypt.
//
// # Job store
//
// Async pipeline jobs keyed by job_id. UpsertJob replaces the whole
// record atomically; durable backends expire records after the
// configured TTL.
//
// Backends are selected from configuration: memory (default) or
// postgres for sessions; memory, redis, or badger for jobs. The
// memory implementations satisfy the full contract and are what the
// tests run against.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Esoteriker/openTree/pkg/config"
	"github.com/Esoteriker/openTree/pkg/schemas"
)

// ErrNotFound is returned when a session or job does not exist.
var ErrNotFound = errors.New("not found")

// StoredTurnRecord is a turn row at rest: everything a Turn carries
// except that content is ciphertext.
type StoredTurnRecord struct {
	TurnID            string
	TenantID          string
	SessionID         string
	Speaker           schemas.Speaker
	ParentTurnID      string
	CreatedAt         time.Time
	ContentCiphertext string
}

// SessionStore persists sessions and their turns.
type SessionStore interface {
	CreateSession(ctx context.Context, session schemas.Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (schemas.Session, error)
	AppendTurn(ctx context.Context, turn schemas.Turn, contentCiphertext string) error
	ListTurns(ctx context.Context, tenantID, sessionID string) ([]StoredTurnRecord, error)
	IsReady(ctx context.Context) (bool, string)
	Close() error
}

// JobStore persists async pipeline jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job schemas.AsyncTurnJob) error
	UpsertJob(ctx context.Context, job schemas.AsyncTurnJob) error
	GetJob(ctx context.Context, jobID string) (schemas.AsyncTurnJob, error)
	IsReady(ctx context.Context) (bool, string)
	Close() error
}

// NewSessionStore builds the store selected by SESSION_STORE_BACKEND.
func NewSessionStore(cfg config.Settings) (SessionStore, error) {
	switch cfg.SessionStoreBackend {
	case "postgres":
		return NewPostgresSessionStore(cfg.PostgresDSN)
	case "", "memory":
		return NewMemorySessionStore(), nil
	default:
		return nil, fmt.Errorf("unknown session store backend %q", cfg.SessionStoreBackend)
	}
}

// NewJobStore builds the store selected by JOB_STORE_BACKEND.
func NewJobStore(cfg config.Settings) (JobStore, error) {
	switch cfg.JobStoreBackend {
	case "redis":
		return NewRedisJobStore(cfg.RedisURL, cfg.RedisStreamPrefix, cfg.AsyncJobTTL)
	case "badger":
		return NewBadgerJobStore(cfg.BadgerJobDir, cfg.AsyncJobTTL)
	case "", "memory":
		return NewMemoryJobStore(), nil
	default:
		return nil, fmt.Errorf("unknown job store backend %q", cfg.JobStoreBackend)
	}
}
