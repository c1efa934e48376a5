// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

const sessionsDDL = `
CREATE TABLE IF NOT EXISTS dialogue_sessions (
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, session_id)
)`

const turnsDDL = `
CREATE TABLE IF NOT EXISTS dialogue_turns (
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	speaker TEXT NOT NULL,
	parent_turn_id TEXT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	content_ciphertext TEXT NOT NULL,
	PRIMARY KEY (tenant_id, session_id, turn_id),
	CONSTRAINT fk_turn_session
		FOREIGN KEY (tenant_id, session_id)
		REFERENCES dialogue_sessions(tenant_id, session_id)
		ON DELETE CASCADE
)`

const turnsIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_dialogue_turns_lookup
ON dialogue_turns (tenant_id, session_id, created_at, turn_id)`

// PostgresSessionStore persists sessions and turns in PostgreSQL.
// The schema is bootstrapped on construction.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore opens a connection pool for the DSN and
// ensures the schema exists.
func NewPostgresSessionStore(dsn string) (*PostgresSessionStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	store := &PostgresSessionStore{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresSessionStore) ensureSchema(ctx context.Context) error {
	for _, ddl := range []string{sessionsDDL, turnsDDL, turnsIndexDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure dialogue schema: %w", err)
		}
	}
	return nil
}

// CreateSession upserts the session row.
func (s *PostgresSessionStore) CreateSession(ctx context.Context, session schemas.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dialogue_sessions(tenant_id, session_id, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, session_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    metadata = EXCLUDED.metadata,
		    created_at = EXCLUDED.created_at`,
		session.TenantID, session.SessionID, session.UserID, metadata, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", session.SessionID, err)
	}
	return nil
}

// GetSession returns the session or ErrNotFound.
func (s *PostgresSessionStore) GetSession(ctx context.Context, tenantID, sessionID string) (schemas.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, session_id, user_id, metadata, created_at
		FROM dialogue_sessions
		WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID)

	var session schemas.Session
	var metadata []byte
	err := row.Scan(&session.TenantID, &session.SessionID, &session.UserID, &metadata, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schemas.Session{}, ErrNotFound
	}
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	session.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			session.Metadata = map[string]any{}
		}
	}
	return session, nil
}

// AppendTurn upserts the turn row by (tenant_id, session_id, turn_id).
func (s *PostgresSessionStore) AppendTurn(ctx context.Context, turn schemas.Turn, contentCiphertext string) error {
	var parent sql.NullString
	if turn.ParentTurnID != "" {
		parent = sql.NullString{String: turn.ParentTurnID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dialogue_turns(
			tenant_id, session_id, turn_id, speaker, parent_turn_id, created_at, content_ciphertext
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, session_id, turn_id) DO UPDATE
		SET speaker = EXCLUDED.speaker,
		    parent_turn_id = EXCLUDED.parent_turn_id,
		    created_at = EXCLUDED.created_at,
		    content_ciphertext = EXCLUDED.content_ciphertext`,
		turn.TenantID, turn.SessionID, turn.TurnID, string(turn.Speaker),
		parent, turn.CreatedAt, contentCiphertext)
	if err != nil {
		return fmt.Errorf("failed to append turn %s: %w", turn.TurnID, err)
	}
	return nil
}

// ListTurns returns the scope's rows ordered by (created_at, turn_id).
func (s *PostgresSessionStore) ListTurns(ctx context.Context, tenantID, sessionID string) ([]StoredTurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, tenant_id, session_id, speaker, parent_turn_id, created_at, content_ciphertext
		FROM dialogue_turns
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at ASC, turn_id ASC`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []StoredTurnRecord
	for rows.Next() {
		var record StoredTurnRecord
		var speaker string
		var parent sql.NullString
		if err := rows.Scan(&record.TurnID, &record.TenantID, &record.SessionID,
			&speaker, &parent, &record.CreatedAt, &record.ContentCiphertext); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		record.Speaker = schemas.Speaker(speaker)
		switch record.Speaker {
		case schemas.SpeakerUser, schemas.SpeakerAssistant, schemas.SpeakerSystem:
		default:
			record.Speaker = schemas.SpeakerUser
		}
		record.ParentTurnID = parent.String
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turn rows: %w", err)
	}
	return out, nil
}

// IsReady pings the database.
func (s *PostgresSessionStore) IsReady(ctx context.Context) (bool, string) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, fmt.Sprintf("postgres session store not ready: %v", err)
	}
	return true, "postgres session store ready"
}

// Close releases the connection pool.
func (s *PostgresSessionStore) Close() error {
	return s.db.Close()
}
