// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// BadgerJobStore keeps jobs in an embedded BadgerDB with native TTL
// on every entry. With no directory configured it runs fully in
// memory, which is the mode tests and single-node dev setups use.
type BadgerJobStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerJobStore opens (or creates) the database at dir. An empty
// dir selects in-memory mode.
func NewBadgerJobStore(dir string, ttl time.Duration) (*BadgerJobStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger job store: %w", err)
	}
	return &BadgerJobStore{db: db, ttl: ttl}, nil
}

func jobKey(jobID string) []byte {
	return []byte("job:" + jobID)
}

func (s *BadgerJobStore) set(job schemas.AsyncTurnJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(jobKey(job.JobID), payload)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.JobID, err)
	}
	return nil
}

// CreateJob stores the job record with the configured TTL.
func (s *BadgerJobStore) CreateJob(_ context.Context, job schemas.AsyncTurnJob) error {
	return s.set(job)
}

// UpsertJob replaces the job record and refreshes its TTL.
func (s *BadgerJobStore) UpsertJob(_ context.Context, job schemas.AsyncTurnJob) error {
	return s.set(job)
}

// GetJob returns the job or ErrNotFound once the entry expired.
func (s *BadgerJobStore) GetJob(_ context.Context, jobID string) (schemas.AsyncTurnJob, error) {
	var job schemas.AsyncTurnJob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(payload []byte) error {
			return json.Unmarshal(payload, &job)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return schemas.AsyncTurnJob{}, ErrNotFound
	}
	if err != nil {
		return schemas.AsyncTurnJob{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// IsReady reports whether the database is open.
func (s *BadgerJobStore) IsReady(_ context.Context) (bool, string) {
	if s.db.IsClosed() {
		return false, "badger job store closed"
	}
	return true, "badger job store ready"
}

// Close closes the database.
func (s *BadgerJobStore) Close() error {
	return s.db.Close()
}
