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

	"github.com/redis/go-redis/v9"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// RedisJobStore keeps jobs as JSON values under
// <prefix>:job:<job_id>, each with the configured TTL.
type RedisJobStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisJobStore connects to the Redis at redisURL.
func NewRedisJobStore(redisURL, streamPrefix string, ttl time.Duration) (*RedisJobStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisJobStore{
		client: redis.NewClient(opts),
		prefix: streamPrefix + ":job",
		ttl:    ttl,
	}, nil
}

func (s *RedisJobStore) key(jobID string) string {
	return s.prefix + ":" + jobID
}

func (s *RedisJobStore) set(ctx context.Context, job schemas.AsyncTurnJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	if err := s.client.Set(ctx, s.key(job.JobID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.JobID, err)
	}
	return nil
}

// CreateJob stores the job record with the configured TTL.
func (s *RedisJobStore) CreateJob(ctx context.Context, job schemas.AsyncTurnJob) error {
	return s.set(ctx, job)
}

// UpsertJob replaces the job record and refreshes its TTL.
func (s *RedisJobStore) UpsertJob(ctx context.Context, job schemas.AsyncTurnJob) error {
	return s.set(ctx, job)
}

// GetJob returns the job or ErrNotFound once the record expired.
func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (schemas.AsyncTurnJob, error) {
	payload, err := s.client.Get(ctx, s.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return schemas.AsyncTurnJob{}, ErrNotFound
	}
	if err != nil {
		return schemas.AsyncTurnJob{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	var job schemas.AsyncTurnJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return schemas.AsyncTurnJob{}, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return job, nil
}

// IsReady pings Redis.
func (s *RedisJobStore) IsReady(ctx context.Context) (bool, string) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Sprintf("redis job store not ready: %v", err)
	}
	return true, "redis job store ready"
}

// Close closes the Redis client.
func (s *RedisJobStore) Close() error {
	return s.client.Close()
}
