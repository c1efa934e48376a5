// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker consumes queued turn jobs from the event bus and
// drives them through the pipeline with bounded retries. Jobs that
// exhaust their retry budget are recorded as failed and forwarded to
// the dead-letter topic with their original payload.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Esoteriker/openTree/pkg/eventbus"
	"github.com/Esoteriker/openTree/pkg/observability"
	"github.com/Esoteriker/openTree/pkg/persistence"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/services/dialogue/pipeline"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the tunables for the turn event worker.
//
// # Fields
//
//   - Group: Consumer group name shared by all dialogue replicas.
//   - Consumer: Consumer name within the group. Empty picks a unique
//     dialogue-<8 hex> name.
//   - BatchSize: Messages fetched per poll. Default: 20.
//   - Block: How long one poll waits for messages. Default: 500ms.
//   - MaxAttempts: Pipeline attempts per job. Floor: 1.
//   - BaseDelay: Backoff base; attempt n waits BaseDelay * 2^(n-1).
//     Floor: 50ms.
type Config struct {
	Group       string
	Consumer    string
	BatchSize   int
	Block       time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Group == "" {
		cfg.Group = "dialogue-service"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "dialogue-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Block <= 0 {
		cfg.Block = 500 * time.Millisecond
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 50*time.Millisecond {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	return cfg
}

// =============================================================================
// Worker Implementation
// =============================================================================

// errStopRequested aborts an in-flight batch when Stop is called;
// the unacked messages redeliver to the next consumer.
var errStopRequested = errors.New("worker stop requested")

// Worker is the background consumer for the turn ingest topic.
//
// # Description
//
// Polls the consumer group in batches, runs every message through
// handleTurnEvent, and acks the batch as a whole afterwards. A
// redelivered message whose job already reached a terminal state is
// skipped so completed and failed jobs stay sticky; a job still
// marked processing from an interrupted run is executed again and its
// result overwritten.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. Only one run
// loop is active at a time.
type Worker struct {
	bus     eventbus.Bus
	jobs    persistence.JobStore
	runner  pipeline.Runner
	metrics *observability.Metrics
	cfg     Config

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates a worker over the given bus, job store, and pipeline.
// Metrics may be nil.
func New(bus eventbus.Bus, jobs persistence.JobStore, runner pipeline.Runner, metrics *observability.Metrics, cfg Config) *Worker {
	return &Worker{
		bus:     bus,
		jobs:    jobs,
		runner:  runner,
		metrics: metrics,
		cfg:     applyConfigDefaults(cfg),
	}
}

// Start launches the consume loop.
//
// # Inputs
//
//   - ctx: Cancelling it stops the loop, same as Stop().
//
// # Outputs
//
//   - error: Non-nil if the worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("turn event worker is already running")
	}
	w.running = true
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	w.mu.Unlock()

	slog.Info("Turn event worker starting",
		"group", w.cfg.Group,
		"consumer", w.cfg.Consumer,
		"max_attempts", w.cfg.MaxAttempts,
		"base_delay", w.cfg.BaseDelay.String(),
	)

	go w.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit and waits up to two seconds for the
// in-flight batch to finish. Safe to call multiple times.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)
	stopped := w.stopped
	w.mu.Unlock()

	slog.Info("Turn event worker stopping")
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		slog.Warn("Turn event worker did not drain within the stop window")
	}
	return nil
}

// runLoop polls for ingest messages until the context is cancelled or
// Stop is called. Each non-empty batch is handled message by message
// and then acked in one call, including messages that dead-lettered.
func (w *Worker) runLoop(ctx context.Context) {
	defer close(w.stopped)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Turn event worker stopped (context cancelled)")
			return
		case <-w.done:
			slog.Info("Turn event worker stopped (stop requested)")
			return
		default:
		}

		messages, err := w.bus.Consume(ctx, pipeline.TopicTurnIngested, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Turn event worker stopped (context cancelled)")
				return
			}
			slog.Warn("Turn event consume failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-time.After(w.cfg.Block):
			}
			continue
		}
		if len(messages) == 0 {
			continue
		}
		if w.metrics != nil {
			w.metrics.RecordEventsConsumed(pipeline.TopicTurnIngested, len(messages))
		}

		aborted := false
		for _, message := range messages {
			if err := w.handleTurnEvent(ctx, message); err != nil {
				// Shutdown mid-batch: leave the batch unacked so the
				// group redelivers it.
				slog.Info("Turn event batch abandoned", "reason", err)
				aborted = true
				break
			}
		}
		if aborted {
			return
		}

		if err := w.bus.Ack(ctx, pipeline.TopicTurnIngested, w.cfg.Group, messages); err != nil {
			slog.Warn("Turn event ack failed", "count", len(messages), "error", err)
		}
	}
}

// handleTurnEvent runs one queued job through the pipeline with
// retries.
//
// # Description
//
// Messages without a decodable payload or without a job record are
// logged and dropped. Live jobs are marked processing, then attempted
// up to MaxAttempts times with exponential backoff between attempts.
// Success stores the completed job with its result and publishes
// turn.processed; exhaustion stores the failed job with the last
// error and publishes turn.dead_letter carrying the original payload.
//
// # Outputs
//
//   - error: Non-nil only when shutdown interrupted the job mid-retry;
//     the job record is left as-is for redelivery.
func (w *Worker) handleTurnEvent(ctx context.Context, message eventbus.EventEnvelope) error {
	ingest, err := pipeline.IngestFromMap(message.Payload)
	if err != nil {
		slog.Warn("Discarding malformed turn event", "message_id", message.MessageID, "error", err)
		return nil
	}

	job, err := w.jobs.GetJob(ctx, ingest.JobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			slog.Warn("Skipping turn event without a job record", "job_id", ingest.JobID, "message_id", message.MessageID)
		} else {
			slog.Error("Job lookup failed for turn event", "job_id", ingest.JobID, "error", err)
		}
		return nil
	}
	if job.Status.Terminal() {
		slog.Debug("Skipping redelivered turn event for terminal job", "job_id", job.JobID, "status", string(job.Status))
		return nil
	}

	processing := job
	processing.Status = schemas.JobProcessing
	if err := w.jobs.UpsertJob(ctx, processing); err != nil {
		slog.Warn("Failed to mark job processing", "job_id", job.JobID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.RecordAsyncJob(string(schemas.JobProcessing))
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if w.metrics != nil {
			w.metrics.RecordAsyncAttempt()
		}
		result, err := w.runner.Run(ctx, ingest.TenantID, ingest.APIKey, ingest.SessionID, ingest.Turn, ingest.History)
		if err == nil {
			completed := schemas.AsyncTurnJob{
				JobID:     job.JobID,
				TenantID:  ingest.TenantID,
				SessionID: ingest.SessionID,
				TurnID:    ingest.Turn.TurnID,
				Status:    schemas.JobCompleted,
				Result:    &result,
			}
			if err := w.jobs.UpsertJob(ctx, completed); err != nil {
				slog.Error("Failed to store completed job", "job_id", job.JobID, "error", err)
			}
			if w.metrics != nil {
				w.metrics.RecordAsyncJob(string(schemas.JobCompleted))
			}
			w.publish(ctx, pipeline.TopicTurnProcessed, map[string]any{
				"job_id":     job.JobID,
				"tenant_id":  ingest.TenantID,
				"session_id": ingest.SessionID,
				"turn_id":    ingest.Turn.TurnID,
				"status":     string(schemas.JobCompleted),
			}, ingest.Turn.TurnID)
			return nil
		}

		lastErr = err
		slog.Warn("Async turn attempt failed",
			"job_id", job.JobID,
			"attempt", attempt,
			"max_attempts", w.cfg.MaxAttempts,
			"error", err,
		)
		if attempt < w.cfg.MaxAttempts {
			wait := w.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.done:
				return errStopRequested
			case <-time.After(wait):
			}
		}
	}

	failed := job
	failed.Status = schemas.JobFailed
	failed.Error = lastErr.Error()
	if err := w.jobs.UpsertJob(ctx, failed); err != nil {
		slog.Error("Failed to store failed job", "job_id", job.JobID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.RecordAsyncJob(string(schemas.JobFailed))
	}
	w.publish(ctx, pipeline.TopicTurnDeadLetter, map[string]any{
		"job_id":     failed.JobID,
		"tenant_id":  failed.TenantID,
		"session_id": failed.SessionID,
		"turn_id":    failed.TurnID,
		"status":     string(failed.Status),
		"error":      failed.Error,
		"payload":    message.Payload,
	}, failed.TurnID)
	return nil
}

func (w *Worker) publish(ctx context.Context, topic string, payload map[string]any, key string) {
	if _, err := w.bus.Publish(ctx, topic, payload, key); err != nil {
		slog.Warn("Event publish failed", "topic", topic, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordEventPublished(topic)
	}
}
