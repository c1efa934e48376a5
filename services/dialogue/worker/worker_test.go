// Copyright (C) 2025 The openTree Authors
// Tests for the async turn event worker

package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esoteriker/openTree/pkg/eventbus"
	"github.com/Esoteriker/openTree/pkg/persistence"
	"github.com/Esoteriker/openTree/pkg/schemas"
	"github.com/Esoteriker/openTree/services/dialogue/pipeline"
)

// scriptedRunner fails the first `failures` calls and succeeds after.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (r *scriptedRunner) Run(_ context.Context, tenantID, _ string, sessionID string, turn schemas.Turn, _ []schemas.Turn) (schemas.DialogueTurnResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return schemas.DialogueTurnResponse{}, fmt.Errorf("transient parser outage")
	}
	return schemas.DialogueTurnResponse{
		Turn: turn,
		Parse: schemas.ParseTurnResponse{
			TenantID:  tenantID,
			SessionID: sessionID,
			TurnID:    turn.TurnID,
		},
		GraphUpdate: schemas.GraphUpsertResponse{
			TenantID:  tenantID,
			SessionID: sessionID,
		},
		SuggestedQuestions: []schemas.Suggestion{},
	}, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func queuedJobFixture(t *testing.T, jobs persistence.JobStore) (schemas.AsyncTurnJob, eventbus.EventEnvelope) {
	t.Helper()
	turn := schemas.NewTurn("acme", "sess_demo", schemas.TurnCreateRequest{
		Speaker: schemas.SpeakerUser,
		Content: "hello",
	})
	job := schemas.AsyncTurnJob{
		JobID:     schemas.NewID("job"),
		TenantID:  "acme",
		SessionID: "sess_demo",
		TurnID:    turn.TurnID,
		Status:    schemas.JobQueued,
	}
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	payload, err := pipeline.IngestPayload{
		JobID:     job.JobID,
		TenantID:  job.TenantID,
		SessionID: job.SessionID,
		Turn:      turn,
		History:   []schemas.Turn{},
	}.Map()
	require.NoError(t, err)

	return job, eventbus.EventEnvelope{
		MessageID: "m1",
		Topic:     pipeline.TopicTurnIngested,
		Key:       turn.TurnID,
		Payload:   payload,
	}
}

func drain(t *testing.T, bus eventbus.Bus, topic string) []eventbus.EventEnvelope {
	t.Helper()
	messages, err := bus.Consume(context.Background(), topic, "test", "test", 10, 0)
	require.NoError(t, err)
	return messages
}

// =============================================================================
// handleTurnEvent Tests
// =============================================================================

func TestHandleTurnEvent_RetryThenSuccess(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	runner := &scriptedRunner{failures: 1}
	w := New(bus, jobs, runner, nil, Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

	job, message := queuedJobFixture(t, jobs)
	require.NoError(t, w.handleTurnEvent(context.Background(), message))

	assert.Equal(t, 2, runner.callCount())

	stored, err := jobs.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, job.TurnID, stored.Result.Turn.TurnID)
	assert.Empty(t, stored.Error)

	processed := drain(t, bus, pipeline.TopicTurnProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, job.JobID, processed[0].Payload["job_id"])
	assert.Equal(t, string(schemas.JobCompleted), processed[0].Payload["status"])
	assert.Equal(t, job.TurnID, processed[0].Key)

	assert.Empty(t, drain(t, bus, pipeline.TopicTurnDeadLetter))
}

func TestHandleTurnEvent_DeadLetterAfterMaxRetries(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	runner := &scriptedRunner{failures: 100}
	w := New(bus, jobs, runner, nil, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	job, message := queuedJobFixture(t, jobs)
	require.NoError(t, w.handleTurnEvent(context.Background(), message))

	assert.Equal(t, 2, runner.callCount())

	stored, err := jobs.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, "transient parser outage")
	assert.Nil(t, stored.Result)

	deadLetters := drain(t, bus, pipeline.TopicTurnDeadLetter)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, job.JobID, deadLetters[0].Payload["job_id"])
	assert.Equal(t, string(schemas.JobFailed), deadLetters[0].Payload["status"])
	assert.Equal(t, stored.Error, deadLetters[0].Payload["error"])
	assert.Equal(t, job.TurnID, deadLetters[0].Key)

	original, ok := deadLetters[0].Payload["payload"].(map[string]any)
	require.True(t, ok, "dead letter should carry the original ingest payload")
	assert.Equal(t, job.JobID, original["job_id"])

	assert.Empty(t, drain(t, bus, pipeline.TopicTurnProcessed))
}

func TestHandleTurnEvent_MissingJobSkipped(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	runner := &scriptedRunner{}
	w := New(bus, jobs, runner, nil, Config{})

	payload, err := pipeline.IngestPayload{
		JobID:     "job_unknown",
		TenantID:  "acme",
		SessionID: "sess_demo",
		Turn:      schemas.NewTurn("acme", "sess_demo", schemas.TurnCreateRequest{Speaker: schemas.SpeakerUser, Content: "hi"}),
	}.Map()
	require.NoError(t, err)

	message := eventbus.EventEnvelope{MessageID: "m1", Topic: pipeline.TopicTurnIngested, Payload: payload}
	require.NoError(t, w.handleTurnEvent(context.Background(), message))

	assert.Equal(t, 0, runner.callCount())
	assert.Empty(t, drain(t, bus, pipeline.TopicTurnProcessed))
	assert.Empty(t, drain(t, bus, pipeline.TopicTurnDeadLetter))
}

func TestHandleTurnEvent_TerminalJobSticky(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	runner := &scriptedRunner{}
	w := New(bus, jobs, runner, nil, Config{})

	job, message := queuedJobFixture(t, jobs)
	failed := job
	failed.Status = schemas.JobFailed
	failed.Error = "exhausted earlier"
	require.NoError(t, jobs.UpsertJob(context.Background(), failed))

	require.NoError(t, w.handleTurnEvent(context.Background(), message))

	assert.Equal(t, 0, runner.callCount(), "redelivery must not re-run terminal jobs")
	stored, err := jobs.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, stored.Status)
	assert.Equal(t, "exhausted earlier", stored.Error)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestWorker_ProcessesQueuedJob(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	runner := &scriptedRunner{}
	w := New(bus, jobs, runner, nil, Config{BatchSize: 5, Block: 20 * time.Millisecond})

	job, message := queuedJobFixture(t, jobs)
	_, err := bus.Publish(context.Background(), pipeline.TopicTurnIngested, message.Payload, message.Key)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	assert.Eventually(t, func() bool {
		stored, err := jobs.GetJob(context.Background(), job.JobID)
		return err == nil && stored.Status == schemas.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StartStop(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	jobs := persistence.NewMemoryJobStore()
	w := New(bus, jobs, &scriptedRunner{}, nil, Config{Block: 20 * time.Millisecond})

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start must be rejected")

	begin := time.Now()
	require.NoError(t, w.Stop())
	assert.Less(t, time.Since(begin), time.Second, "stop should drain quickly")

	assert.NoError(t, w.Stop(), "stop is idempotent")
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, "dialogue-service", cfg.Group)
	assert.Regexp(t, `^dialogue-[0-9a-f]{8}$`, cfg.Consumer)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Block)
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.BaseDelay)

	cfg = applyConfigDefaults(Config{MaxAttempts: 3, BaseDelay: time.Second})
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
}
