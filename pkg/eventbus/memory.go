// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBus is a mutex-guarded per-topic FIFO queue. Consume pops
// messages immediately, so Ack has nothing to do.
type InMemoryBus struct {
	mu     sync.Mutex
	topics map[string][]EventEnvelope
}

// NewInMemoryBus returns an empty in-process bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{topics: make(map[string][]EventEnvelope)}
}

// Publish appends the message to the topic queue.
func (b *InMemoryBus) Publish(_ context.Context, topic string, payload map[string]any, key string) (string, error) {
	messageID := strings.ReplaceAll(uuid.New().String(), "-", "")
	envelope := EventEnvelope{
		MessageID: messageID,
		Topic:     topic,
		Key:       key,
		Payload:   payload,
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], envelope)
	b.mu.Unlock()
	return messageID, nil
}

// Consume pops up to count messages. When the queue is empty it
// sleeps for block (or until the context is cancelled) and returns an
// empty batch.
func (b *InMemoryBus) Consume(ctx context.Context, topic, _, _ string, count int, block time.Duration) ([]EventEnvelope, error) {
	b.mu.Lock()
	queue := b.topics[topic]
	n := count
	if n > len(queue) {
		n = len(queue)
	}
	out := make([]EventEnvelope, n)
	copy(out, queue[:n])
	b.topics[topic] = queue[n:]
	b.mu.Unlock()

	if len(out) == 0 && block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	return out, nil
}

// Ack is a no-op: messages are removed when consumed.
func (b *InMemoryBus) Ack(_ context.Context, _, _ string, _ []EventEnvelope) error {
	return nil
}

// Close is a no-op.
func (b *InMemoryBus) Close() error {
	return nil
}
