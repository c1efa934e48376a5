// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eventbus provides the publish/consume/ack abstraction the
// dialogue pipeline is built on.
//
// Two interchangeable backends implement the Bus interface:
//
//   - InMemoryBus: a per-topic FIFO queue with pop-on-consume
//     semantics. Groups and consumer names are ignored; Ack is a
//     no-op. Intended for single-process deployments and tests.
//   - RedisStreamBus: one Redis stream per topic with consumer-group
//     semantics. Unacked messages are redelivered by Redis after its
//     visibility timeout; Ack acknowledges processed ids to the group.
//
// Within one topic a single consumer observes FIFO order on the
// in-memory bus. The durable bus guarantees per-key ordering only to
// the extent Redis streams do; callers must not assume global order.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/Esoteriker/openTree/pkg/config"
)

// EventEnvelope is one consumed message.
type EventEnvelope struct {
	MessageID string
	Topic     string
	Key       string
	Payload   map[string]any
}

// Bus is the event bus contract shared by both backends.
type Bus interface {
	// Publish appends a message to the topic and returns the
	// backend-assigned message id. Key may be empty.
	Publish(ctx context.Context, topic string, payload map[string]any, key string) (string, error)

	// Consume drains up to count messages for the group. When no
	// message is available it blocks for at most block and returns an
	// empty batch.
	Consume(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]EventEnvelope, error)

	// Ack acknowledges the given messages to the group. A no-op on
	// backends with pop-on-consume semantics.
	Ack(ctx context.Context, topic, group string, messages []EventEnvelope) error

	// Close releases backend resources.
	Close() error
}

// New builds the bus selected by EVENT_BUS_BACKEND.
func New(cfg config.Settings) (Bus, error) {
	switch cfg.EventBusBackend {
	case "redis":
		return NewRedisStreamBus(cfg.RedisURL, cfg.RedisStreamPrefix)
	case "", "inmemory", "memory":
		return NewInMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.EventBusBackend)
	}
}
