// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamBus maps each topic onto one Redis stream named
// <prefix>:<topic>. Consumer groups are created lazily on first
// consume.
type RedisStreamBus struct {
	client *redis.Client
	prefix string

	mu         sync.Mutex
	groupReady map[string]struct{}
}

// NewRedisStreamBus connects to the Redis at redisURL. The connection
// is lazy; readiness is observable through the first publish.
func NewRedisStreamBus(redisURL, streamPrefix string) (*RedisStreamBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisStreamBus{
		client:     redis.NewClient(opts),
		prefix:     streamPrefix,
		groupReady: make(map[string]struct{}),
	}, nil
}

func (b *RedisStreamBus) streamName(topic string) string {
	return b.prefix + ":" + topic
}

// ensureGroup creates the consumer group once per (stream, group).
// An already-existing group (BUSYGROUP) is not an error.
func (b *RedisStreamBus) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "|" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groupReady[key]; ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	b.groupReady[key] = struct{}{}
	return nil
}

// Publish appends {payload: <json>, key?: <key>} to the topic stream
// and returns the Redis message id.
func (b *RedisStreamBus) Publish(ctx context.Context, topic string, payload map[string]any, key string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for %s: %w", topic, err)
	}
	values := map[string]any{"payload": string(body)}
	if key != "" {
		values["key"] = key
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamName(topic),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Consume reads unseen messages (">") for the group, blocking up to
// block when the stream is empty.
func (b *RedisStreamBus) Consume(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]EventEnvelope, error) {
	stream := b.streamName(topic)
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	rows, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", topic, err)
	}

	var out []EventEnvelope
	for _, row := range rows {
		for _, message := range row.Messages {
			out = append(out, decodeMessage(topic, message))
		}
	}
	return out, nil
}

// decodeMessage converts one stream entry into an envelope. A payload
// that does not decode yields an empty map so one poisoned entry
// cannot wedge the consumer loop.
func decodeMessage(topic string, message redis.XMessage) EventEnvelope {
	envelope := EventEnvelope{
		MessageID: message.ID,
		Topic:     topic,
		Payload:   map[string]any{},
	}
	if key, ok := message.Values["key"].(string); ok {
		envelope.Key = key
	}
	raw, ok := message.Values["payload"].(string)
	if !ok {
		return envelope
	}
	if err := json.Unmarshal([]byte(raw), &envelope.Payload); err != nil {
		slog.Warn("discarding undecodable event payload",
			"topic", topic, "message_id", message.ID, "error", err)
		envelope.Payload = map[string]any{}
	}
	return envelope
}

// Ack acknowledges the batch to the consumer group.
func (b *RedisStreamBus) Ack(ctx context.Context, topic, group string, messages []EventEnvelope) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i, message := range messages {
		ids[i] = message.MessageID
	}
	if err := b.client.XAck(ctx, b.streamName(topic), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d messages on %s: %w", len(ids), topic, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (b *RedisStreamBus) Close() error {
	return b.client.Close()
}
