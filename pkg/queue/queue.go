// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue hands incident IDs from the correlation engine to the
// downstream summarizer and enrichment workers. It ships two
// implementations of the same interface: an in-process channel queue for
// single-instance deployments, and a Redis-backed list queue for
// multi-instance ones.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgesentinel/sentinel/pkg/metrics"
)

// brpopTimeout matches the Python RedisSummaryQueue's 30-second BRPOP
// poll interval.
const brpopTimeout = 30 * time.Second

// Queue hands off incident IDs between the correlation engine and the
// downstream workers (summarizer, enrichment). Enqueue is best-effort:
// a full queue drops the item rather than blocking the caller.
type Queue interface {
	Enqueue(ctx context.Context, incidentID string) error
	// Dequeue blocks until an item is available or ctx is done.
	// RedisQueue also returns ("", nil) when its BRPOP poll times out
	// with nothing to report; InProcessQueue never does.
	Dequeue(ctx context.Context) (string, error)
}

// InProcessQueue is a bounded, best-effort FIFO queue used when no
// REDIS_URL is configured. Enqueue never blocks: a full queue drops the
// incoming ID, mirroring summary_jobs' "queueing is best-effort in v1"
// contract.
type InProcessQueue struct {
	ch chan string
}

// NewInProcessQueue constructs an InProcessQueue with the given
// capacity.
func NewInProcessQueue(capacity int) *InProcessQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InProcessQueue{ch: make(chan string, capacity)}
}

// Enqueue submits incidentID, dropping it silently if the queue is full.
func (q *InProcessQueue) Enqueue(ctx context.Context, incidentID string) error {
	select {
	case q.ch <- incidentID:
	default:
	}
	metrics.QueueDepth.WithLabelValues(defaultQueueName).Set(float64(len(q.ch)))
	return nil
}

// Dequeue blocks until an item is queued or ctx is done.
func (q *InProcessQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		metrics.QueueDepth.WithLabelValues(defaultQueueName).Set(float64(len(q.ch)))
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RedisQueue is a Redis list used as a FIFO queue (LPUSH/BRPOP), for
// deployments that run more than one sentinel process sharing a queue.
type RedisQueue struct {
	client    *redis.Client
	queueName string
}

const defaultQueueName = "summary_jobs"

// NewRedisQueue constructs a RedisQueue from a redis:// or rediss:// URL.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return &RedisQueue{client: redis.NewClient(opts), queueName: defaultQueueName}, nil
}

// Enqueue pushes incidentID onto the Redis list.
func (q *RedisQueue) Enqueue(ctx context.Context, incidentID string) error {
	if err := q.client.LPush(ctx, q.queueName, incidentID).Err(); err != nil {
		return fmt.Errorf("queue: lpush: %w", err)
	}
	if depth, err := q.client.LLen(ctx, q.queueName).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues(q.queueName).Set(float64(depth))
	}
	return nil
}

// Dequeue blocking-pops the next incident ID, matching the Python
// implementation's 30-second BRPOP poll interval so workers wake
// periodically even with an empty queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	result, err := q.client.BRPop(ctx, brpopTimeout, q.queueName).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: brpop: %w", err)
	}
	if len(result) != 2 {
		return "", nil
	}
	return result[1], nil
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// New builds a Queue from a REDIS_URL setting: a redis://-prefixed URL
// yields a RedisQueue, anything else (including empty) falls back to an
// in-process queue.
func New(redisURL string, inProcessCapacity int) (Queue, error) {
	trimmed := strings.TrimSpace(redisURL)
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		return NewRedisQueue(trimmed)
	}
	return NewInProcessQueue(inProcessCapacity), nil
}
