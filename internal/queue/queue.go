// SPDX-License-Identifier: MIT

// Package queue wraps the named Redis lists that connect the scheduler
// to the worker pool and the worker pool to its downstream consumers.
// Queues are the only synchronization between the two sides.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/metrics"
)

// Queue names. Deep queues are popped in the order listed: the
// emergency queue has absolute priority on every worker iteration.
const (
	Emergency   = "deep_processing_emergency"
	Enterprise  = "deep_processing_enterprise"
	Premium     = "deep_processing_premium"
	Standard    = "deep_processing_standard"
	Completions = "scheduler_completions"
	Digest      = "digest_queue"
)

// DeepQueues is the worker-side pop priority order.
var DeepQueues = []string{Emergency, Enterprise, Premium, Standard}

// ErrEmpty is returned by Pop when no payload arrived within the
// blocking window.
var ErrEmpty = errors.New("queues empty")

// ForTier maps a deep tier to its queue name.
func ForTier(t event.Tier) string {
	return "deep_processing_" + t.QueueSuffix()
}

// Queues is the Redis list client shared by scheduler and workers.
type Queues struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New creates a queue client.
func New(rdb *redis.Client, logger zerolog.Logger) *Queues {
	return &Queues{rdb: rdb, logger: logger.With().Str("component", "queue").Logger()}
}

// Push JSON-encodes payload and appends it to the named queue.
func (q *Queues) Push(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue %s: marshal: %w", name, err)
	}
	if err := q.rdb.LPush(ctx, name, data).Err(); err != nil {
		q.logger.Error().Err(err).Str("queue", name).Msg("push failed")
		return fmt.Errorf("queue %s: push: %w", name, err)
	}
	return nil
}

// Pop blocks up to timeout on the given queues in strict order and
// returns the first payload available. ErrEmpty means the window
// elapsed with nothing to do.
func (q *Queues) Pop(ctx context.Context, names []string, timeout time.Duration) (string, []byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, names...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrEmpty
	}
	if err != nil {
		return "", nil, fmt.Errorf("queue pop: %w", err)
	}
	// BRPOP replies [key, value].
	return res[0], []byte(res[1]), nil
}

// Len reports one queue's current length and refreshes its gauge.
func (q *Queues) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: len: %w", name, err)
	}
	metrics.QueueLength.WithLabelValues(name).Set(float64(n))
	return n, nil
}

// DeepBacklog sums the deep queue lengths.
func (q *Queues) DeepBacklog(ctx context.Context) (int64, error) {
	var total int64
	for _, name := range DeepQueues {
		n, err := q.Len(ctx, name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Lengths reports every named queue's length for stats surfaces.
func (q *Queues) Lengths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, name := range append(append([]string{}, DeepQueues...), Completions, Digest) {
		n, err := q.Len(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}
