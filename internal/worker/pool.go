// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nightwatch-systems/nightwatch/internal/queue"
)

// Pool runs a fixed set of workers over the same queues.
type Pool struct {
	workers []*Worker
	logger  zerolog.Logger
}

// NewPool creates n workers sharing one detector and fetcher.
func NewPool(n int, rdb *redis.Client, q *queue.Queues, det Detector, fetch Fetcher, logger zerolog.Logger, cfg Config) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{logger: logger.With().Str("component", "worker_pool").Logger()}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, New(rdb, q, det, fetch, logger, cfg))
	}
	return p
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", len(p.workers)).Msg("pool starting")
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
