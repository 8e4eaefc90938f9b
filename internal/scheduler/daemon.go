// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives the scheduler until ctx is cancelled: one goroutine ticks
// rounds at the configured interval, a second drains completions. The
// first round fires immediately so a restart does not wait a full
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.RoundInterval)
		defer ticker.Stop()
		for {
			if _, err := s.Round(ctx); err != nil {
				s.logger.Error().Err(err).Msg("round failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		return s.ConsumeCompletions(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
