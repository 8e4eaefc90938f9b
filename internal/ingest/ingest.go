// SPDX-License-Identifier: MIT

// Package ingest accepts raw camera events and triage results from the
// edge collaborators and feeds the candidate store. Life-safety events
// skip the store queue discipline and go straight to preemption.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/metrics"
	"github.com/nightwatch-systems/nightwatch/internal/scheduler"
	"github.com/nightwatch-systems/nightwatch/internal/scoring"
	"github.com/nightwatch-systems/nightwatch/internal/store"
)

// Service routes inbound events into the pipeline.
type Service struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	logger zerolog.Logger
}

// New creates an ingest service.
func New(st *store.Store, sched *scheduler.Scheduler, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		sched:  sched,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Accepted describes what happened to an inbound event.
type Accepted struct {
	EventID    string `json:"event_id"`
	HomeID     string `json:"home_id"`
	Tier       string `json:"tier"`
	Priority   string `json:"priority"`
	LifeSafety bool   `json:"life_safety"`
}

// OnNewEvent validates an inbound event, stores it as a candidate and
// preempts immediately when it qualifies as life-safety.
func (s *Service) OnNewEvent(ctx context.Context, ev event.Ingest, lite *event.LiteResults) (Accepted, error) {
	c, err := event.FromIngest(ev, lite)
	if err != nil {
		metrics.BadInputTotal.WithLabelValues("ingest").Inc()
		return Accepted{}, fmt.Errorf("ingest: %w", err)
	}

	if c.LiteProcessed {
		s.recordBand(c)
	}

	if err := s.store.Add(ctx, c); err != nil {
		return Accepted{}, err
	}

	acc := Accepted{
		EventID:  c.EventID,
		HomeID:   c.HomeID,
		Tier:     c.Tier.String(),
		Priority: c.Priority.String(),
	}

	if scheduler.IsLifeSafety(c) {
		if err := s.sched.PreemptLifeSafety(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("event_id", c.EventID).Msg("preemption failed, candidate left stored")
		} else {
			acc.LifeSafety = true
		}
	}

	s.logger.Info().
		Str("event_id", acc.EventID).
		Str("home_id", acc.HomeID).
		Str("tier", acc.Tier).
		Bool("life_safety", acc.LifeSafety).
		Msg("event accepted")
	return acc, nil
}

// OnLiteResults attaches late triage output to a stored candidate,
// rescoring it and re-checking the life-safety triggers the explainer
// may have introduced.
func (s *Service) OnLiteResults(ctx context.Context, eventID, homeID string, lite event.LiteResults) error {
	if homeID == "" {
		c, err := s.store.Get(ctx, eventID)
		if err != nil {
			return err
		}
		homeID = c.HomeID
	}

	if err := s.store.SetLiteResults(ctx, eventID, homeID, lite); err != nil {
		return err
	}

	c, err := s.store.Get(ctx, eventID)
	if err != nil {
		return err
	}
	s.recordBand(c)

	if scheduler.IsLifeSafety(c) {
		if err := s.sched.PreemptLifeSafety(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("event_id", eventID).Msg("preemption failed, candidate left stored")
		}
	}
	return nil
}

// recordBand evaluates the lite scoring contract for observability; the
// band does not gate anything here, downstream notification policy
// consumes it.
func (s *Service) recordBand(c *event.Candidate) {
	// Perimeter distance is a device-side signal; the server re-run
	// treats it as far away so the boost never fires here.
	res := scoring.Evaluate(scoring.Input{
		Channels:             c.LiteChannels,
		Mode:                 c.Mode,
		DistanceToPerimeterM: 1000,
		IsNight:              event.TimeOfDayFactor(c.CreatedAt) == 1.5,
	})
	metrics.LiteBandTotal.WithLabelValues(c.Mode, string(res.Band)).Inc()
}
