// SPDX-License-Identifier: MIT

// Package scheduler runs the periodic selection rounds that turn stored
// candidates into processing sessions, paced per tier by token buckets
// and shed under backlog pressure by the autothrottle. Life-safety
// events bypass the rounds entirely.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/metrics"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/ratelimit"
	"github.com/nightwatch-systems/nightwatch/internal/session"
	"github.com/nightwatch-systems/nightwatch/internal/store"
)

const (
	// roundMetricsKey keeps the last hundred round summaries for the
	// stats surface.
	roundMetricsKey = "scheduler_metrics"
	roundMetricsCap = 100

	// lifeSafetyDeadlineMS is the hard deadline for preempted sessions.
	lifeSafetyDeadlineMS = 2000
	// lifeSafetyK mirrors the burst allowance downstream consumers
	// expect on emergency sessions.
	lifeSafetyK = 12

	// processingGrace pads the processing marker TTL past the session
	// deadline so slow completions are not treated as lost.
	processingGrace = 60 * time.Second

	// detailCacheTTL keeps event details readable by workers after the
	// candidate leaves the store.
	detailCacheTTL = 24 * time.Hour
)

// Config tunes a scheduler; zero values select the defaults.
type Config struct {
	// TopKLimit bounds how many candidates one tier scan returns.
	TopKLimit int
	// MaxBatchSize bounds sessions enqueued per tier per round.
	MaxBatchSize int
	// ProcessingTimeout is the per-session deadline for regular rounds.
	ProcessingTimeout time.Duration
	// NumGPUs scales the autothrottle threshold.
	NumGPUs int
	// AutothrottleThreshold is the backlog above which buckets shrink.
	// Zero means 150 per GPU.
	AutothrottleThreshold int
	// ThrottleFactor is the capacity reduction applied when throttling.
	ThrottleFactor float64
	// RoundInterval paces the daemon loop.
	RoundInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopKLimit <= 0 {
		c.TopKLimit = 50
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	if c.NumGPUs <= 0 {
		c.NumGPUs = 1
	}
	if c.AutothrottleThreshold <= 0 {
		c.AutothrottleThreshold = 150 * c.NumGPUs
	}
	if c.ThrottleFactor <= 0 {
		c.ThrottleFactor = 0.40
	}
	if c.RoundInterval <= 0 {
		c.RoundInterval = 30 * time.Second
	}
	return c
}

// TierStats summarises one tier's slice of a round.
type TierStats struct {
	Scanned          int     `json:"scanned"`
	Scheduled        int     `json:"scheduled"`
	RateLimited      int     `json:"rate_limited"`
	NextAvailableSec float64 `json:"next_available_seconds,omitempty"`
}

// RoundStats summarises one scheduling round.
type RoundStats struct {
	Timestamp  time.Time            `json:"timestamp"`
	Backlog    int64                `json:"backlog"`
	InFlight   int                  `json:"in_flight"`
	Throttled  bool                 `json:"throttled"`
	DurationMS int64                `json:"duration_ms"`
	Tiers      map[string]TierStats `json:"tiers"`
}

// Scheduler owns the selection rounds and the in-flight ledger.
type Scheduler struct {
	rdb     *redis.Client
	store   *store.Store
	queues  *queue.Queues
	buckets *ratelimit.Set
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex
	inFlight  map[string]time.Time
	throttled bool
}

// New creates a scheduler over the shared Redis client.
func New(rdb *redis.Client, st *store.Store, q *queue.Queues, buckets *ratelimit.Set, logger zerolog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		rdb:      rdb,
		store:    st,
		queues:   q,
		buckets:  buckets,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		inFlight: make(map[string]time.Time),
	}
}

func processingKey(eventID string) string { return "processing:" + eventID }

// Round executes one scheduling round: measure backlog, adjust the
// autothrottle, then walk the deep tiers in fixed order handing out
// sessions while tokens last.
func (s *Scheduler) Round(ctx context.Context) (RoundStats, error) {
	start := s.now()
	s.expireStale()

	backlog, err := s.queues.DeepBacklog(ctx)
	if err != nil {
		return RoundStats{}, fmt.Errorf("round backlog: %w", err)
	}
	inFlight := s.inFlightCount()
	backlog += int64(inFlight)
	metrics.DeepBacklog.Set(float64(backlog))

	s.adjustThrottle(backlog)

	stats := RoundStats{
		Timestamp: start.UTC(),
		Backlog:   backlog,
		InFlight:  inFlight,
		Throttled: s.throttled,
		Tiers:     make(map[string]TierStats, len(event.DeepTiers)),
	}

	for _, tier := range event.DeepTiers {
		ts, err := s.scheduleTier(ctx, tier)
		if err != nil {
			s.logger.Error().Err(err).Str("tier", tier.String()).Msg("tier scheduling failed")
			continue
		}
		stats.Tiers[tier.String()] = ts
	}

	stats.DurationMS = s.now().Sub(start).Milliseconds()
	metrics.RoundDuration.Observe(float64(stats.DurationMS) / 1000)
	metrics.RoundsTotal.WithLabelValues(fmt.Sprintf("%t", stats.Throttled)).Inc()
	s.publishBucketGauges()
	s.recordRound(ctx, stats)

	s.logger.Info().
		Int64("backlog", stats.Backlog).
		Bool("throttled", stats.Throttled).
		Int64("duration_ms", stats.DurationMS).
		Msg("round complete")
	return stats, nil
}

// adjustThrottle shrinks every bucket on each round the backlog sits
// above the threshold, compounding toward the best-effort floor, and
// restores configured capacity once the backlog drains below it.
func (s *Scheduler) adjustThrottle(backlog int64) {
	over := backlog > int64(s.cfg.AutothrottleThreshold)
	switch {
	case over:
		s.buckets.ThrottleAll(s.cfg.ThrottleFactor)
		if !s.throttled {
			s.throttled = true
			s.logger.Warn().Int64("backlog", backlog).Int("threshold", s.cfg.AutothrottleThreshold).Msg("autothrottle engaged")
		}
	case s.throttled:
		s.buckets.RestoreAll()
		s.throttled = false
		s.logger.Info().Int64("backlog", backlog).Msg("autothrottle released")
	}
}

func (s *Scheduler) scheduleTier(ctx context.Context, tier event.Tier) (TierStats, error) {
	var ts TierStats

	bucket := s.buckets.Bucket(tier)
	if bucket == nil {
		return ts, fmt.Errorf("no bucket for tier %s", tier)
	}

	cands, err := s.store.ScanByTier(ctx, tier, s.cfg.TopKLimit)
	if err != nil {
		return ts, err
	}
	ts.Scanned = len(cands)

	for _, c := range cands {
		if ts.Scheduled >= s.cfg.MaxBatchSize {
			break
		}
		if s.isInFlight(c.EventID) {
			continue
		}
		if IsLifeSafety(c) {
			if err := s.PreemptLifeSafety(ctx, c); err != nil {
				s.logger.Error().Err(err).Str("event_id", c.EventID).Msg("life safety preempt failed")
			}
			continue
		}
		if !bucket.TryConsume(1) {
			ts.RateLimited++
			metrics.RateLimitedTotal.WithLabelValues(tier.String()).Inc()
			continue
		}

		sess := s.buildSession(c, tier)
		if err := s.enqueueSession(ctx, sess, queue.ForTier(tier), c); err != nil {
			s.logger.Error().Err(err).Str("event_id", c.EventID).Msg("enqueue failed")
			continue
		}
		ts.Scheduled++
		metrics.ScheduledTotal.WithLabelValues(tier.String()).Inc()
	}

	if ts.RateLimited > 0 {
		ts.NextAvailableSec = bucket.ETA(1).Seconds()
		s.logger.Debug().
			Str("tier", tier.String()).
			Int("rate_limited", ts.RateLimited).
			Float64("next_available_seconds", ts.NextAvailableSec).
			Msg("tier allowance exhausted")
	}

	return ts, nil
}

func (s *Scheduler) buildSession(c *event.Candidate, tier event.Tier) session.Session {
	sess := session.Session{
		SessionID:  uuid.NewString(),
		HomeID:     c.HomeID,
		EventIDs:   []string{c.EventID},
		Tier:       tier.QueueSuffix(),
		K:          1,
		DeadlineMS: int(s.cfg.ProcessingTimeout.Milliseconds()),
		Priority:   c.Priority.String(),
		EnqueuedAt: s.now().UTC(),
	}
	if c.LiteProcessed {
		sess.LiteResults = &event.LiteResults{
			Channels:   c.LiteChannels,
			Explainer:  c.LiteExplainer,
			Confidence: c.LiteConfidence,
		}
	}
	return sess
}

// enqueueSession pushes the session, marks its events as processing and
// drops them from the candidate store. The processing marker TTL covers
// the deadline plus a grace window; workers that die mid-session leave
// the marker to expire on its own.
func (s *Scheduler) enqueueSession(ctx context.Context, sess session.Session, queueName string, cands ...*event.Candidate) error {
	if err := s.queues.Push(ctx, queueName, sess); err != nil {
		return err
	}

	ttl := sess.Deadline() + processingGrace
	expiry := s.now().Add(ttl)
	for _, c := range cands {
		if detail, err := json.Marshal(c); err == nil {
			if err := s.rdb.Set(ctx, "event:"+c.EventID, detail, detailCacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Str("event_id", c.EventID).Msg("detail cache write failed")
			}
		}
		if err := s.rdb.Set(ctx, processingKey(c.EventID), sess.SessionID, ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Str("event_id", c.EventID).Msg("processing marker write failed")
		}
		if err := s.store.Remove(ctx, c.EventID, c.HomeID); err != nil {
			s.logger.Warn().Err(err).Str("event_id", c.EventID).Msg("store removal after enqueue failed")
		}
		s.markInFlight(c.EventID, expiry)
	}

	s.logger.Info().
		Str("session_id", sess.SessionID).
		Str("queue", queueName).
		Int("events", len(sess.EventIDs)).
		Str("bypass_reason", sess.BypassReason).
		Msg("session enqueued")
	return nil
}

// Life-safety trigger vocabulary from the alarm integrations.
var lifeSafetyTerms = []string{
	"glassbreak", "smoke", "co", "carbon_monoxide",
	"forced_entry", "emergency", "alarm", "break_in",
}

// IsLifeSafety reports whether a candidate must bypass scheduling:
// alarm modes, a triage explainer naming a life-safety trigger, or a
// critical event at an entry door.
func IsLifeSafety(c *event.Candidate) bool {
	switch c.Mode {
	case event.ModeEmergency, event.ModeAlarm:
		return true
	}
	explainer := strings.ToLower(c.LiteExplainer)
	for _, term := range lifeSafetyTerms {
		if strings.Contains(explainer, term) {
			return true
		}
	}
	if c.Priority == event.PriorityCritical {
		switch strings.ToLower(c.Location) {
		case "front_door", "back_door":
			return true
		}
	}
	return false
}

// PreemptLifeSafety pushes an event straight onto the emergency queue
// with a hard two-second deadline, skipping rounds and token buckets.
func (s *Scheduler) PreemptLifeSafety(ctx context.Context, c *event.Candidate) error {
	sess := session.Session{
		SessionID:    "life_safety_" + c.EventID,
		HomeID:       c.HomeID,
		EventIDs:     []string{c.EventID},
		Tier:         c.Tier.QueueSuffix(),
		K:            lifeSafetyK,
		DeadlineMS:   lifeSafetyDeadlineMS,
		Priority:     event.PriorityCritical.String(),
		EnqueuedAt:   s.now().UTC(),
		BypassReason: "life_safety_event",
	}
	if c.LiteProcessed {
		sess.LiteResults = &event.LiteResults{
			Channels:   c.LiteChannels,
			Explainer:  c.LiteExplainer,
			Confidence: c.LiteConfidence,
		}
	}

	if err := s.enqueueSession(ctx, sess, queue.Emergency, c); err != nil {
		return fmt.Errorf("life safety preempt %s: %w", c.EventID, err)
	}
	metrics.LifeSafetyTotal.Inc()
	s.logger.Warn().
		Str("event_id", c.EventID).
		Str("location", c.Location).
		Str("mode", c.Mode).
		Msg("life safety event preempted")
	return nil
}

// ForceSchedule enqueues one stored candidate immediately on the given
// tier's queue, bypassing rounds and token buckets. Used by the
// operator surface.
func (s *Scheduler) ForceSchedule(ctx context.Context, eventID string, tier event.Tier) (string, error) {
	c, err := s.store.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !tier.Valid() || tier == event.TierLiteOnly {
		tier = c.Tier
	}

	sess := s.buildSession(c, tier)
	sess.BypassReason = "force_scheduled"
	if err := s.enqueueSession(ctx, sess, queue.ForTier(tier), c); err != nil {
		return "", err
	}
	metrics.ScheduledTotal.WithLabelValues(tier.String()).Inc()
	return sess.SessionID, nil
}

// ConsumeCompletions drains scheduler_completions until ctx is
// cancelled, retiring in-flight markers as workers report back.
// Duplicate and unknown completions are ignored.
func (s *Scheduler) ConsumeCompletions(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := s.queues.Pop(ctx, []string{queue.Completions}, time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
				continue
			}
			s.logger.Error().Err(err).Msg("completion pop failed")
			continue
		}

		var done session.Completion
		if err := json.Unmarshal(data, &done); err != nil || done.EventID == "" {
			metrics.BadInputTotal.WithLabelValues("completions").Inc()
			s.logger.Warn().Msg("dropping undecodable completion")
			continue
		}
		s.retire(ctx, done)
	}
}

func (s *Scheduler) retire(ctx context.Context, done session.Completion) {
	s.mu.Lock()
	_, known := s.inFlight[done.EventID]
	delete(s.inFlight, done.EventID)
	n := len(s.inFlight)
	s.mu.Unlock()

	if err := s.rdb.Del(ctx, processingKey(done.EventID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("event_id", done.EventID).Msg("processing marker delete failed")
	}
	metrics.InFlight.Set(float64(n))
	if known {
		s.logger.Debug().
			Str("event_id", done.EventID).
			Str("worker_id", done.WorkerID).
			Bool("success", done.Success).
			Msg("event completed")
	}
}

// Snapshot of the in-flight ledger, for stats surfaces.
func (s *Scheduler) InFlightIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// BucketSnapshots exposes the current pacing state per tier.
func (s *Scheduler) BucketSnapshots() map[string]ratelimit.Snapshot {
	return s.buckets.Snapshots()
}

// RecentRounds returns up to n stored round summaries, newest first.
func (s *Scheduler) RecentRounds(ctx context.Context, n int) ([]RoundStats, error) {
	raw, err := s.rdb.LRange(ctx, roundMetricsKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	out := make([]RoundStats, 0, len(raw))
	for _, item := range raw {
		var rs RoundStats
		if err := json.Unmarshal([]byte(item), &rs); err != nil {
			continue
		}
		out = append(out, rs)
	}
	return out, nil
}

func (s *Scheduler) recordRound(ctx context.Context, stats RoundStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, roundMetricsKey, data)
	pipe.LTrim(ctx, roundMetricsKey, 0, roundMetricsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("round summary write failed")
	}
}

func (s *Scheduler) publishBucketGauges() {
	for tier, snap := range s.buckets.Snapshots() {
		metrics.BucketTokens.WithLabelValues(tier).Set(snap.Tokens)
		metrics.BucketCapacity.WithLabelValues(tier).Set(float64(snap.Capacity))
	}
}

func (s *Scheduler) isInFlight(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[eventID]
	return ok
}

func (s *Scheduler) markInFlight(eventID string, expiry time.Time) {
	s.mu.Lock()
	s.inFlight[eventID] = expiry
	n := len(s.inFlight)
	s.mu.Unlock()
	metrics.InFlight.Set(float64(n))
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// expireStale drops in-flight entries whose processing marker window
// elapsed without a completion. The worker either died or the
// completion was lost; the marker TTL in Redis expired alongside.
func (s *Scheduler) expireStale() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expiry := range s.inFlight {
		if now.After(expiry) {
			delete(s.inFlight, id)
			s.logger.Warn().Str("event_id", id).Msg("in-flight entry expired without completion")
		}
	}
	metrics.InFlight.Set(float64(len(s.inFlight)))
}
