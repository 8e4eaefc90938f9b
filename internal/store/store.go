// SPDX-License-Identifier: MIT

// Package store implements the Redis-backed candidate store: one
// cand:{home_id} sorted set per home ordering event ids by priority
// score, one ev:{event_id} hash per event holding the detail record,
// and a secondary expire:{epoch} index. Entries carry a 24 h TTL and
// each home is capped; overflow evicts the lowest-scoring candidates
// together with their detail hashes.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/metrics"
)

// ErrNotFound is returned when an event id has no detail record.
var ErrNotFound = errors.New("candidate not found")

const (
	// DefaultMaxPerHome caps each home's sorted set.
	DefaultMaxPerHome = 2000
	// DefaultTTL bounds how long an unscheduled candidate may live.
	DefaultTTL = 24 * time.Hour

	statsSampleSize = 100
)

// Options tune the store; zero values select the defaults above.
type Options struct {
	MaxPerHome int
	TTL        time.Duration
	Now        func() time.Time
}

// Store is the candidate store over a shared Redis client.
type Store struct {
	rdb        *redis.Client
	logger     zerolog.Logger
	maxPerHome int
	ttl        time.Duration
	now        func() time.Time
}

// New creates a candidate store.
func New(rdb *redis.Client, logger zerolog.Logger, opts Options) *Store {
	if opts.MaxPerHome <= 0 {
		opts.MaxPerHome = DefaultMaxPerHome
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		rdb:        rdb,
		logger:     logger.With().Str("component", "store").Logger(),
		maxPerHome: opts.MaxPerHome,
		ttl:        opts.TTL,
		now:        opts.Now,
	}
}

func candKey(homeID string) string   { return "cand:" + homeID }
func eventKey(eventID string) string { return "ev:" + eventID }

// Add inserts a candidate, or, if the event id already exists, updates
// only its priority score. Repeated adds of the same event are
// idempotent with respect to store size.
func (s *Store) Add(ctx context.Context, c *event.Candidate) error {
	now := s.now()
	score := c.PriorityScore(now)

	exists, err := s.rdb.Exists(ctx, eventKey(c.EventID)).Result()
	if err != nil {
		return s.fail("add", c.EventID, err)
	}

	if exists > 0 {
		pipe := s.rdb.Pipeline()
		pipe.ZAdd(ctx, candKey(c.HomeID), redis.Z{Score: score, Member: c.EventID})
		pipe.Expire(ctx, candKey(c.HomeID), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return s.fail("add", c.EventID, err)
		}
		metrics.StoreOpsTotal.WithLabelValues("add", "success").Inc()
		s.logger.Debug().Str("event_id", c.EventID).Float64("score", score).Msg("rescored existing candidate")
		return nil
	}

	// Write the detail hash first; if the index insert fails the hash is
	// rolled back so no orphan record survives.
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, eventKey(c.EventID), c.MarshalHash())
	pipe.Expire(ctx, eventKey(c.EventID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("add", c.EventID, err)
	}

	if err := s.rdb.ZAdd(ctx, candKey(c.HomeID), redis.Z{Score: score, Member: c.EventID}).Err(); err != nil {
		s.rdb.Del(ctx, eventKey(c.EventID))
		return s.fail("add", c.EventID, err)
	}

	expireAt := now.Add(s.ttl).Unix()
	pipe = s.rdb.Pipeline()
	pipe.Expire(ctx, candKey(c.HomeID), s.ttl)
	pipe.SAdd(ctx, fmt.Sprintf("expire:%d", expireAt), c.HomeID+":"+c.EventID)
	pipe.Expire(ctx, fmt.Sprintf("expire:%d", expireAt), s.ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("add", c.EventID, err)
	}

	if err := s.trim(ctx, c.HomeID); err != nil {
		s.logger.Warn().Err(err).Str("home_id", c.HomeID).Msg("cap trim failed")
	}

	metrics.StoreOpsTotal.WithLabelValues("add", "success").Inc()
	s.logger.Debug().
		Str("event_id", c.EventID).
		Str("home_id", c.HomeID).
		Float64("score", score).
		Msg("added candidate")
	return nil
}

// trim drops the lowest-scoring overflow beyond the per-home cap,
// deleting their detail hashes alongside.
func (s *Store) trim(ctx context.Context, homeID string) error {
	count, err := s.rdb.ZCard(ctx, candKey(homeID)).Result()
	if err != nil {
		return err
	}
	overflow := count - int64(s.maxPerHome)
	if overflow <= 0 {
		return nil
	}

	victims, err := s.rdb.ZRange(ctx, candKey(homeID), 0, overflow-1).Result()
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}

	members := make([]interface{}, len(victims))
	keys := make([]string, len(victims))
	for i, id := range victims {
		members[i] = id
		keys[i] = eventKey(id)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, candKey(homeID), members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	metrics.CandidatesEvictedTotal.Add(float64(len(victims)))
	s.logger.Info().Int("evicted", len(victims)).Str("home_id", homeID).Msg("trimmed candidate overflow")
	return nil
}

// Get fetches one candidate's detail record.
func (s *Store) Get(ctx context.Context, eventID string) (*event.Candidate, error) {
	fields, err := s.rdb.HGetAll(ctx, eventKey(eventID)).Result()
	if err != nil {
		return nil, s.fail("get", eventID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	c, err := event.CandidateFromHash(fields)
	if err != nil {
		return nil, s.fail("get", eventID, err)
	}
	metrics.StoreOpsTotal.WithLabelValues("get", "success").Inc()
	return c, nil
}

// Top returns up to k candidates for a home in descending score order.
// Equal scores are broken by ascending event id so selection order is
// deterministic. Redis reverse ranges order tied members by descending
// id, so the range must be fetched in full and re-sorted before the
// cut; truncating at k first would pick the wrong side of a tie. Index
// entries whose detail hash already expired are dropped lazily.
func (s *Store) Top(ctx context.Context, homeID string, k int) ([]*event.Candidate, error) {
	entries, err := s.rdb.ZRevRangeWithScores(ctx, candKey(homeID), 0, -1).Result()
	if err != nil {
		return nil, s.fail("top", homeID, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member.(string) < entries[j].Member.(string)
	})

	out := make([]*event.Candidate, 0, k)
	for _, e := range entries {
		if len(out) >= k {
			break
		}
		id := e.Member.(string)
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, candKey(homeID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateScore recomputes and writes a candidate's priority score.
func (s *Store) UpdateScore(ctx context.Context, eventID, homeID string) error {
	c, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	score := c.PriorityScore(s.now())
	if err := s.rdb.ZAdd(ctx, candKey(homeID), redis.Z{Score: score, Member: eventID}).Err(); err != nil {
		return s.fail("update_score", eventID, err)
	}
	metrics.StoreOpsTotal.WithLabelValues("update_score", "success").Inc()
	return nil
}

// SetLiteResults folds triage output into a stored candidate and
// rescores it in place.
func (s *Store) SetLiteResults(ctx context.Context, eventID, homeID string, lite event.LiteResults) error {
	c, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	c.ApplyLiteResults(lite)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, eventKey(eventID), c.MarshalHash())
	pipe.ZAdd(ctx, candKey(homeID), redis.Z{Score: c.PriorityScore(s.now()), Member: eventID})
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("set_lite", eventID, err)
	}
	metrics.StoreOpsTotal.WithLabelValues("set_lite", "success").Inc()
	return nil
}

// Remove deletes a candidate from the index and its detail hash.
func (s *Store) Remove(ctx context.Context, eventID, homeID string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, candKey(homeID), eventID)
	pipe.Del(ctx, eventKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("remove", eventID, err)
	}
	metrics.StoreOpsTotal.WithLabelValues("remove", "success").Inc()
	return nil
}

// Homes lists every home id with a candidate index.
func (s *Store) Homes(ctx context.Context) ([]string, error) {
	var homes []string
	iter := s.rdb.Scan(ctx, 0, "cand:*", 0).Iterator()
	for iter.Next(ctx) {
		homes = append(homes, iter.Val()[len("cand:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, s.fail("homes", "", err)
	}
	return homes, nil
}

// ScanByTier unions the per-home top candidates whose tier matches,
// re-sorted globally by score. H is expected to stay modest, so the
// O(H·k) walk is acceptable.
func (s *Store) ScanByTier(ctx context.Context, tier event.Tier, limit int) ([]*event.Candidate, error) {
	return s.scan(ctx, limit, func(c *event.Candidate) bool { return c.Tier == tier })
}

// ScanPending is ScanByTier's sibling filtered to candidates that have
// not been lite-triaged yet.
func (s *Store) ScanPending(ctx context.Context, limit int) ([]*event.Candidate, error) {
	return s.scan(ctx, limit, func(c *event.Candidate) bool { return !c.LiteProcessed })
}

func (s *Store) scan(ctx context.Context, limit int, keep func(*event.Candidate) bool) ([]*event.Candidate, error) {
	homes, err := s.Homes(ctx)
	if err != nil {
		return nil, err
	}

	var all []*event.Candidate
	for _, home := range homes {
		top, err := s.Top(ctx, home, limit)
		if err != nil {
			return nil, err
		}
		for _, c := range top {
			if keep(c) {
				all = append(all, c)
			}
		}
	}

	now := s.now()
	sort.SliceStable(all, func(i, j int) bool {
		si, sj := all[i].PriorityScore(now), all[j].PriorityScore(now)
		if si != sj {
			return si > sj
		}
		return all[i].EventID < all[j].EventID
	})

	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Stats summarises store contents. Tier and priority distributions are
// sampled from the first hundred detail hashes rather than walked in
// full.
type Stats struct {
	TotalCandidates      int64          `json:"total_candidates"`
	TotalHomes           int            `json:"total_homes"`
	TotalEvents          int            `json:"total_events"`
	TierDistribution     map[string]int `json:"tier_distribution"`
	PriorityDistribution map[string]int `json:"priority_distribution"`
}

// Stats reports totals and sampled distributions.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		TierDistribution:     map[string]int{},
		PriorityDistribution: map[string]int{},
	}

	homes, err := s.Homes(ctx)
	if err != nil {
		return st, err
	}
	st.TotalHomes = len(homes)
	for _, home := range homes {
		n, err := s.rdb.ZCard(ctx, candKey(home)).Result()
		if err != nil {
			return st, s.fail("stats", home, err)
		}
		st.TotalCandidates += n
	}

	iter := s.rdb.Scan(ctx, 0, "ev:*", 0).Iterator()
	var sampled int
	for iter.Next(ctx) {
		st.TotalEvents++
		if sampled >= statsSampleSize {
			continue
		}
		vals, err := s.rdb.HMGet(ctx, iter.Val(), "processing_tier", "priority").Result()
		if err != nil {
			continue
		}
		sampled++
		if raw, ok := vals[0].(string); ok {
			if n, err := strconv.Atoi(raw); err == nil {
				st.TierDistribution[event.Tier(n).String()]++
			}
		}
		if raw, ok := vals[1].(string); ok {
			if n, err := strconv.Atoi(raw); err == nil {
				st.PriorityDistribution[event.Priority(n).String()]++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return st, s.fail("stats", "", err)
	}
	return st, nil
}

func (s *Store) fail(op, key string, err error) error {
	metrics.StoreOpsTotal.WithLabelValues(op, "failure").Inc()
	s.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("store operation failed")
	return fmt.Errorf("store %s %s: %w", op, key, err)
}
