// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/scoring"
)

func setup(t *testing.T, opts Options) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, zerolog.Nop(), opts)
}

func testCandidate(id, home string, created time.Time) *event.Candidate {
	return &event.Candidate{
		EventID:            id,
		HomeID:             home,
		UserID:             "user_1",
		CreatedAt:          created,
		Priority:           event.PriorityNormal,
		Tier:               event.TierPremium,
		ImageURL:           "https://img.example/" + id + ".jpg",
		Location:           "front_door",
		Mode:               event.ModeGuardian,
		MotionScore:        0.5,
		TimeOfDayFactor:    1.0,
		LocationImportance: 1.0,
	}
}

func TestAddAndGet(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()

	c := testCandidate("evt_1", "home_a", time.Now().UTC())
	c.LiteProcessed = true
	c.LiteChannels = scoring.Channels{Person: true}
	require.NoError(t, s.Add(ctx, c))

	got, err := s.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "home_a", got.HomeID)
	assert.True(t, got.LiteChannels.Person)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddIsIdempotent(t *testing.T) {
	mr, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	c := testCandidate("evt_x", "home_a", now)
	require.NoError(t, s.Add(ctx, c))
	firstScore, err := mr.ZScore("cand:home_a", "evt_x")
	require.NoError(t, err)

	// Re-add with a payload that scores higher: size unchanged, score
	// updated, original detail record untouched.
	louder := testCandidate("evt_x", "home_a", now)
	louder.PersonDetected = true
	louder.Location = "driveway"
	require.NoError(t, s.Add(ctx, louder))

	members, err := mr.ZMembers("cand:home_a")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	secondScore, err := mr.ZScore("cand:home_a", "evt_x")
	require.NoError(t, err)
	assert.Greater(t, secondScore, firstScore)

	got, err := s.Get(ctx, "evt_x")
	require.NoError(t, err)
	assert.Equal(t, "front_door", got.Location)
}

func TestCapEvictsExactlyTheLowest(t *testing.T) {
	_, s := setup(t, Options{MaxPerHome: 3})
	ctx := context.Background()
	now := time.Now().UTC()

	// Ascending ages mean descending scores: evt_0 is freshest/highest.
	for i := 0; i < 3; i++ {
		c := testCandidate(fmt.Sprintf("evt_%d", i), "home_a", now.Add(-time.Duration(i)*10*time.Minute))
		require.NoError(t, s.Add(ctx, c))
	}

	// A fourth, higher-scoring insert displaces exactly the lowest.
	newcomer := testCandidate("evt_new", "home_a", now)
	newcomer.PersonDetected = true
	require.NoError(t, s.Add(ctx, newcomer))

	top, err := s.Top(ctx, "home_a", 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	for _, c := range top {
		assert.NotEqual(t, "evt_2", c.EventID)
	}

	// The evicted event's detail record is gone too.
	_, err = s.Get(ctx, "evt_2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTopOrderAndTieBreak(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Identical payloads score identically; the lexicographically
	// smaller id must surface first.
	b := testCandidate("evt_b", "home_a", now)
	a := testCandidate("evt_a", "home_a", now)
	require.NoError(t, s.Add(ctx, b))
	require.NoError(t, s.Add(ctx, a))

	top, err := s.Top(ctx, "home_a", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "evt_a", top[0].EventID)

	// A strictly higher score still wins over id order.
	c := testCandidate("evt_z", "home_a", now)
	c.PersonDetected = true
	require.NoError(t, s.Add(ctx, c))

	top, err = s.Top(ctx, "home_a", 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "evt_z", top[0].EventID)
	assert.Equal(t, "evt_a", top[1].EventID)
	assert.Equal(t, "evt_b", top[2].EventID)
}

func TestTopTieBreakSurvivesTheCut(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Five tied entries inserted largest-id first. A reverse range
	// returns ties in descending id order, so a k-sized fetch would
	// hand back the wrong end of the tie group; the id re-sort must
	// happen before the cut.
	for _, id := range []string{"evt_e", "evt_d", "evt_c", "evt_b", "evt_a"} {
		require.NoError(t, s.Add(ctx, testCandidate(id, "home_a", now)))
	}

	top, err := s.Top(ctx, "home_a", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "evt_a", top[0].EventID)
	assert.Equal(t, "evt_b", top[1].EventID)
}

func TestRemove(t *testing.T) {
	mr, s := setup(t, Options{})
	ctx := context.Background()

	c := testCandidate("evt_r", "home_a", time.Now().UTC())
	require.NoError(t, s.Add(ctx, c))
	require.NoError(t, s.Remove(ctx, "evt_r", "home_a"))

	_, err := s.Get(ctx, "evt_r")
	assert.ErrorIs(t, err, ErrNotFound)
	members, _ := mr.ZMembers("cand:home_a")
	assert.Empty(t, members)
}

func TestTTLExpiry(t *testing.T) {
	mr, s := setup(t, Options{TTL: time.Minute})
	ctx := context.Background()

	c := testCandidate("evt_ttl", "home_a", time.Now().UTC())
	require.NoError(t, s.Add(ctx, c))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "evt_ttl")
	assert.ErrorIs(t, err, ErrNotFound)

	top, err := s.Top(ctx, "home_a", 5)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestScanByTier(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	premium := testCandidate("evt_p", "home_a", now)
	standard := testCandidate("evt_s", "home_b", now)
	standard.Tier = event.TierStandard
	hot := testCandidate("evt_hot", "home_c", now)
	hot.PersonDetected = true

	for _, c := range []*event.Candidate{premium, standard, hot} {
		require.NoError(t, s.Add(ctx, c))
	}

	got, err := s.ScanByTier(ctx, event.TierPremium, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt_hot", got[0].EventID)
	assert.Equal(t, "evt_p", got[1].EventID)

	got, err = s.ScanByTier(ctx, event.TierStandard, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt_s", got[0].EventID)

	got, err = s.ScanByTier(ctx, event.TierEnterprise, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScanPending(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	raw := testCandidate("evt_raw", "home_a", now)
	triaged := testCandidate("evt_done", "home_a", now)
	triaged.LiteProcessed = true

	require.NoError(t, s.Add(ctx, raw))
	require.NoError(t, s.Add(ctx, triaged))

	got, err := s.ScanPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt_raw", got[0].EventID)
}

func TestSetLiteResultsRescores(t *testing.T) {
	mr, s := setup(t, Options{})
	ctx := context.Background()

	c := testCandidate("evt_l", "home_a", time.Now().UTC())
	require.NoError(t, s.Add(ctx, c))
	before, err := mr.ZScore("cand:home_a", "evt_l")
	require.NoError(t, err)

	lite := event.LiteResults{
		Channels:   scoring.Channels{Person: true},
		Explainer:  "person at front door",
		Confidence: 0.9,
	}
	require.NoError(t, s.SetLiteResults(ctx, "evt_l", "home_a", lite))

	got, err := s.Get(ctx, "evt_l")
	require.NoError(t, err)
	assert.True(t, got.LiteProcessed)
	assert.True(t, got.PersonDetected)
	assert.Equal(t, "person at front door", got.LiteExplainer)

	after, err := mr.ZScore("cand:home_a", "evt_l")
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestStats(t *testing.T) {
	_, s := setup(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		c := testCandidate(fmt.Sprintf("evt_%d", i), "home_a", now)
		require.NoError(t, s.Add(ctx, c))
	}
	other := testCandidate("evt_other", "home_b", now)
	other.Tier = event.TierStandard
	other.Priority = event.PriorityCritical
	require.NoError(t, s.Add(ctx, other))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalCandidates)
	assert.Equal(t, 2, st.TotalHomes)
	assert.Equal(t, 4, st.TotalEvents)
	assert.Equal(t, 3, st.TierDistribution["PREMIUM"])
	assert.Equal(t, 1, st.TierDistribution["STANDARD"])
	assert.Equal(t, 1, st.PriorityDistribution["CRITICAL"])
}
