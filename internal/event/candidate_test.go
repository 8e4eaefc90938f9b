// SPDX-License-Identifier: MIT

package event

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-systems/nightwatch/internal/scoring"
)

func baseCandidate(now time.Time) *Candidate {
	return &Candidate{
		EventID:            "evt_1",
		HomeID:             "home_a",
		UserID:             "user_1",
		CreatedAt:          now,
		Priority:           PriorityNormal,
		Tier:               TierStandard,
		ImageURL:           "https://img.example/evt_1.jpg",
		Location:           "front_door",
		Mode:               ModeGuardian,
		MotionScore:        0.5,
		TimeOfDayFactor:    1.0,
		LocationImportance: 1.0,
	}
}

func TestPriorityScoreMonotonicity(t *testing.T) {
	now := time.Now().UTC()

	plain := baseCandidate(now)
	withPerson := baseCandidate(now)
	withPerson.PersonDetected = true
	withVehicle := baseCandidate(now)
	withVehicle.VehicleDetected = true
	critical := baseCandidate(now)
	critical.Priority = PriorityCritical
	enterprise := baseCandidate(now)
	enterprise.Tier = TierEnterprise

	base := plain.PriorityScore(now)
	assert.Greater(t, withPerson.PriorityScore(now), base)
	assert.Greater(t, withVehicle.PriorityScore(now), base)
	assert.Greater(t, withPerson.PriorityScore(now), withVehicle.PriorityScore(now))
	assert.Greater(t, critical.PriorityScore(now), base)
	assert.Greater(t, enterprise.PriorityScore(now), base)
}

func TestPriorityScoreRecencyDecay(t *testing.T) {
	now := time.Now().UTC()
	fresh := baseCandidate(now)
	stale := baseCandidate(now.Add(-30 * time.Minute))
	ancient := baseCandidate(now.Add(-2 * time.Hour))

	assert.Greater(t, fresh.PriorityScore(now), stale.PriorityScore(now))
	assert.Greater(t, stale.PriorityScore(now), ancient.PriorityScore(now))

	// Past one hour the bonus is exhausted, not negative.
	older := baseCandidate(now.Add(-5 * time.Hour))
	assert.InDelta(t, ancient.PriorityScore(now), older.PriorityScore(now), 1e-9)
}

func TestCandidateHashRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := baseCandidate(now)
	c.LiteProcessed = true
	c.LiteChannels = scoring.Channels{Person: true, Linger: true}
	c.LiteExplainer = "person lingering at front door"
	c.LiteConfidence = 0.87
	c.PersonDetected = true
	c.MotionScore = 0.73

	got, err := CandidateFromHash(c.MarshalHash())
	require.NoError(t, err)

	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("candidate changed across hash round-trip (-want +got):\n%s", diff)
	}

	// Serialize -> deserialize -> serialize is field-for-field identical.
	assert.Equal(t, c.MarshalHash(), got.MarshalHash())
}

func TestCandidateFromHashRejectsGarbage(t *testing.T) {
	_, err := CandidateFromHash(map[string]string{})
	require.Error(t, err)

	_, err = CandidateFromHash(map[string]string{"event_id": "x", "timestamp": "not-a-time"})
	require.Error(t, err)
}

func TestFromIngestDefaultsAndHomeDerivation(t *testing.T) {
	c, err := FromIngest(Ingest{
		EventID:   "evt_9",
		UserID:    "user_42",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ImageURL:  "https://img.example/evt_9.jpg",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "unknown", c.Location)
	assert.Equal(t, ModeGuardian, c.Mode)
	assert.Equal(t, PriorityNormal, c.Priority)
	assert.Equal(t, TierStandard, c.Tier)
	assert.InDelta(t, 0.5, c.MotionScore, 1e-9)

	// Derived home id is stable and prefixed.
	assert.Equal(t, DeriveHomeID("user_42"), c.HomeID)
	assert.Equal(t, DeriveHomeID("user_42"), DeriveHomeID("user_42"))
	assert.Contains(t, c.HomeID, "home_")
	assert.Len(t, c.HomeID, len("home_")+8)

	// Explicit home id wins over derivation.
	c2, err := FromIngest(Ingest{
		EventID:  "evt_10",
		UserID:   "user_42",
		ImageURL: "https://img.example/evt_10.jpg",
		HomeID:   "home_custom",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "home_custom", c2.HomeID)
}

func TestFromIngestPriorityElevation(t *testing.T) {
	lite := &LiteResults{Channels: scoring.Channels{Person: true}, Confidence: 0.9}

	c, err := FromIngest(Ingest{
		EventID:  "evt_p",
		UserID:   "u",
		ImageURL: "https://img.example/p.jpg",
	}, lite)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, c.Priority)
	assert.True(t, c.PersonDetected)
	assert.True(t, c.LiteProcessed)

	c, err = FromIngest(Ingest{
		EventID:  "evt_c",
		UserID:   "u",
		ImageURL: "https://img.example/c.jpg",
		Priority: 3,
	}, lite)
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, c.Priority)
}

func TestFromIngestRejectsIncomplete(t *testing.T) {
	_, err := FromIngest(Ingest{UserID: "u", ImageURL: "x"}, nil)
	assert.Error(t, err)
	_, err = FromIngest(Ingest{EventID: "e", ImageURL: "x"}, nil)
	assert.Error(t, err)
	_, err = FromIngest(Ingest{EventID: "e", UserID: "u"}, nil)
	assert.Error(t, err)
	_, err = FromIngest(Ingest{EventID: "e", UserID: "u", ImageURL: "x", Timestamp: "tuesday"}, nil)
	assert.Error(t, err)
}

func TestIngestTimestampForms(t *testing.T) {
	iso, err := FromIngest(Ingest{EventID: "e1", UserID: "u", ImageURL: "x", Timestamp: "2026-03-01T02:30:00Z"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, iso.CreatedAt.Hour())

	epoch, err := FromIngest(Ingest{EventID: "e2", UserID: "u", ImageURL: "x", Timestamp: "1767222000"}, nil)
	require.NoError(t, err)
	assert.False(t, epoch.CreatedAt.IsZero())
}

func TestTimeOfDayFactor(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	assert.InDelta(t, 1.2, TimeOfDayFactor(day), 1e-9)
	assert.InDelta(t, 1.5, TimeOfDayFactor(night), 1e-9)
	assert.InDelta(t, 1.0, TimeOfDayFactor(evening), 1e-9)
}

func TestLocationImportance(t *testing.T) {
	assert.InDelta(t, 1.5, LocationImportance("front_door"), 1e-9)
	assert.InDelta(t, 1.5, LocationImportance("FRONT_DOOR"), 1e-9)
	assert.InDelta(t, 0.8, LocationImportance("bedroom"), 1e-9)
	assert.InDelta(t, 1.0, LocationImportance("attic"), 1e-9)
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"PREMIUM", "premium"} {
		tier, err := ParseTier(s)
		require.NoError(t, err)
		assert.Equal(t, TierPremium, tier)
	}
	_, err := ParseTier("gold")
	assert.Error(t, err)
}
