// SPDX-License-Identifier: MIT

package event

import (
	"crypto/md5" //nolint:gosec // non-cryptographic partition key derivation
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nightwatch-systems/nightwatch/internal/scoring"
)

// Ingest is the inbound camera-event record accepted from the edge
// collaborator. Timestamp accepts RFC3339 or a unix epoch.
type Ingest struct {
	EventID     string  `json:"event_id"`
	UserID      string  `json:"user_id"`
	Timestamp   string  `json:"timestamp"`
	ImageURL    string  `json:"image_url"`
	HomeID      string  `json:"home_id,omitempty"`
	Location    string  `json:"location,omitempty"`
	Mode        string  `json:"mode,omitempty"`
	Priority    int     `json:"priority,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	MotionScore float64 `json:"motion_score,omitempty"`
}

// LiteResults carries the device (or server-lite fallback) triage
// output attached to an event after the fact.
type LiteResults struct {
	Channels   scoring.Channels `json:"channels"`
	Explainer  string           `json:"explainer,omitempty"`
	Confidence float64          `json:"confidence"`
}

// DeriveHomeID is the deterministic fallback partition key for events
// that arrive without an explicit home: "home_" plus the first eight
// hex digits of md5(user_id). An explicit home_id always wins.
func DeriveHomeID(userID string) string {
	sum := md5.Sum([]byte(userID)) //nolint:gosec
	return "home_" + hex.EncodeToString(sum[:])[:8]
}

// FromIngest builds a candidate from a raw ingest record, applying the
// defaulting rules for missing fields and folding in lite results when
// the device already triaged the frame.
func FromIngest(ev Ingest, lite *LiteResults) (*Candidate, error) {
	if ev.EventID == "" {
		return nil, fmt.Errorf("ingest event missing event_id")
	}
	if ev.UserID == "" {
		return nil, fmt.Errorf("ingest event %s missing user_id", ev.EventID)
	}
	if ev.ImageURL == "" {
		return nil, fmt.Errorf("ingest event %s missing image_url", ev.EventID)
	}

	ts, err := parseTimestamp(ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("ingest event %s: %w", ev.EventID, err)
	}

	homeID := ev.HomeID
	if homeID == "" {
		homeID = DeriveHomeID(ev.UserID)
	}

	location := ev.Location
	if location == "" {
		location = "unknown"
	}
	mode := ev.Mode
	if mode == "" {
		mode = ModeGuardian
	}
	motion := ev.MotionScore
	if motion == 0 {
		motion = 0.5
	}

	tier := TierStandard
	if ev.Tier != "" {
		if t, err := ParseTier(ev.Tier); err == nil {
			tier = t
		}
	}

	c := &Candidate{
		EventID:            ev.EventID,
		HomeID:             homeID,
		UserID:             ev.UserID,
		CreatedAt:          ts,
		Priority:           PriorityNormal,
		Tier:               tier,
		ImageURL:           ev.ImageURL,
		Location:           location,
		Mode:               mode,
		MotionScore:        motion,
		TimeOfDayFactor:    TimeOfDayFactor(ts),
		LocationImportance: LocationImportance(location),
	}

	if lite != nil {
		c.ApplyLiteResults(*lite)
	}
	if c.LiteChannels.Person {
		c.Priority = PriorityHigh
	}
	if ev.Priority >= int(PriorityHigh) {
		c.Priority = PriorityCritical
	}

	return c, nil
}

// ApplyLiteResults folds triage output into the candidate and refreshes
// the derived detection flags.
func (c *Candidate) ApplyLiteResults(lite LiteResults) {
	c.LiteProcessed = true
	c.LiteChannels = lite.Channels
	c.LiteExplainer = lite.Explainer
	c.LiteConfidence = lite.Confidence
	c.PersonDetected = lite.Channels.Person
	c.VehicleDetected = lite.Channels.Vehicle
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if epoch, err := strconv.ParseFloat(raw, 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// TimeOfDayFactor weights events by when they happen: typical away
// hours and night hours matter more than evenings at home.
func TimeOfDayFactor(t time.Time) float64 {
	hour := t.Hour()
	switch {
	case hour >= 8 && hour <= 18:
		return 1.2
	case hour >= 22 || hour <= 6:
		return 1.5
	default:
		return 1.0
	}
}

var locationImportance = map[string]float64{
	"front_door":  1.5,
	"back_door":   1.4,
	"driveway":    1.3,
	"garage":      1.2,
	"backyard":    1.1,
	"living_room": 1.0,
	"bedroom":     0.8,
	"unknown":     1.0,
}

// LocationImportance returns the per-location score multiplier.
func LocationImportance(location string) float64 {
	if v, ok := locationImportance[strings.ToLower(location)]; ok {
		return v
	}
	return 1.0
}
