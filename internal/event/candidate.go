// SPDX-License-Identifier: MIT

package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nightwatch-systems/nightwatch/internal/scoring"
)

// Candidate is one pending image event awaiting deep-processing
// selection. It lives in the candidate store until scheduled, evicted
// or expired.
type Candidate struct {
	EventID   string    `json:"event_id"`
	HomeID    string    `json:"home_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority"`
	Tier      Tier      `json:"processing_tier"`

	ImageURL string `json:"image_url"`
	Location string `json:"location"`
	Mode     string `json:"mode"`

	LiteProcessed  bool             `json:"lite_processed"`
	LiteChannels   scoring.Channels `json:"lite_channels"`
	LiteExplainer  string           `json:"lite_explainer,omitempty"`
	LiteConfidence float64          `json:"lite_confidence"`

	PersonDetected     bool    `json:"person_detected"`
	VehicleDetected    bool    `json:"vehicle_detected"`
	MotionScore        float64 `json:"motion_score"`
	TimeOfDayFactor    float64 `json:"time_of_day_factor"`
	LocationImportance float64 `json:"location_importance"`
}

// PriorityScore computes the intra-home ordering score. Only
// monotonicity matters: a higher score means earlier selection.
func (c *Candidate) PriorityScore(now time.Time) float64 {
	score := float64(c.Priority) * 100

	if c.PersonDetected {
		score += 50
	}
	if c.VehicleDetected {
		score += 30
	}
	score += c.MotionScore * 20

	score *= c.TimeOfDayFactor
	score *= c.LocationImportance

	// Recency bonus decays linearly from 120 at age 0 to zero at 60 min.
	ageMinutes := now.Sub(c.CreatedAt).Minutes()
	score += max(0, 60-ageMinutes) * 2

	score *= 1 + float64(c.Tier)*0.2

	return score
}

// MarshalHash flattens the candidate into the field map stored in the
// ev:{event_id} redis hash.
func (c *Candidate) MarshalHash() map[string]string {
	channels, _ := json.Marshal(c.LiteChannels)
	return map[string]string{
		"event_id":            c.EventID,
		"home_id":             c.HomeID,
		"user_id":             c.UserID,
		"timestamp":           c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"priority":            strconv.Itoa(int(c.Priority)),
		"processing_tier":     strconv.Itoa(int(c.Tier)),
		"image_url":           c.ImageURL,
		"location":            c.Location,
		"mode":                c.Mode,
		"lite_processed":      strconv.FormatBool(c.LiteProcessed),
		"lite_channels":       string(channels),
		"lite_explainer":      c.LiteExplainer,
		"lite_confidence":     formatFloat(c.LiteConfidence),
		"person_detected":     strconv.FormatBool(c.PersonDetected),
		"vehicle_detected":    strconv.FormatBool(c.VehicleDetected),
		"motion_score":        formatFloat(c.MotionScore),
		"time_of_day_factor":  formatFloat(c.TimeOfDayFactor),
		"location_importance": formatFloat(c.LocationImportance),
	}
}

// CandidateFromHash rebuilds a candidate from its redis hash fields.
func CandidateFromHash(fields map[string]string) (*Candidate, error) {
	if fields["event_id"] == "" {
		return nil, fmt.Errorf("candidate hash missing event_id")
	}

	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("candidate %s: bad timestamp: %w", fields["event_id"], err)
	}

	c := &Candidate{
		EventID:       fields["event_id"],
		HomeID:        fields["home_id"],
		UserID:        fields["user_id"],
		CreatedAt:     ts,
		ImageURL:      fields["image_url"],
		Location:      fields["location"],
		Mode:          fields["mode"],
		LiteExplainer: fields["lite_explainer"],
	}

	c.Priority = Priority(parseInt(fields["priority"], int(PriorityNormal)))
	c.Tier = Tier(parseInt(fields["processing_tier"], int(TierStandard)))
	c.LiteProcessed = fields["lite_processed"] == "true"
	c.PersonDetected = fields["person_detected"] == "true"
	c.VehicleDetected = fields["vehicle_detected"] == "true"
	c.LiteConfidence = parseFloat(fields["lite_confidence"], 0)
	c.MotionScore = parseFloat(fields["motion_score"], 0)
	c.TimeOfDayFactor = parseFloat(fields["time_of_day_factor"], 1)
	c.LocationImportance = parseFloat(fields["location_importance"], 1)

	if raw := fields["lite_channels"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.LiteChannels); err != nil {
			return nil, fmt.Errorf("candidate %s: bad lite_channels: %w", c.EventID, err)
		}
	}

	return c, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseInt(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}

func parseFloat(s string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return fallback
}
