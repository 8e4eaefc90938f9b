// SPDX-License-Identifier: MIT

// Package session defines the JSON wire schemas exchanged over the
// processing queues: the session descriptor, the deprecated legacy
// per-event job, completion notices, digest records and persisted
// results. All payloads keep the field names the downstream
// collaborators already consume.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nightwatch-systems/nightwatch/internal/event"
)

// Session is the unit of work handed to a worker: an ordered slice of
// event ids, of which at most K are actually processed before the
// deadline.
type Session struct {
	SessionID    string             `json:"session_id"`
	HomeID       string             `json:"home_id"`
	EventIDs     []string           `json:"event_ids"`
	Tier         string             `json:"tier"`
	K            int                `json:"K"`
	DeadlineMS   int                `json:"deadline_ms"`
	Priority     string             `json:"priority"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	BypassReason string             `json:"bypass_reason,omitempty"`
	LiteResults  *event.LiteResults `json:"lite_results,omitempty"`
}

// Validate enforces the session invariants before a descriptor is
// accepted for processing.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session missing session_id")
	}
	if len(s.EventIDs) == 0 {
		return fmt.Errorf("session %s has no event_ids", s.SessionID)
	}
	if s.K <= 0 {
		return fmt.Errorf("session %s: K must be positive", s.SessionID)
	}
	if s.DeadlineMS <= 0 {
		return fmt.Errorf("session %s: deadline_ms must be positive", s.SessionID)
	}
	return nil
}

// Deadline returns the processing deadline as a duration.
func (s *Session) Deadline() time.Duration {
	return time.Duration(s.DeadlineMS) * time.Millisecond
}

// LegacyJob is the deprecated single-event descriptor. Workers still
// consume it for backward compatibility; nothing in this process
// produces it anymore.
type LegacyJob struct {
	EventID     string             `json:"event_id"`
	HomeID      string             `json:"home_id"`
	UserID      string             `json:"user_id"`
	ImageURL    string             `json:"image_url"`
	Location    string             `json:"location"`
	Mode        string             `json:"mode"`
	Tier        int                `json:"processing_tier"`
	Priority    int                `json:"priority"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	LiteResults *event.LiteResults `json:"lite_results,omitempty"`
}

func (j *LegacyJob) validate() error {
	if j.EventID == "" {
		return fmt.Errorf("legacy job missing event_id")
	}
	if j.ImageURL == "" {
		return fmt.Errorf("legacy job %s missing image_url", j.EventID)
	}
	return nil
}

// Work is the decoded form of one queue payload: exactly one of the two
// variants is set.
type Work struct {
	Session *Session
	Legacy  *LegacyJob
}

// DecodeWork parses a queue payload by ordered trial: the session
// schema first, then the legacy job schema. Failing both is a bad-input
// error and the payload should be dropped with a log entry.
func DecodeWork(data []byte) (Work, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err == nil && s.Validate() == nil {
		return Work{Session: &s}, nil
	}

	var j LegacyJob
	if err := json.Unmarshal(data, &j); err == nil && j.validate() == nil {
		return Work{Legacy: &j}, nil
	}

	return Work{}, fmt.Errorf("payload matches neither session nor legacy job schema")
}

// Completion is the per-event notice a worker pushes after a session or
// legacy job finishes, successful or not. Duplicates are tolerated by
// the consumer.
type Completion struct {
	EventID     string    `json:"event_id"`
	WorkerID    string    `json:"worker_id"`
	Success     bool      `json:"success"`
	CompletedAt time.Time `json:"completed_at"`
}

// Detection is one deep-inference hit.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       []int   `json:"bbox,omitempty"`
}

// EventFinding records the outcome of one event inside a session.
type EventFinding struct {
	EventID    string      `json:"event_id"`
	Success    bool        `json:"success"`
	Detections []Detection `json:"detections,omitempty"`
	Confidence float64     `json:"confidence"`
	RiskScore  float64     `json:"risk_score"`
	Error      string      `json:"error,omitempty"`
}

// ThreatIndicator flags one detection class worth surfacing downstream.
type ThreatIndicator struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	EventID    string  `json:"event_id"`
}

// ProcessingStats summarises the shape of the session that produced a
// findings tree.
type ProcessingStats struct {
	TotalEvents int    `json:"total_events"`
	DeadlineMS  int    `json:"deadline_ms"`
	Tier        string `json:"tier"`
}

// Findings is the structured output of one session.
type Findings struct {
	EventsProcessed  []EventFinding    `json:"events_processed"`
	Summary          string            `json:"summary"`
	RiskScore        float64           `json:"risk_score"`
	ThreatIndicators []ThreatIndicator `json:"threat_indicators"`
	ProcessingStats  ProcessingStats   `json:"processing_stats"`
}

// Result is the persisted outcome of a session, stored under
// session_result:{session_id} with a 24 h TTL.
type Result struct {
	SessionID            string    `json:"session_id"`
	Success              bool      `json:"success"`
	ProcessingDurationMS int       `json:"processing_duration_ms"`
	Timestamp            time.Time `json:"timestamp"`
	Findings             Findings  `json:"findings"`
	ErrorMessage         string    `json:"error_message,omitempty"`
}

// Digest is the per-session record pushed to digest_queue for the
// notification collaborators.
type Digest struct {
	SessionID            string    `json:"session_id"`
	HomeID               string    `json:"home_id"`
	Tier                 string    `json:"tier"`
	Findings             Findings  `json:"findings"`
	ProcessingDurationMS int       `json:"processing_duration_ms"`
	CompletedAt          time.Time `json:"completed_at"`
}

// LegacyDigest is the per-event record pushed to digest_queue when a
// legacy job succeeds, mirroring the session digest for the
// notification collaborators.
type LegacyDigest struct {
	EventID     string       `json:"event_id"`
	UserID      string       `json:"user_id"`
	HomeID      string       `json:"home_id"`
	Result      LegacyResult `json:"result"`
	Tier        int          `json:"processing_tier"`
	CompletedAt time.Time    `json:"completed_at"`
}

// LegacyResult is the persisted outcome of a legacy job, stored under
// result:{event_id}.
type LegacyResult struct {
	EventID              string      `json:"event_id"`
	Success              bool        `json:"success"`
	ProcessingDurationMS int         `json:"processing_duration_ms"`
	Timestamp            time.Time   `json:"timestamp"`
	Detections           []Detection `json:"detections,omitempty"`
	RiskScore            float64     `json:"risk_score"`
	Summary              string      `json:"summary,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
}
