// SPDX-License-Identifier: MIT

// Package worker consumes processing sessions from the deep queues,
// runs inference within the session deadline and reports findings,
// completions and digests back through Redis.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/metrics"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/session"
)

const (
	resultTTL = 24 * time.Hour

	// deadlineBudget is the share of the session deadline spent on
	// events; the remainder is reserved for aggregation and writes.
	deadlineBudget = 0.8

	workerMetricsKey = "worker_metrics"
	workerMetricsCap = 1000
)

// Config tunes one worker; zero values select the defaults.
type Config struct {
	// PopTimeout bounds one blocking queue wait.
	PopTimeout time.Duration
	// BatchSize flushes the legacy batch when reached.
	BatchSize int
	// BatchWait flushes a partial legacy batch after this long.
	BatchWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 10 * time.Second
	}
	return c
}

// Worker is one consumer loop over the deep queues.
type Worker struct {
	id       string
	rdb      *redis.Client
	queues   *queue.Queues
	detector Detector
	fetcher  Fetcher
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time

	batch      []session.LegacyJob
	batchSince time.Time
}

// New creates a worker with a fresh id.
func New(rdb *redis.Client, q *queue.Queues, det Detector, fetch Fetcher, logger zerolog.Logger, cfg Config) *Worker {
	id := "worker_" + uuid.NewString()[:8]
	return &Worker{
		id:       id,
		rdb:      rdb,
		queues:   q,
		detector: det,
		fetcher:  fetch,
		logger:   logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// ID returns the worker id used in completions.
func (w *Worker) ID() string { return w.id }

// Run consumes queues until ctx is cancelled, then drains any buffered
// legacy jobs before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.flushBatch(context.WithoutCancel(ctx))
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		}

		name, data, err := w.queues.Pop(ctx, queue.DeepQueues, w.cfg.PopTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("queue pop failed")
			}
			w.maybeFlushBatch(ctx)
			continue
		}

		work, err := session.DecodeWork(data)
		if err != nil {
			metrics.BadInputTotal.WithLabelValues(name).Inc()
			w.logger.Warn().Str("queue", name).Msg("dropping undecodable payload")
			continue
		}

		switch {
		case work.Session != nil:
			w.ProcessSession(ctx, *work.Session)
		case work.Legacy != nil:
			w.batch = append(w.batch, *work.Legacy)
			if len(w.batch) == 1 {
				w.batchSince = w.now()
			}
			if len(w.batch) >= w.cfg.BatchSize {
				w.flushBatch(ctx)
			}
		}
		w.maybeFlushBatch(ctx)
	}
}

// ProcessSession runs one session end to end: per-event inference in
// order until the deadline budget is spent, then aggregation, result
// persistence, one completion per event id and a digest record. A
// panicking detector fails the session instead of killing the worker.
func (w *Worker) ProcessSession(ctx context.Context, sess session.Session) {
	start := w.now()
	budget := time.Duration(float64(sess.Deadline()) * deadlineBudget)

	var (
		findings  []session.EventFinding
		truncated bool
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("session_id", sess.SessionID).
					Interface("panic", r).
					Msg("session processing panicked")
			}
		}()

		limit := sess.K
		if limit > len(sess.EventIDs) {
			limit = len(sess.EventIDs)
		}
		for _, id := range sess.EventIDs[:limit] {
			if w.now().Sub(start) >= budget {
				truncated = true
				metrics.DeadlineTruncatedTotal.Inc()
				break
			}
			findings = append(findings, w.processEvent(ctx, id, sess.HomeID))
		}
	}()

	result := w.aggregate(sess, findings, truncated, start)

	if err := w.persistResult(ctx, "session_result:"+sess.SessionID, result); err != nil {
		w.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("result write failed")
	}
	w.sendCompletions(ctx, sess.EventIDs, findings, result.Success)
	w.sendDigest(ctx, sess, result)
	w.recordSessionMetrics(ctx, sess, result)

	status := "success"
	if !result.Success {
		status = "failure"
	}
	metrics.SessionsTotal.WithLabelValues(sess.Tier, status).Inc()
	metrics.SessionDuration.WithLabelValues(sess.Tier).Observe(w.now().Sub(start).Seconds())
	metrics.RiskScore.Observe(result.Findings.RiskScore)

	w.logger.Info().
		Str("session_id", sess.SessionID).
		Int("processed", len(findings)).
		Int("of", len(sess.EventIDs)).
		Bool("truncated", truncated).
		Bool("success", result.Success).
		Float64("risk", result.Findings.RiskScore).
		Msg("session done")
}

// processEvent resolves one event's detail, downloads its frame and
// runs inference. Failures are findings, not errors; the session keeps
// going.
func (w *Worker) processEvent(ctx context.Context, eventID, homeID string) session.EventFinding {
	finding := session.EventFinding{EventID: eventID}

	detail := w.eventDetail(ctx, eventID, homeID)

	var image []byte
	if detail.ImageURL != "" {
		var err error
		image, err = w.fetcher.Fetch(ctx, detail.ImageURL)
		if err != nil {
			metrics.EventsTotal.WithLabelValues("download_failure").Inc()
			finding.Error = fmt.Sprintf("download failed: %v", err)
			return finding
		}
	}

	detections, err := w.detector.Detect(ctx, image, eventID, detail.Location)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("inference_failure").Inc()
		finding.Error = fmt.Sprintf("inference failed: %v", err)
		return finding
	}

	finding.Success = true
	finding.Detections = detections
	finding.RiskScore = riskScore(detections, detail.Location)
	for _, d := range detections {
		if d.Confidence > finding.Confidence {
			finding.Confidence = d.Confidence
		}
		metrics.DetectionsTotal.WithLabelValues(d.Class, detail.Location).Inc()
	}
	metrics.EventsTotal.WithLabelValues("success").Inc()
	return finding
}

// eventDetail reads the detail cache written at scheduling time. A
// missing entry degrades to a stub carrying the session's home and the
// conventional media URL so inference still runs.
func (w *Worker) eventDetail(ctx context.Context, eventID, homeID string) *event.Candidate {
	raw, err := w.rdb.Get(ctx, "event:"+eventID).Result()
	if err == nil {
		var c event.Candidate
		if json.Unmarshal([]byte(raw), &c) == nil && c.EventID != "" {
			return &c
		}
	}
	w.logger.Debug().Str("event_id", eventID).Msg("no detail cache, using stub detail")
	return &event.Candidate{
		EventID:  eventID,
		HomeID:   homeID,
		ImageURL: "https://media.nightwatch.io/events/" + eventID + "/image",
		Location: "unknown",
	}
}

// Per-class risk weights for the aggregate score.
var riskWeights = map[string]float64{
	"person":     0.4,
	"car":        0.2,
	"truck":      0.2,
	"motorcycle": 0.2,
	"weapon":     0.8,
	"knife":      0.8,
	"gun":        0.8,
}

func riskScore(detections []session.Detection, location string) float64 {
	score := 0.1
	for _, d := range detections {
		score += riskWeights[d.Class] * d.Confidence
	}
	switch location {
	case "front_door", "back_door":
		score += 0.1
	}
	if score > 1 {
		return 1
	}
	return score
}

// threatClass maps detector classes onto the indicator vocabulary the
// notification side consumes. Non-threat classes map to empty.
func threatClass(class string) string {
	switch class {
	case "person":
		return "person"
	case "car", "truck", "motorcycle", "vehicle":
		return "vehicle"
	case "weapon", "knife", "gun":
		return "weapon"
	case "package":
		return "package"
	default:
		return ""
	}
}

func (w *Worker) aggregate(sess session.Session, findings []session.EventFinding, truncated bool, start time.Time) session.Result {
	var (
		successes int
		totalRisk float64
		threats   []session.ThreatIndicator
	)

	for _, f := range findings {
		totalRisk += f.RiskScore
		if !f.Success {
			continue
		}
		successes++
		for _, d := range f.Detections {
			tc := threatClass(d.Class)
			if tc == "" {
				continue
			}
			threats = append(threats, session.ThreatIndicator{Type: tc, Confidence: d.Confidence, EventID: f.EventID})
		}
	}

	// Session risk is the mean over every processed event, failures
	// included at zero.
	risk := totalRisk / float64(max(1, len(findings)))

	attempted := min(sess.K, len(sess.EventIDs))

	result := session.Result{
		SessionID:            sess.SessionID,
		Success:              successes > 0,
		ProcessingDurationMS: int(w.now().Sub(start).Milliseconds()),
		Timestamp:            w.now().UTC(),
		Findings: session.Findings{
			EventsProcessed:  findings,
			Summary:          summarize(sess.SessionID, successes, len(findings), threats, risk),
			RiskScore:        risk,
			ThreatIndicators: threats,
			ProcessingStats: session.ProcessingStats{
				TotalEvents: attempted,
				DeadlineMS:  sess.DeadlineMS,
				Tier:        sess.Tier,
			},
		},
	}

	if len(findings) == 0 && truncated {
		result.ErrorMessage = "deadline-exceeded"
	} else if successes == 0 {
		result.ErrorMessage = "no events processed successfully"
	}
	return result
}

func summarize(sessionID string, successes, processed int, threats []session.ThreatIndicator, risk float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d/%d events from session %s", successes, processed, sessionID)

	if len(threats) > 0 {
		seen := map[string]bool{}
		var types []string
		for _, t := range threats {
			if !seen[t.Type] {
				seen[t.Type] = true
				types = append(types, t.Type)
			}
		}
		sort.Strings(types)
		fmt.Fprintf(&b, ", detected %d threats: %s", len(threats), strings.Join(types, ", "))
	}

	switch {
	case risk > 0.7:
		b.WriteString(" (HIGH RISK)")
	case risk > 0.4:
		b.WriteString(" (MODERATE RISK)")
	default:
		b.WriteString(" (LOW RISK)")
	}
	return b.String()
}

// sendCompletions reports every session event id back to the
// scheduler, processed or not, so the in-flight ledger always drains.
func (w *Worker) sendCompletions(ctx context.Context, eventIDs []string, findings []session.EventFinding, overall bool) {
	done := map[string]bool{}
	for _, f := range findings {
		done[f.EventID] = f.Success
	}
	for _, id := range eventIDs {
		ok, processed := done[id]
		if !processed {
			ok = overall
		}
		c := session.Completion{
			EventID:     id,
			WorkerID:    w.id,
			Success:     ok,
			CompletedAt: w.now().UTC(),
		}
		if err := w.queues.Push(ctx, queue.Completions, c); err != nil {
			w.logger.Error().Err(err).Str("event_id", id).Msg("completion push failed")
		}
	}
}

func (w *Worker) sendDigest(ctx context.Context, sess session.Session, result session.Result) {
	d := session.Digest{
		SessionID:            sess.SessionID,
		HomeID:               sess.HomeID,
		Tier:                 sess.Tier,
		Findings:             result.Findings,
		ProcessingDurationMS: result.ProcessingDurationMS,
		CompletedAt:          w.now().UTC(),
	}
	if err := w.queues.Push(ctx, queue.Digest, d); err != nil {
		w.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("digest push failed")
	}
}

func (w *Worker) persistResult(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.rdb.Set(ctx, key, data, resultTTL).Err()
}

func (w *Worker) recordSessionMetrics(ctx context.Context, sess session.Session, result session.Result) {
	record, err := json.Marshal(map[string]any{
		"worker_id":   w.id,
		"session_id":  sess.SessionID,
		"tier":        sess.Tier,
		"events":      len(sess.EventIDs),
		"duration_ms": result.ProcessingDurationMS,
		"success":     result.Success,
		"timestamp":   w.now().UTC(),
	})
	if err != nil {
		return
	}
	pipe := w.rdb.Pipeline()
	pipe.LPush(ctx, workerMetricsKey, record)
	pipe.LTrim(ctx, workerMetricsKey, 0, workerMetricsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("worker metrics write failed")
	}
}
