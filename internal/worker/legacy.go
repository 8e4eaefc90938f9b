// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nightwatch-systems/nightwatch/internal/metrics"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/session"
)

// maybeFlushBatch flushes a partial legacy batch once it has waited
// long enough.
func (w *Worker) maybeFlushBatch(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	if w.now().Sub(w.batchSince) >= w.cfg.BatchWait {
		w.flushBatch(ctx)
	}
}

// flushBatch processes the buffered legacy jobs concurrently. Legacy
// jobs are independent single events, so unlike session events there is
// no ordering or shared deadline between them.
func (w *Worker) flushBatch(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	jobs := w.batch
	w.batch = nil

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.processLegacy(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	w.logger.Info().Int("jobs", len(jobs)).Msg("legacy batch flushed")
}

func (w *Worker) processLegacy(ctx context.Context, job session.LegacyJob) {
	start := w.now()
	result := session.LegacyResult{
		EventID:   job.EventID,
		Timestamp: start.UTC(),
	}

	image, err := w.fetcher.Fetch(ctx, job.ImageURL)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("download failed: %v", err)
	} else {
		detections, derr := w.detector.Detect(ctx, image, job.EventID, job.Location)
		if derr != nil {
			result.ErrorMessage = fmt.Sprintf("inference failed: %v", derr)
		} else {
			result.Success = true
			result.Detections = detections
			result.RiskScore = riskScore(detections, job.Location)
			result.Summary = legacySummary(job.EventID, detections, result.RiskScore)
			for _, d := range detections {
				metrics.DetectionsTotal.WithLabelValues(d.Class, job.Location).Inc()
			}
		}
	}
	result.ProcessingDurationMS = int(w.now().Sub(start).Milliseconds())

	if err := w.persistResult(ctx, "result:"+job.EventID, result); err != nil {
		w.logger.Error().Err(err).Str("event_id", job.EventID).Msg("legacy result write failed")
	}

	c := session.Completion{
		EventID:     job.EventID,
		WorkerID:    w.id,
		Success:     result.Success,
		CompletedAt: w.now().UTC(),
	}
	if err := w.queues.Push(ctx, queue.Completions, c); err != nil {
		w.logger.Error().Err(err).Str("event_id", job.EventID).Msg("completion push failed")
	}

	if result.Success {
		d := session.LegacyDigest{
			EventID:     job.EventID,
			UserID:      job.UserID,
			HomeID:      job.HomeID,
			Result:      result,
			Tier:        job.Tier,
			CompletedAt: w.now().UTC(),
		}
		if err := w.queues.Push(ctx, queue.Digest, d); err != nil {
			w.logger.Error().Err(err).Str("event_id", job.EventID).Msg("digest push failed")
		}
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	metrics.LegacyJobsTotal.WithLabelValues(status).Inc()
}

func legacySummary(eventID string, detections []session.Detection, risk float64) string {
	if len(detections) == 0 {
		return fmt.Sprintf("No detections for event %s", eventID)
	}
	classes := make([]string, len(detections))
	for i, d := range detections {
		classes[i] = d.Class
	}
	label := "LOW"
	switch {
	case risk > 0.7:
		label = "HIGH"
	case risk > 0.4:
		label = "MODERATE"
	}
	return fmt.Sprintf("Event %s: detected %v (%s RISK)", eventID, classes, label)
}
