// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus instruments populated by the
// store, scheduler, queues and workers. It is write-only for the rest
// of the core; nothing in the pipeline reads these values back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage metrics.
var (
	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_store_ops_total",
		Help: "Candidate store operations by operation and outcome",
	}, []string{"op", "status"}) // status=success|failure

	CandidatesEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_store_candidates_evicted_total",
		Help: "Candidates dropped by per-home cap trimming",
	})

	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nightwatch_queue_length",
		Help: "Current length per queue (last observation)",
	}, []string{"queue"})
)

// Scheduler metrics.
var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_scheduler_rounds_total",
		Help: "Scheduling rounds by autothrottle outcome",
	}, []string{"throttled"}) // throttled=true|false

	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nightwatch_scheduler_round_duration_seconds",
		Help:    "Wall time of one scheduling round",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	ScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_scheduler_scheduled_total",
		Help: "Sessions enqueued by tier",
	}, []string{"tier"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_scheduler_rate_limited_total",
		Help: "Candidates deferred by token-bucket exhaustion, by tier",
	}, []string{"tier"})

	LifeSafetyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_scheduler_life_safety_total",
		Help: "Events preempted onto the emergency queue",
	})

	DeepBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_scheduler_deep_backlog",
		Help: "Deep queue lengths plus in-flight set size at round start",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_scheduler_in_flight",
		Help: "Events scheduled but not yet completed",
	})

	BucketTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nightwatch_bucket_tokens",
		Help: "Current token-bucket fill by tier",
	}, []string{"tier"})

	BucketCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nightwatch_bucket_capacity",
		Help: "Current token-bucket capacity by tier",
	}, []string{"tier"})
)

// Processing metrics.
var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_worker_sessions_total",
		Help: "Sessions processed by tier and outcome",
	}, []string{"tier", "status"}) // status=success|failure

	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nightwatch_worker_session_duration_seconds",
		Help:    "End-to-end session processing time by tier",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tier"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_worker_events_total",
		Help: "Per-event outcomes inside sessions",
	}, []string{"status"}) // status=success|download_failure|inference_failure|error

	DeadlineTruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_worker_deadline_truncated_total",
		Help: "Sessions stopped early at the 80% deadline mark",
	})

	LegacyJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_worker_legacy_jobs_total",
		Help: "Legacy single-event jobs by outcome",
	}, []string{"status"})
)

// Business metrics.
var (
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_detections_total",
		Help: "Deep-inference detections by class and location",
	}, []string{"class", "location"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nightwatch_session_risk_score",
		Help:    "Aggregated session risk scores",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	LiteBandTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_lite_band_total",
		Help: "Lite-score threshold bands by mode",
	}, []string{"mode", "band"})

	BadInputTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_bad_input_total",
		Help: "Dropped undecodable payloads by source",
	}, []string{"source"})
)
