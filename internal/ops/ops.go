// SPDX-License-Identifier: MIT

// Package ops exposes the daemon's HTTP surface: event ingestion,
// operator actions, health and stats, and the Prometheus endpoint.
package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nightwatch-systems/nightwatch/internal/event"
	"github.com/nightwatch-systems/nightwatch/internal/ingest"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/scheduler"
	"github.com/nightwatch-systems/nightwatch/internal/store"
)

// Server wires the HTTP handlers to the pipeline components.
type Server struct {
	rdb    *redis.Client
	store  *store.Store
	queues *queue.Queues
	sched  *scheduler.Scheduler
	ingest *ingest.Service
	logger zerolog.Logger
}

// New creates the HTTP surface.
func New(rdb *redis.Client, st *store.Store, q *queue.Queues, sched *scheduler.Scheduler, ing *ingest.Service, logger zerolog.Logger) *Server {
	return &Server{
		rdb:    rdb,
		store:  st,
		queues: q,
		sched:  sched,
		ingest: ing,
		logger: logger.With().Str("component", "ops").Logger(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleNewEvent)
		r.Post("/events/{eventID}/lite", s.handleLiteResults)

		// Force scheduling bypasses pacing; keep operators from
		// turning it into a firehose.
		r.With(httprate.LimitByIP(30, time.Minute)).
			Post("/schedule/{eventID}", s.handleForceSchedule)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "redis unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the operator-facing snapshot of the pipeline.
type statsResponse struct {
	Store    store.Stats            `json:"store"`
	Queues   map[string]int64       `json:"queues"`
	Buckets  map[string]bucketView  `json:"buckets"`
	InFlight int                    `json:"in_flight"`
	Rounds   []scheduler.RoundStats `json:"recent_rounds"`
}

type bucketView struct {
	Tokens      float64 `json:"tokens"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := s.store.Stats(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store stats failed")
		return
	}
	lens, err := s.queues.Lengths(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "queue lengths failed")
		return
	}
	rounds, err := s.sched.RecentRounds(ctx, 10)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "round history failed")
		return
	}

	buckets := map[string]bucketView{}
	for tier, snap := range s.sched.BucketSnapshots() {
		buckets[tier] = bucketView{Tokens: snap.Tokens, Capacity: snap.Capacity, Utilization: snap.Utilization}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Store:    st,
		Queues:   lens,
		Buckets:  buckets,
		InFlight: len(s.sched.InFlightIDs()),
		Rounds:   rounds,
	})
}

// newEventRequest is the ingest payload: the raw event plus optional
// device triage output.
type newEventRequest struct {
	event.Ingest
	LiteResults *event.LiteResults `json:"lite_results,omitempty"`
}

func (s *Server) handleNewEvent(w http.ResponseWriter, r *http.Request) {
	var req newEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acc, err := s.ingest.OnNewEvent(r.Context(), req.Ingest, req.LiteResults)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleLiteResults(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var lite event.LiteResults
	if err := json.NewDecoder(r.Body).Decode(&lite); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.ingest.OnLiteResults(r.Context(), eventID, r.URL.Query().Get("home_id"), lite)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "status": "updated"})
}

func (s *Server) handleForceSchedule(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var tier event.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, err := event.ParseTier(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = t
	}

	sessionID, err := s.sched.ForceSchedule(r.Context(), eventID, tier)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "session_id": sessionID})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
