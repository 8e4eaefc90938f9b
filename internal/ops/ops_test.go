// SPDX-License-Identifier: MIT

package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-systems/nightwatch/internal/ingest"
	"github.com/nightwatch-systems/nightwatch/internal/log"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/ratelimit"
	"github.com/nightwatch-systems/nightwatch/internal/scheduler"
	"github.com/nightwatch-systems/nightwatch/internal/session"
	"github.com/nightwatch-systems/nightwatch/internal/store"
)

type fixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	qs     *queue.Queues
	store  *store.Store
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := log.Base()
	st := store.New(rdb, logger, store.Options{})
	qs := queue.New(rdb, logger)
	sched := scheduler.New(rdb, st, qs, ratelimit.NewSet(ratelimit.DefaultAllowances()), logger, scheduler.Config{})
	ing := ingest.New(st, sched, logger)
	srv := New(rdb, st, qs, sched, ing, logger)
	return &fixture{mr: mr, rdb: rdb, qs: qs, store: st, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func eventBody(id string) map[string]any {
	return map[string]any{
		"event_id":  id,
		"user_id":   "user_1",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"image_url": "https://img.example/" + id + ".jpg",
		"location":  "driveway",
		"mode":      "guardian",
		"tier":      "premium",
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.mr.Close()
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events", eventBody("evt_1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var acc ingest.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "evt_1", acc.EventID)
	assert.Equal(t, "PREMIUM", acc.Tier)

	_, err := f.store.Get(context.Background(), "evt_1")
	assert.NoError(t, err)
}

func TestPostEventRejectsBadBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", map[string]any{"event_id": "evt_x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostLiteResults(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/events", eventBody("evt_1")).Code)

	rec := f.do(t, http.MethodPost, "/v1/events/evt_1/lite", map[string]any{
		"channels":   map[string]bool{"person": true},
		"confidence": 0.8,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	c, err := f.store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, c.LiteProcessed)
	assert.True(t, c.PersonDetected)

	rec = f.do(t, http.MethodPost, "/v1/events/evt_missing/lite", map[string]any{"confidence": 0.5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceSchedule(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/events", eventBody("evt_1")).Code)

	rec := f.do(t, http.MethodPost, "/v1/schedule/evt_1?tier=enterprise", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["session_id"])

	_, data, err := f.qs.Pop(context.Background(), []string{queue.Enterprise}, 100*time.Millisecond)
	require.NoError(t, err)
	var s session.Session
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "force_scheduled", s.BypassReason)

	rec = f.do(t, http.MethodPost, "/v1/schedule/evt_1?tier=warp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/schedule/evt_gone", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/events", eventBody("evt_1")).Code)

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Store struct {
			TotalCandidates int64 `json:"total_candidates"`
		} `json:"store"`
		Buckets map[string]struct {
			Capacity int `json:"capacity"`
		} `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Store.TotalCandidates)
	assert.Equal(t, 7, resp.Buckets["PREMIUM"].Capacity)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nightwatch_")
}
