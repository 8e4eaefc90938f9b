// SPDX-License-Identifier: MIT

// Package ratelimit provides the per-tier token buckets gating deep
// processing. Buckets refill lazily on access and expose the capacity
// mutation the scheduler's autothrottle needs, which is why they are
// not built on a stock limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MinBestEffort is the floor below which autothrottle never reduces a
// bucket's capacity.
const MinBestEffort = 5

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nightwatch_bucket_consumed_total",
	Help: "Tokens consumed per bucket by outcome",
}, []string{"bucket", "outcome"}) // outcome=granted|denied

// Bucket is a refillable token bucket whose capacity can be throttled
// at runtime. All arithmetic is local; there are no suspension points.
type Bucket struct {
	mu sync.Mutex

	name         string
	baseCapacity int
	capacity     int
	tokens       float64
	refillRate   float64 // tokens per second
	lastRefill   time.Time

	now func() time.Time
}

// NewBucket builds a bucket sized for perMinute events: capacity is the
// per-minute allowance and refill is capacity/60 per second. The bucket
// starts full.
func NewBucket(name string, perMinute int) *Bucket {
	return newBucket(name, perMinute, time.Now)
}

func newBucket(name string, perMinute int, now func() time.Time) *Bucket {
	return &Bucket{
		name:         name,
		baseCapacity: perMinute,
		capacity:     perMinute,
		tokens:       float64(perMinute),
		refillRate:   float64(perMinute) / 60.0,
		lastRefill:   now(),
		now:          now,
	}
}

// refillLocked advances tokens to the current instant. Callers hold mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(float64(b.capacity), b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// TryConsume takes n tokens if available and reports success.
func (b *Bucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		consumedTotal.WithLabelValues(b.name, "granted").Inc()
		return true
	}
	consumedTotal.WithLabelValues(b.name, "denied").Inc()
	return false
}

// ETA returns how long until TryConsume(n) would succeed, zero when it
// already would.
func (b *Bucket) ETA(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// Throttle shrinks capacity by the given factor, never below
// MinBestEffort, and clamps live tokens to the new capacity.
func (b *Bucket) Throttle(factor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = max(MinBestEffort, int(float64(b.capacity)*(1-factor)))
	b.tokens = min(b.tokens, float64(b.capacity))
}

// Restore resets capacity to its configured allowance once backpressure
// has drained. Tokens are left where refill put them.
func (b *Bucket) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = b.baseCapacity
}

// Snapshot is a point-in-time view of a bucket for stats reporting.
type Snapshot struct {
	Tokens      float64 `json:"tokens"`
	Capacity    int     `json:"capacity"`
	RefillRate  float64 `json:"refill_rate"`
	Utilization float64 `json:"utilization"`
}

// Snapshot reports the bucket after advancing refill.
func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	snap := Snapshot{
		Tokens:     b.tokens,
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
	}
	if b.capacity > 0 {
		snap.Utilization = 1 - b.tokens/float64(b.capacity)
	}
	return snap
}

// Capacity returns the current (possibly throttled) capacity.
func (b *Bucket) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}
