// SPDX-License-Identifier: MIT

package ratelimit

import (
	"time"

	"github.com/nightwatch-systems/nightwatch/internal/event"
)

// Allowances holds the per-minute event allowance for each deep tier.
type Allowances struct {
	Standard   int
	Premium    int
	Enterprise int
}

// DefaultAllowances mirrors the subscription plans: roughly 2, 7 and 32
// deep sessions per minute.
func DefaultAllowances() Allowances {
	return Allowances{Standard: 2, Premium: 7, Enterprise: 32}
}

// Set maps deep tiers to their buckets. LITE_ONLY has no bucket and is
// never scheduled for deep work.
type Set struct {
	buckets map[event.Tier]*Bucket
}

// NewSet builds one bucket per deep tier from the allowances.
func NewSet(a Allowances) *Set {
	return newSet(a, time.Now)
}

func newSet(a Allowances, now func() time.Time) *Set {
	return &Set{buckets: map[event.Tier]*Bucket{
		event.TierStandard:   newBucket(event.TierStandard.QueueSuffix(), a.Standard, now),
		event.TierPremium:    newBucket(event.TierPremium.QueueSuffix(), a.Premium, now),
		event.TierEnterprise: newBucket(event.TierEnterprise.QueueSuffix(), a.Enterprise, now),
	}}
}

// Bucket returns the bucket for a tier, or nil for tiers without one.
func (s *Set) Bucket(t event.Tier) *Bucket {
	return s.buckets[t]
}

// ThrottleAll applies a throttle factor to every bucket.
func (s *Set) ThrottleAll(factor float64) {
	for _, b := range s.buckets {
		b.Throttle(factor)
	}
}

// RestoreAll resets every bucket to its configured capacity.
func (s *Set) RestoreAll() {
	for _, b := range s.buckets {
		b.Restore()
	}
}

// Snapshots reports every bucket keyed by tier name.
func (s *Set) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, len(s.buckets))
	for tier, b := range s.buckets {
		out[tier.String()] = b.Snapshot()
	}
	return out
}
