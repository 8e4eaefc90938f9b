// SPDX-License-Identifier: MIT

// Package event defines the candidate model shared by the store,
// scheduler and workers, together with the ingest mapping that turns a
// raw camera event into a candidate.
package event

import "fmt"

// Priority is the coarse event priority assigned at ingest.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Tier is the subscription class controlling deep-processing allowance.
type Tier int

const (
	TierLiteOnly   Tier = 1
	TierStandard   Tier = 2
	TierPremium    Tier = 3
	TierEnterprise Tier = 4
)

func (t Tier) String() string {
	switch t {
	case TierLiteOnly:
		return "LITE_ONLY"
	case TierStandard:
		return "STANDARD"
	case TierPremium:
		return "PREMIUM"
	case TierEnterprise:
		return "ENTERPRISE"
	default:
		return fmt.Sprintf("TIER(%d)", int(t))
	}
}

// QueueSuffix is the lowercase tier name used in queue keys.
func (t Tier) QueueSuffix() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	case TierEnterprise:
		return "enterprise"
	default:
		return "lite_only"
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= TierLiteOnly && t <= TierEnterprise
}

// DeepTiers lists the tiers eligible for deep processing, in the fixed
// order the scheduler walks them each round.
var DeepTiers = []Tier{TierStandard, TierPremium, TierEnterprise}

// ParseTier maps a tier name (either case) to its Tier value.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "LITE_ONLY", "lite_only":
		return TierLiteOnly, nil
	case "STANDARD", "standard":
		return TierStandard, nil
	case "PREMIUM", "premium":
		return TierPremium, nil
	case "ENTERPRISE", "enterprise":
		return TierEnterprise, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Operator-selected camera sensitivity modes.
const (
	ModeStealth   = "stealth"
	ModeGuardian  = "guardian"
	ModePerimeter = "perimeter"
	ModeEmergency = "emergency"
	ModeAlarm     = "alarm"
)
