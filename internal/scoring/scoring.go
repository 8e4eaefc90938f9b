// SPDX-License-Identifier: MIT

// Package scoring implements the lite triage score shared between the
// device-side classifier and the server-side fallback. Both sides must
// produce identical float64 results for identical inputs, so the math
// here is a pure function of its arguments with no clocks, no I/O and
// no third-party code between the constants and the result.
package scoring

// Band classifies a score against the per-mode thresholds.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Channels holds the fixed lite-triage detection channels.
type Channels struct {
	Person  bool `json:"person"`
	Vehicle bool `json:"vehicle"`
	Pet     bool `json:"pet"`
	Linger  bool `json:"linger"`
}

// Input carries everything the score depends on.
type Input struct {
	Channels             Channels
	Mode                 string
	DistanceToPerimeterM float64
	IsNight              bool
}

// Result is the score plus its threshold band.
type Result struct {
	Score float64 `json:"score"`
	Band  Band    `json:"band"`
}

const (
	weightPerson  = 1.00
	weightVehicle = 0.70
	weightLinger  = 0.15
	petReduction  = 0.60

	perimeterBoost    = 1.25
	perimeterCutoffM  = 1.5
	nightBoost        = 1.15
	modeFactorStealth = 0.70
	modeFactorGuard   = 1.00
	modeFactorPerim   = 1.30
)

// Thresholds returns the (low, high) cutoffs for a mode. Unknown modes
// fall back to guardian, matching the device implementation.
func Thresholds(mode string) (low, high float64) {
	switch mode {
	case "stealth":
		return 0.35, 0.65
	case "perimeter":
		return 0.25, 0.50
	default: // guardian
		return 0.30, 0.60
	}
}

func modeFactor(mode string) float64 {
	switch mode {
	case "stealth":
		return modeFactorStealth
	case "perimeter":
		return modeFactorPerim
	default: // guardian
		return modeFactorGuard
	}
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Evaluate computes the lite score and its band.
func Evaluate(in Input) Result {
	base := weightPerson*boolTo01(in.Channels.Person) +
		weightVehicle*boolTo01(in.Channels.Vehicle) +
		weightLinger*boolTo01(in.Channels.Linger)

	petFactor := 1 - petReduction*boolTo01(in.Channels.Pet)

	perimeterFactor := 1.00
	if in.DistanceToPerimeterM < perimeterCutoffM {
		perimeterFactor = perimeterBoost
	}

	nightFactor := 1.00
	if in.IsNight {
		nightFactor = nightBoost
	}

	score := clamp01(base * petFactor * perimeterFactor * nightFactor * modeFactor(in.Mode))

	low, high := Thresholds(in.Mode)
	band := BandHigh
	switch {
	case score < low:
		band = BandLow
	case score < high:
		band = BandMedium
	}

	return Result{Score: score, Band: band}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
