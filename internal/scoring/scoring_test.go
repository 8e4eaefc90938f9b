// SPDX-License-Identifier: MIT

package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateFormula(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		wantScore float64
		wantBand  Band
	}{
		{
			name:      "person only guardian day",
			in:        Input{Channels: Channels{Person: true}, Mode: "guardian", DistanceToPerimeterM: 10},
			wantScore: 1.00,
			wantBand:  BandHigh,
		},
		{
			name:      "vehicle only guardian day",
			in:        Input{Channels: Channels{Vehicle: true}, Mode: "guardian", DistanceToPerimeterM: 10},
			wantScore: 0.70,
			wantBand:  BandHigh,
		},
		{
			name:      "linger only stealth",
			in:        Input{Channels: Channels{Linger: true}, Mode: "stealth", DistanceToPerimeterM: 10},
			wantScore: 0.15 * 0.70,
			wantBand:  BandLow,
		},
		{
			name:      "person with pet discount",
			in:        Input{Channels: Channels{Person: true, Pet: true}, Mode: "guardian", DistanceToPerimeterM: 10},
			wantScore: 1.00 * 0.40,
			wantBand:  BandMedium,
		},
		{
			name:      "vehicle at perimeter at night",
			in:        Input{Channels: Channels{Vehicle: true}, Mode: "perimeter", DistanceToPerimeterM: 1.0, IsNight: true},
			wantScore: clamp01(0.70 * 1.25 * 1.15 * 1.30),
			wantBand:  BandHigh,
		},
		{
			name:      "nothing detected",
			in:        Input{Mode: "guardian", DistanceToPerimeterM: 10},
			wantScore: 0,
			wantBand:  BandLow,
		},
		{
			name:      "clamped above one",
			in:        Input{Channels: Channels{Person: true, Vehicle: true, Linger: true}, Mode: "perimeter", DistanceToPerimeterM: 0.5, IsNight: true},
			wantScore: 1.00,
			wantBand:  BandHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.in)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
			assert.Equal(t, tt.wantBand, got.Band)
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	in := Input{
		Channels:             Channels{Person: true, Linger: true},
		Mode:                 "perimeter",
		DistanceToPerimeterM: 1.2,
		IsNight:              true,
	}
	first := Evaluate(in)
	for i := 0; i < 1000; i++ {
		again := Evaluate(in)
		require.True(t, math.Abs(first.Score-again.Score) < 1e-9)
		require.Equal(t, first.Band, again.Band)
	}
}

func TestBandEdges(t *testing.T) {
	// Scores exactly at a cutoff belong to the band above it.
	for _, mode := range []string{"stealth", "guardian", "perimeter"} {
		low, high := Thresholds(mode)
		assert.Less(t, low, high, mode)
	}

	// guardian: person+pet = 0.40, between 0.30 and 0.60.
	got := Evaluate(Input{Channels: Channels{Person: true, Pet: true}, Mode: "guardian", DistanceToPerimeterM: 5})
	assert.Equal(t, BandMedium, got.Band)

	// stealth lowers the same detection below its 0.35 cutoff: 0.40*0.70=0.28.
	got = Evaluate(Input{Channels: Channels{Person: true, Pet: true}, Mode: "stealth", DistanceToPerimeterM: 5})
	assert.Equal(t, BandLow, got.Band)
}

func TestUnknownModeFallsBackToGuardian(t *testing.T) {
	a := Evaluate(Input{Channels: Channels{Vehicle: true}, Mode: "guardian", DistanceToPerimeterM: 5})
	b := Evaluate(Input{Channels: Channels{Vehicle: true}, Mode: "bogus", DistanceToPerimeterM: 5})
	assert.Equal(t, a, b)
}
