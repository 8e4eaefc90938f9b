// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/nightwatch-systems/nightwatch/internal/session"
)

// Detector runs deep inference over one event frame. Implementations
// must honor ctx cancellation; the session deadline rides on it.
type Detector interface {
	Detect(ctx context.Context, image []byte, eventID, location string) ([]session.Detection, error)
}

// StubDetector stands in for the GPU inference backend. Its output is a
// deterministic function of event id and location so pipelines can be
// exercised end to end without model weights.
type StubDetector struct {
	// Latency is simulated per-call inference time.
	Latency time.Duration
}

func (d *StubDetector) Detect(ctx context.Context, _ []byte, eventID, location string) ([]session.Detection, error) {
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	jitter := hash32(eventID) % 100

	switch location {
	case "front_door", "back_door":
		return []session.Detection{{
			Class:      "person",
			Confidence: 0.7 + float64(jitter)/500,
			BBox:       []int{120, 80, 320, 460},
		}}, nil
	case "driveway", "garage":
		return []session.Detection{{
			Class:      "car",
			Confidence: 0.6 + float64(jitter)/400,
			BBox:       []int{60, 200, 520, 420},
		}}, nil
	default:
		return nil, nil
	}
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
