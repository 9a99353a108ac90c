// Package conflict decides when two positions of the same book genuinely
// disagree, and provides the primitives that resolve a disagreement.
package conflict

import (
	"math"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

const (
	DefaultWindow  = 10 * time.Second
	DefaultEpsilon = 0.01
)

// Detector flags position pairs that need a user decision.
type Detector struct {
	// Window is the largest timestamp gap treated as the same reading session.
	Window time.Duration
	// Epsilon is the largest progress difference treated as the same place.
	Epsilon float64
}

// DefaultDetector returns a Detector with a 10s window and 1% epsilon.
func DefaultDetector() Detector {
	return Detector{Window: DefaultWindow, Epsilon: DefaultEpsilon}
}

// IsConflict reports whether local and remote disagree. Writes from the same
// device, writes close together in time and writes at nearly the same place
// never conflict.
func (d Detector) IsConflict(local, remote schema.Position) bool {
	if local.DeviceID == remote.DeviceID {
		return false
	}
	gap := time.Duration(abs64(local.Timestamp-remote.Timestamp)) * time.Millisecond
	if gap <= d.Window {
		return false
	}
	if math.Abs(local.Percentage-remote.Percentage) <= d.Epsilon {
		return false
	}
	return true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
