// Package telemetry derives speeds, altitude statistics and flight-phase
// heuristics from timed paths.
package telemetry

import (
	"math"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

const (
	// MidFlightAltitudeM is the altitude above which a path endpoint counts
	// as airborne.
	MidFlightAltitudeM = 400.0
	// StabilityThresholdM is the maximum altitude spread of a stable sample.
	StabilityThresholdM = 100.0
	// ShortPathPoints is the length up to which landings use the absolute
	// cutoff only.
	ShortPathPoints = 10
	// ShortPathLandingCutoffM is the highest valid landing altitude of a
	// short path.
	ShortPathLandingCutoffM = 1000.0

	minSample = 5
	maxSample = 50
)

// SampleSize returns how many points the start and end heuristics look at:
// a quarter of the path clamped to [5, 50].
func SampleSize(n int) int {
	s := n / 4
	if s < minSample {
		s = minSample
	}
	if s > maxSample {
		s = maxSample
	}
	return s
}

// MidFlightStart reports whether a recording began in the air: the start is
// above MidFlightAltitudeM and the first SampleSize points vary by less than
// StabilityThresholdM.
func MidFlightStart(path models.Path, startAltitude float64) bool {
	if len(path) == 0 || startAltitude <= MidFlightAltitudeM {
		return false
	}
	n := min(SampleSize(len(path)), len(path))
	spread, ok := altitudeSpread(path[:n])
	return ok && spread < StabilityThresholdM
}

// ValidLanding reports whether a recording plausibly ended on the ground.
// Short paths only compare the end altitude with ShortPathLandingCutoffM.
// Longer paths are rejected when they end above MidFlightAltitudeM while
// the altitude over the last SampleSize points is still changing.
func ValidLanding(path models.Path, endAltitude float64) bool {
	if len(path) == 0 {
		return false
	}
	if len(path) <= ShortPathPoints {
		return endAltitude <= ShortPathLandingCutoffM
	}
	if endAltitude <= MidFlightAltitudeM {
		return true
	}
	n := min(SampleSize(len(path)), len(path))
	spread, ok := altitudeSpread(path[len(path)-n:])
	if !ok {
		return true
	}
	return spread < StabilityThresholdM
}

func altitudeSpread(points models.Path) (float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		if a, ok := p.Altitude(); ok {
			lo = math.Min(lo, a)
			hi = math.Max(hi, a)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, false
	}
	return hi - lo, true
}
