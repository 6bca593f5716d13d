package telemetry

import (
	"math"
	"sort"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/geo"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

const (
	KnotsPerKmh       = 0.539957
	FeetPerMeter      = 3.28084
	MinSegmentSeconds = 0.1
	MaxGroundspeedKt  = 200.0
	CruiseThresholdFt = 1000.0
	AltitudeBandFt    = 100
)

// Window is the half width of the rolling groundspeed window.
const Window = 60 * time.Second

// InstantSpeed converts a distance covered in the given time to knots.
// Intervals below MinSegmentSeconds and speeds above MaxGroundspeedKt are
// noise and yield zero.
func InstantSpeed(distanceKm, seconds float64) float64 {
	if seconds < MinSegmentSeconds {
		return 0
	}
	kt := distanceKm * KnotsPerKmh / seconds * 3600
	if kt > MaxGroundspeedKt {
		return 0
	}
	return kt
}

// MetersToFeet converts meters to feet.
func MetersToFeet(m float64) float64 {
	return m * FeetPerMeter
}

// Band rounds a feet altitude to the nearest AltitudeBandFt.
func Band(feet float64) int {
	return int(math.Round(feet/AltitudeBandFt)) * AltitudeBandFt
}

// Segment holds the derived values of one consecutive point pair.
type Segment struct {
	DistanceKm float64
	// Seconds is the elapsed time, zero when unknown or negative.
	Seconds       float64
	InstantKt     float64
	GroundspeedKt float64
	AltitudeM     float64
	HasAltitude   bool
	// Offset is the time of the first point since the first timed point of
	// the path; nil when the segment has no time.
	Offset *float64
}

// BandStats accumulates cruise time and distance in one altitude band.
type BandStats struct {
	Seconds    float64 `json:"seconds"`
	DistanceKm float64 `json:"distance_km"`
}

// Result is the telemetry of one path.
type Result struct {
	Segments         []Segment
	DistanceKm       float64
	Duration         time.Duration
	MinAltitudeM     float64
	MaxAltitudeM     float64
	HasAltitude      bool
	MaxGroundspeedKt float64
	AvgGroundspeedKt float64
	CruiseDistanceKm float64
	CruiseSeconds    float64
	CruiseHistogram  map[int]BandStats
}

// Compute derives per-segment and per-path telemetry.
func Compute(path models.Path, meta models.PathMetadata) Result {
	res := Result{CruiseHistogram: map[int]BandStats{}}
	if len(path) < 2 {
		return res
	}

	res.MinAltitudeM, res.MaxAltitudeM, res.HasAltitude = altitudeRange(path)

	var origin time.Time
	for _, p := range path {
		if p.HasTime() {
			origin = p.Time
			break
		}
	}

	res.Segments = make([]Segment, len(path)-1)
	for i := range res.Segments {
		a, b := path[i], path[i+1]
		s := Segment{DistanceKm: geo.Between(a, b)}
		if a.HasTime() && b.HasTime() {
			if dt := b.Time.Sub(a.Time).Seconds(); dt > 0 {
				s.Seconds = dt
			}
			s.InstantKt = InstantSpeed(s.DistanceKm, s.Seconds)
		}
		if a.HasTime() {
			off := a.Time.Sub(origin).Seconds()
			s.Offset = &off
		}
		s.AltitudeM, s.HasAltitude = SegmentAltitude(a.Coordinate, b.Coordinate)
		res.DistanceKm += s.DistanceKm
		res.Segments[i] = s
	}

	res.Duration = meta.Duration()
	if res.Duration == 0 {
		first, last := origin, time.Time{}
		for i := len(path) - 1; i >= 0; i-- {
			if path[i].HasTime() {
				last = path[i].Time
				break
			}
		}
		if !first.IsZero() && last.After(first) {
			res.Duration = last.Sub(first)
		}
	}

	applyWindowedSpeed(path, res.Segments)
	applyFallbackSpeed(path, res.Segments, res.DistanceKm, res.Duration)

	for _, s := range res.Segments {
		res.MaxGroundspeedKt = math.Max(res.MaxGroundspeedKt, s.GroundspeedKt)
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		res.AvgGroundspeedKt = InstantSpeed(res.DistanceKm, secs)
	}

	accumulateCruise(&res)
	return res
}

// timedSegment is an entry of the window index.
type timedSegment struct {
	at         time.Time
	distanceKm float64
	seconds    float64
}

// applyWindowedSpeed averages distance over time of all valid segments whose
// start lies within Window of each segment's start. Window bounds come from
// binary searches over the time-sorted index and sums from prefix arrays.
func applyWindowedSpeed(path models.Path, segments []Segment) {
	var index []timedSegment
	for i, s := range segments {
		if validInterval(s) {
			index = append(index, timedSegment{at: path[i].Time, distanceKm: s.DistanceKm, seconds: s.Seconds})
		}
	}
	if len(index) == 0 {
		return
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].at.Before(index[j].at) })

	distSum := make([]float64, len(index)+1)
	timeSum := make([]float64, len(index)+1)
	for i, e := range index {
		distSum[i+1] = distSum[i] + e.distanceKm
		timeSum[i+1] = timeSum[i] + e.seconds
	}

	for i := range segments {
		if !path[i].HasTime() {
			continue
		}
		at := path[i].Time
		lo := sort.Search(len(index), func(k int) bool { return !index[k].at.Before(at.Add(-Window)) })
		hi := sort.Search(len(index), func(k int) bool { return index[k].at.After(at.Add(Window)) })
		if hi <= lo {
			continue
		}
		segments[i].GroundspeedKt = InstantSpeed(distSum[hi]-distSum[lo], timeSum[hi]-timeSum[lo])
	}
}

// validInterval reports whether a segment's own time and speed are usable,
// i.e. InstantSpeed did not discard it as noise.
func validInterval(s Segment) bool {
	if s.Seconds < MinSegmentSeconds {
		return false
	}
	return s.DistanceKm*KnotsPerKmh/s.Seconds*3600 <= MaxGroundspeedKt
}

// applyFallbackSpeed gives segments without a time the average speed of the
// path, provided the path duration is known.
func applyFallbackSpeed(path models.Path, segments []Segment, pathKm float64, duration time.Duration) {
	if pathKm <= 0 || duration <= 0 {
		return
	}
	for i := range segments {
		if path[i].HasTime() && path[i+1].HasTime() {
			continue
		}
		seconds := segments[i].DistanceKm / pathKm * duration.Seconds()
		segments[i].Seconds = seconds
		segments[i].GroundspeedKt = InstantSpeed(segments[i].DistanceKm, seconds)
	}
}

func accumulateCruise(res *Result) {
	if !res.HasAltitude {
		return
	}
	for _, s := range res.Segments {
		if !s.HasAltitude {
			continue
		}
		if MetersToFeet(s.AltitudeM-res.MinAltitudeM) <= CruiseThresholdFt {
			continue
		}
		res.CruiseDistanceKm += s.DistanceKm
		res.CruiseSeconds += s.Seconds

		band := Band(MetersToFeet(s.AltitudeM))
		b := res.CruiseHistogram[band]
		b.Seconds += s.Seconds
		b.DistanceKm += s.DistanceKm
		res.CruiseHistogram[band] = b
	}
}

// SegmentAltitude is the mean of the known endpoint altitudes.
func SegmentAltitude(a, b models.Coordinate) (float64, bool) {
	aa, okA := a.Altitude()
	ba, okB := b.Altitude()
	switch {
	case okA && okB:
		return (aa + ba) / 2, true
	case okA:
		return aa, true
	case okB:
		return ba, true
	default:
		return 0, false
	}
}

func altitudeRange(path models.Path) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range path {
		if a, has := p.Altitude(); has {
			lo = math.Min(lo, a)
			hi = math.Max(hi, a)
			ok = true
		}
	}
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}
