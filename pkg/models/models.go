// Package models holds the data types shared by the parser, the exporter and
// the lookup services.
package models

import "time"

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a named reference location, e.g. an airport from the lookup database
type Place struct {
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Location *Location `json:"location"`
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// Coordinate is a validated track point. Alt is nil when the source had no
// usable altitude.
type Coordinate struct {
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

// Coord returns the coordinate itself so plain and timed points can share
// the geometry helpers.
func (c Coordinate) Coord() Coordinate {
	return c
}

// Altitude returns the altitude in meters and whether it is known.
func (c Coordinate) Altitude() (float64, bool) {
	if c.Alt == nil {
		return 0, false
	}
	return *c.Alt, true
}

// AltitudeOr returns the altitude or def when the altitude is unknown.
func (c Coordinate) AltitudeOr(def float64) float64 {
	if c.Alt == nil {
		return def
	}
	return *c.Alt
}

// TimedCoordinate is a coordinate with an optional instant. A zero Time
// means the instant is unknown.
type TimedCoordinate struct {
	Coordinate
	Time time.Time `json:"time"`
}

// HasTime reports whether the point carries an instant.
func (t TimedCoordinate) HasTime() bool {
	return !t.Time.IsZero()
}

// Path is the ordered point list of one placemark or track.
type Path []TimedCoordinate

// Convention identifies which filename naming scheme a source file follows.
type Convention int

const (
	// ConventionNone is used for files that follow no known naming scheme.
	ConventionNone Convention = iota
	// ConventionAirportRegType is AIRPORT_REGISTRATION_TYPE, e.g. EDDF_D-EABC_C172.kml.
	ConventionAirportRegType
	// ConventionRegRoute is REGISTRATION_ROUTE, e.g. N12345_KPAO-KSQL.kml. The
	// flight start time lives in the placemark description.
	ConventionRegRoute
)

func (c Convention) String() string {
	switch c {
	case ConventionAirportRegType:
		return "airport-registration-type"
	case ConventionRegRoute:
		return "registration-route"
	default:
		return "none"
	}
}

// UnknownYear is the bucket used for paths without a determinable date.
const UnknownYear = "unknown"

// PathMetadata describes the path with the same index in a parse result.
type PathMetadata struct {
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Year         string     `json:"year"`
	Registration string     `json:"registration,omitempty"`
	AircraftType string     `json:"aircraft_type,omitempty"`
	Airport      string     `json:"airport,omitempty"`
	Route        string     `json:"route,omitempty"`
	Convention   Convention `json:"convention"`
	SourceFile   string     `json:"source_file,omitempty"`
	Synthetic    bool       `json:"synthetic_timestamps,omitempty"`
}

// Duration returns End-Start, or zero when either bound is unknown.
func (m PathMetadata) Duration() time.Duration {
	if m.Start.IsZero() || m.End.IsZero() || m.End.Before(m.Start) {
		return 0
	}
	return m.End.Sub(m.Start)
}

// Airport is a deduplicated visited location.
type Airport struct {
	Lat         float64     `json:"lat"`
	Lon         float64     `json:"lon"`
	Name        string      `json:"name,omitempty"`
	Timestamps  []time.Time `json:"timestamps"`
	IsAtPathEnd bool        `json:"is_at_path_end"`
}

// Segment is the rendered piece between two consecutive points of a
// simplified path.
type Segment struct {
	From          Coordinate `json:"from"`
	To            Coordinate `json:"to"`
	Color         string     `json:"color"`
	AltitudeM     int        `json:"altitude_m"`
	AltitudeFt    int        `json:"altitude_ft"`
	GroundspeedKt float64    `json:"groundspeed_knots"`
	TimeOffset    *float64   `json:"time,omitempty"`
	PathID        int        `json:"path_id"`
}

// ResolutionSpec configures one export tier.
type ResolutionSpec struct {
	Name             string  `json:"name"`
	DownsampleFactor int     `json:"downsample_factor"`
	Epsilon          float64 `json:"epsilon"`
	PointBudget      int     `json:"point_budget"`
}
