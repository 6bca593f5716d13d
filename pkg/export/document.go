package export

import (
	"time"

	"github.com/iancoleman/orderedmap"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

// PathInfo summarizes one path of a year bucket. ID is dense within the
// bucket and matches Segment.PathID.
type PathInfo struct {
	ID               int        `json:"id"`
	Name             string     `json:"name,omitempty"`
	Year             string     `json:"year"`
	Registration     string     `json:"registration,omitempty"`
	AircraftType     string     `json:"aircraft_type,omitempty"`
	Route            string     `json:"route,omitempty"`
	Start            *time.Time `json:"start,omitempty"`
	End              *time.Time `json:"end,omitempty"`
	SourceFile       string     `json:"source_file,omitempty"`
	Points           int        `json:"points"`
	DistanceKm       float64    `json:"distance_km"`
	DurationSeconds  float64    `json:"duration_seconds"`
	MinAltitudeM     *float64   `json:"min_altitude_m,omitempty"`
	MaxAltitudeM     *float64   `json:"max_altitude_m,omitempty"`
	MaxGroundspeedKt float64    `json:"max_groundspeed_knots"`
	AvgGroundspeedKt float64    `json:"avg_groundspeed_knots"`
}

// TierDocument is written to <out>/<year>/<tier>.json.
type TierDocument struct {
	Resolution models.ResolutionSpec `json:"resolution"`
	Year       string                `json:"year"`
	// Epsilon is the value actually used after budget adjustments.
	Epsilon        float64 `json:"epsilon"`
	Decimated      bool    `json:"decimated,omitempty"`
	OriginalPoints int     `json:"original_points"`
	// SegmentPoints is the simplified point count the segments are drawn
	// from. The tier's point budget applies to it.
	SegmentPoints int `json:"segment_points"`
	// Points is len(Coordinates), the heatmap points after downsampling.
	Points       int              `json:"points"`
	Coordinates  [][2]float64     `json:"coordinates"`
	PathSegments []models.Segment `json:"path_segments"`
	PathInfo     []PathInfo       `json:"path_info"`
}

// AltitudeRange is a range in meters and feet.
type AltitudeRange struct {
	MinM  float64 `json:"min_m"`
	MaxM  float64 `json:"max_m"`
	MinFt float64 `json:"min_ft"`
	MaxFt float64 `json:"max_ft"`
}

// SpeedRange is the groundspeed range over all paths.
type SpeedRange struct {
	MaxKt float64 `json:"max_knots"`
	AvgKt float64 `json:"avg_knots"`
}

// BandEntry is one altitude band of the cruise histogram.
type BandEntry struct {
	AltitudeFt int     `json:"altitude_ft"`
	Seconds    float64 `json:"seconds"`
	DistanceKm float64 `json:"distance_km"`
}

// AircraftStats is the rollup of all paths flown by one registration.
type AircraftStats struct {
	Registration  string   `json:"registration"`
	Type          string   `json:"type,omitempty"`
	Model         string   `json:"model,omitempty"`
	Flights       int      `json:"flights"`
	DistanceKm    float64  `json:"distance_km"`
	FlightSeconds float64  `json:"flight_seconds"`
	Years         []string `json:"years"`
}

// Stats is written to <out>/stats.json.
type Stats struct {
	TotalPaths         int            `json:"total_paths"`
	TotalPoints        int            `json:"total_points"`
	TotalDistanceKm    float64        `json:"total_distance_km"`
	TotalDistanceNm    float64        `json:"total_distance_nm"`
	TotalFlightSeconds float64        `json:"total_flight_seconds"`
	Altitude           *AltitudeRange `json:"altitude,omitempty"`
	Groundspeed        SpeedRange     `json:"groundspeed"`
	CruiseDistanceKm   float64        `json:"cruise_distance_km"`
	CruiseSeconds      float64        `json:"cruise_seconds"`
	CruiseHistogram    []BandEntry    `json:"cruise_histogram"`
	Years              []string       `json:"years"`
	// Aircraft maps registration to AircraftStats, most flown first.
	Aircraft     *orderedmap.OrderedMap `json:"aircraft"`
	AirportCount int                    `json:"airport_count"`
}

// AirportsDocument is written to <out>/airports.json.
type AirportsDocument struct {
	Airports []models.Airport `json:"airports"`
}
