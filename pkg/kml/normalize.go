package kml

import (
	"math"
	"strings"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

// Valid altitude band in meters. Altitudes outside it are dropped, the point
// is kept.
const (
	MinAltitude = -1000.0
	MaxAltitude = 50000.0
)

// Rejection reasons, also used as metric labels.
const (
	reasonMalformed  = "malformed"
	reasonOutOfRange = "out_of_range"
	reasonAltitude   = "altitude"
)

// ValidLatLon reports whether a latitude/longitude pair is in range.
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// NormalizeAltitude returns nil for altitudes outside the valid band and
// clamps valid negative altitudes to zero.
func NormalizeAltitude(alt float64) *float64 {
	if alt < MinAltitude || alt > MaxAltitude || math.IsNaN(alt) {
		return nil
	}
	if alt < 0 {
		alt = 0
	}
	return &alt
}

// normalize validates a raw point. The returned reason is empty when the
// point passed untouched.
func normalize(p rawPoint) (models.TimedCoordinate, string, bool) {
	if p.malformed {
		return models.TimedCoordinate{}, reasonMalformed, false
	}
	if !ValidLatLon(p.lat, p.lon) {
		return models.TimedCoordinate{}, reasonOutOfRange, false
	}

	c := models.TimedCoordinate{
		Coordinate: models.Coordinate{Lat: p.lat, Lon: p.lon},
		Time:       p.when,
	}
	if !p.hasAlt {
		return c, "", true
	}
	c.Alt = NormalizeAltitude(p.alt)
	if c.Alt == nil {
		return c, reasonAltitude, true
	}
	return c, "", true
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// parseInstant parses the XML schema dateTime variants KML allows. Values
// without a zone are taken as UTC.
func parseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
