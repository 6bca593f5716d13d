// Package geo provides the geometry kernel of the pipeline: great-circle
// distance, planar point-to-chord distance and Ramer-Douglas-Peucker
// simplification.
package geo

import (
	"math"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

const earthRadius = 6371.0 // km

// Locator is anything that exposes a coordinate.
type Locator interface {
	Coord() models.Coordinate
}

// Distance calculates the Haversine distance between two points in kilometers
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// Between returns the great-circle distance between two located values in kilometers
func Between[T Locator](a, b T) float64 {
	ca, cb := a.Coord(), b.Coord()
	return Distance(ca.Lat, ca.Lon, cb.Lat, cb.Lon)
}

// PathLength sums the great-circle distance along a point sequence in kilometers
func PathLength[T Locator](points []T) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Between(points[i-1], points[i])
	}
	return total
}

// PerpendicularDistance returns the distance of p from the line through a
// and b in degrees, treating longitude and latitude as planar x and y. A
// degenerate line yields the distance from p to a.
func PerpendicularDistance(p, a, b models.Coordinate) float64 {
	dx := b.Lon - a.Lon
	dy := b.Lat - a.Lat
	if dx == 0 && dy == 0 {
		return math.Hypot(p.Lon-a.Lon, p.Lat-a.Lat)
	}
	num := math.Abs(dy*p.Lon - dx*p.Lat + b.Lon*a.Lat - b.Lat*a.Lon)
	return num / math.Hypot(dx, dy)
}
