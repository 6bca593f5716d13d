// Package airports merges flight endpoints into a set of unique visited
// locations using a coarse spatial grid.
package airports

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/geo"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
	"github.com/saschagrunert/kml-heatmap/pkg/telemetry"
)

const (
	// GridCellSize is the edge of a grid cell in degrees, about 2 km at the
	// equator.
	GridCellSize = 0.018
	// MergeRadiusKm is the distance below which two sightings are the same
	// airport.
	MergeRadiusKm = 1.5

	maxLonRings = 64
)

// pointMarkers are generic placemark labels that mark an event rather than
// a place.
var pointMarkers = map[string]struct{}{
	"takeoff":        {},
	"take off":       {},
	"landing":        {},
	"touchdown":      {},
	"departure":      {},
	"arrival":        {},
	"start":          {},
	"stop":           {},
	"end":            {},
	"log start":      {},
	"log stop":       {},
	"log start/stop": {},
	"log end":        {},
	"start/stop":     {},
}

// IsPointMarker reports whether name is a generic event label.
func IsPointMarker(name string) bool {
	_, ok := pointMarkers[strings.ToLower(strings.Join(strings.Fields(name), " "))]
	return ok
}

// descriptive reports whether name can label an airport.
func descriptive(name string) bool {
	return strings.TrimSpace(name) != "" && !IsPointMarker(name)
}

type cell struct {
	lat, lon int
}

func cellOf(lat, lon float64) cell {
	return cell{
		lat: int(math.Floor(lat / GridCellSize)),
		lon: int(math.Floor(lon / GridCellSize)),
	}
}

// lonRings returns how many cells east and west must be searched so that
// MergeRadiusKm is covered at the given latitude. Meridians converge, so
// away from the equator one neighbour ring is not always enough.
func lonRings(lat float64) int {
	cellKm := geo.Distance(lat, 0, lat, GridCellSize)
	if cellKm <= 0 {
		return maxLonRings
	}
	return max(1, min(maxLonRings, int(math.Ceil(MergeRadiusKm/cellKm))))
}

// Deduplicator collects airports. It is not safe for concurrent use.
type Deduplicator struct {
	airports []*models.Airport
	grid     map[cell][]int
	logger   *slog.Logger
}

// New creates an empty deduplicator.
func New(logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		grid:   make(map[cell][]int),
		logger: logging.OrDiscard(logger),
	}
}

// Len returns the number of airports.
func (d *Deduplicator) Len() int {
	return len(d.airports)
}

// FindOrCreate merges the sighting into the first airport within
// MergeRadiusKm or creates a new one. Point markers only merge; for them ok
// is false when nothing is near.
func (d *Deduplicator) FindOrCreate(lat, lon float64, name string, ts time.Time, isEnd bool) (id int, ok bool) {
	if id, found := d.find(lat, lon); found {
		d.merge(d.airports[id], name, ts, isEnd)
		return id, true
	}
	if IsPointMarker(name) {
		d.logger.Debug("Skipping point marker without nearby airport", "name", name, "lat", lat, "lon", lon)
		return -1, false
	}

	a := &models.Airport{Lat: lat, Lon: lon, IsAtPathEnd: isEnd}
	if descriptive(name) {
		a.Name = strings.TrimSpace(name)
	}
	if !ts.IsZero() {
		a.Timestamps = []time.Time{ts}
	}
	id = len(d.airports)
	d.airports = append(d.airports, a)
	c := cellOf(lat, lon)
	d.grid[c] = append(d.grid[c], id)

	d.logger.Debug("Created airport", "id", id, "name", a.Name, "lat", lat, "lon", lon)
	return id, true
}

// find returns the lowest id within the merge radius across the cell and its
// neighbours, so the result does not depend on map iteration order.
func (d *Deduplicator) find(lat, lon float64) (int, bool) {
	c := cellOf(lat, lon)
	rings := lonRings(lat)
	best := -1
	for dLat := -1; dLat <= 1; dLat++ {
		for dLon := -rings; dLon <= rings; dLon++ {
			for _, id := range d.grid[cell{c.lat + dLat, c.lon + dLon}] {
				if best >= 0 && id > best {
					continue
				}
				a := d.airports[id]
				if geo.Distance(lat, lon, a.Lat, a.Lon) < MergeRadiusKm {
					best = id
				}
			}
		}
	}
	return best, best >= 0
}

func (d *Deduplicator) merge(a *models.Airport, name string, ts time.Time, isEnd bool) {
	if !ts.IsZero() && !containsTime(a.Timestamps, ts) {
		a.Timestamps = append(a.Timestamps, ts)
	}
	if descriptive(name) && !descriptive(a.Name) {
		a.Name = strings.TrimSpace(name)
	}
	a.IsAtPathEnd = a.IsAtPathEnd || isEnd
}

func containsTime(list []time.Time, ts time.Time) bool {
	for _, t := range list {
		if t.Equal(ts) {
			return true
		}
	}
	return false
}

// AddPaths registers the endpoints of every path. Multi-point paths are
// handled first so single-point markers can merge into them. Departures of
// mid-flight starts and arrivals of invalid landings are skipped.
func (d *Deduplicator) AddPaths(paths []models.Path, metadata []models.PathMetadata) {
	metaAt := func(i int) models.PathMetadata {
		if i < len(metadata) {
			return metadata[i]
		}
		return models.PathMetadata{}
	}

	for i, path := range paths {
		if len(path) < 2 {
			continue
		}
		meta := metaAt(i)
		from, to := EndpointNames(meta)

		first, last := path[0], path[len(path)-1]
		if !telemetry.MidFlightStart(path, first.AltitudeOr(0)) {
			d.FindOrCreate(first.Lat, first.Lon, from, pointTime(first, meta.Start), false)
		} else {
			d.logger.Debug("Skipping departure of mid-flight start", "path", i, "name", meta.Name)
		}
		if telemetry.ValidLanding(path, last.AltitudeOr(0)) {
			d.FindOrCreate(last.Lat, last.Lon, to, pointTime(last, meta.End), true)
		} else {
			d.logger.Debug("Skipping arrival of airborne end", "path", i, "name", meta.Name)
		}
	}

	for i, path := range paths {
		if len(path) != 1 {
			continue
		}
		meta := metaAt(i)
		p := path[0]
		d.FindOrCreate(p.Lat, p.Lon, meta.Name, pointTime(p, meta.Start), false)
	}
}

func pointTime(p models.TimedCoordinate, fallback time.Time) time.Time {
	if p.HasTime() {
		return p.Time
	}
	return fallback
}

// Label names every airport without a descriptive name using resolve, which
// typically looks up the nearest known airport. It returns how many airports
// were named.
func (d *Deduplicator) Label(resolve func(lat, lon float64) (string, bool)) int {
	n := 0
	for _, a := range d.airports {
		if descriptive(a.Name) {
			continue
		}
		if name, ok := resolve(a.Lat, a.Lon); ok && descriptive(name) {
			a.Name = name
			n++
		}
	}
	return n
}

// icaoCodeRe matches names that are a bare ICAO code, e.g. from a route
// like "EDDF - EDFE" or an airport-prefixed filename.
var icaoCodeRe = regexp.MustCompile(`^[A-Z]{4}$`)

// LabelCodes replaces names that are a bare ICAO code with the label
// resolve returns for that code. Unknown codes keep their name. It returns
// how many airports were renamed.
func (d *Deduplicator) LabelCodes(resolve func(code string) (string, bool)) int {
	n := 0
	for _, a := range d.airports {
		code := strings.TrimSpace(a.Name)
		if !icaoCodeRe.MatchString(code) {
			continue
		}
		if name, ok := resolve(code); ok && descriptive(name) && name != a.Name {
			d.logger.Debug("Resolved airport code", "code", code, "name", name)
			a.Name = name
			n++
		}
	}
	return n
}

// Airports returns copies of all airports ordered by id, timestamps sorted.
// Timestamps is never nil.
func (d *Deduplicator) Airports() []models.Airport {
	out := make([]models.Airport, len(d.airports))
	for i, a := range d.airports {
		c := *a
		c.Timestamps = append([]time.Time{}, a.Timestamps...)
		sort.Slice(c.Timestamps, func(x, y int) bool { return c.Timestamps[x].Before(c.Timestamps[y]) })
		out[i] = c
	}
	return out
}

var (
	routeSeparators = []string{" → ", "→", " -> ", "->", " – ", " - "}
	routeToRe       = regexp.MustCompile(`(?i)^(.+?)\s+to\s+(.+)$`)
	routeCodeRe     = regexp.MustCompile(`^([A-Za-z0-9]{3,4})[-_]([A-Za-z0-9]{3,4})$`)
)

// SplitRoute splits a route label such as "EDDF - EDFE", "Frankfurt to
// Egelsbach" or "KPAO-KSQL" into its departure and arrival names.
func SplitRoute(route string) (from, to string, ok bool) {
	route = strings.TrimSpace(route)
	if route == "" {
		return "", "", false
	}
	for _, sep := range routeSeparators {
		if i := strings.Index(route, sep); i > 0 {
			from, to = strings.TrimSpace(route[:i]), strings.TrimSpace(route[i+len(sep):])
			if from != "" && to != "" {
				return from, to, true
			}
		}
	}
	if m := routeToRe.FindStringSubmatch(route); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	if m := routeCodeRe.FindStringSubmatch(route); m != nil {
		return strings.ToUpper(m[1]), strings.ToUpper(m[2]), true
	}
	return "", "", false
}

// EndpointNames derives departure and arrival labels for a path from its
// placemark name, its filename route or, for airport-prefixed files, the
// home airport.
func EndpointNames(meta models.PathMetadata) (from, to string) {
	for _, candidate := range []string{meta.Name, meta.Route} {
		if from, to, ok := SplitRoute(candidate); ok {
			return from, to
		}
	}
	if meta.Convention == models.ConventionAirportRegType && meta.Airport != "" {
		return meta.Airport, meta.Airport
	}
	return "", ""
}
