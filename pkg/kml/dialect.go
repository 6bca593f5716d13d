package kml

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tkrajina/gpxgo/gpx"
)

// Dialect is the input flavour detected by sniffing the root element.
type Dialect int

const (
	DialectUnknown Dialect = iota
	// DialectKMLNamespaced is KML whose elements live in a known KML namespace.
	DialectKMLNamespaced
	// DialectKMLBare is KML without (or with an unknown) namespace; elements
	// are matched by local name only.
	DialectKMLBare
	// DialectGPX is GPX 1.0/1.1.
	DialectGPX
)

func (d Dialect) String() string {
	switch d {
	case DialectKMLNamespaced:
		return "kml"
	case DialectKMLBare:
		return "kml-bare"
	case DialectGPX:
		return "gpx"
	default:
		return "unknown"
	}
}

const gxNamespace = "http://www.google.com/kml/ext/2.2"

var kmlNamespaces = []string{
	"http://www.opengis.net/kml/2.2",
	"http://earth.google.com/kml/2.2",
	"http://earth.google.com/kml/2.1",
	"http://earth.google.com/kml/2.0",
}

// trackNamespaces hold Track and coord: gx for KML 2.2, the core namespace for 2.3.
var trackNamespaces = append([]string{gxNamespace}, kmlNamespaces...)

// sniff selects the dialect from the root element.
func sniff(data []byte) (Dialect, error) {
	name, err := rootName(data)
	if err != nil {
		return DialectUnknown, err
	}
	switch {
	case strings.EqualFold(name.Local, "gpx"):
		return DialectGPX, nil
	case slices.Contains(kmlNamespaces, name.Space):
		return DialectKMLNamespaced, nil
	default:
		return DialectKMLBare, nil
	}
}

// rawPoint is a decoded but not yet validated point.
type rawPoint struct {
	lat, lon  float64
	alt       float64
	hasAlt    bool
	when      time.Time
	malformed bool
}

// rawPlacemark is what every strategy hands to the normalizer.
type rawPlacemark struct {
	name        string
	description string
	when        string
	begin, end  string
	points      []rawPoint
}

// strategy decodes one dialect into raw placemarks.
type strategy interface {
	decode(data []byte) ([]rawPlacemark, error)
}

func strategyFor(d Dialect) strategy {
	switch d {
	case DialectGPX:
		return gpxStrategy{}
	case DialectKMLNamespaced:
		return kmlStrategy{namespaced: true}
	case DialectKMLBare:
		return kmlStrategy{}
	default:
		return nil
	}
}

// kmlStrategy walks the element tree. The namespaced walk falls back to the
// bare walk when it finds no point, which covers files that declare the KML
// namespace on the root but use undeclared prefixes or a foreign default
// namespace below it.
type kmlStrategy struct {
	namespaced bool
}

func (s kmlStrategy) decode(data []byte) ([]rawPlacemark, error) {
	root, err := buildTree(data)
	if err != nil {
		return nil, err
	}
	if s.namespaced {
		pms := vocabulary{namespaced: true}.placemarks(root)
		for _, pm := range pms {
			if len(pm.points) > 0 {
				return pms, nil
			}
		}
	}
	return vocabulary{}.placemarks(root), nil
}

// vocabulary matches KML element names either by namespace and local name
// or by local name alone.
type vocabulary struct {
	namespaced bool
}

func (v vocabulary) is(local string, spaces []string) func(xml.Name) bool {
	return func(n xml.Name) bool {
		if n.Local != local {
			return false
		}
		return !v.namespaced || slices.Contains(spaces, n.Space)
	}
}

func (v vocabulary) kml(local string) func(xml.Name) bool {
	return v.is(local, kmlNamespaces)
}

func (v vocabulary) placemarks(root *node) []rawPlacemark {
	isPlacemark := v.kml("Placemark")

	var out []rawPlacemark
	if isPlacemark(root.name) {
		return []rawPlacemark{v.placemark(root)}
	}
	root.walk(func(n *node) bool {
		if isPlacemark(n.name) {
			out = append(out, v.placemark(n))
			return false
		}
		return true
	})
	return out
}

func (v vocabulary) placemark(n *node) rawPlacemark {
	pm := rawPlacemark{
		name:        childText(n, v.kml("name")),
		description: childText(n, v.kml("description")),
	}
	if ts := n.first(v.kml("TimeStamp")); ts != nil {
		pm.when = childText(ts, v.kml("when"))
	}
	if span := n.first(v.kml("TimeSpan")); span != nil {
		pm.begin = childText(span, v.kml("begin"))
		pm.end = childText(span, v.kml("end"))
	}

	isLine := v.kml("LineString")
	isRing := v.kml("LinearRing")
	isPoint := v.kml("Point")
	isTrack := v.is("Track", trackNamespaces)
	isCoordinates := v.kml("coordinates")
	isWhen := v.kml("when")
	isCoord := v.is("coord", trackNamespaces)

	n.walk(func(c *node) bool {
		switch {
		case isLine(c.name), isRing(c.name), isPoint(c.name):
			if coords := c.first(isCoordinates); coords != nil {
				pm.points = append(pm.points, parseCoordinateList(coords.Text())...)
			}
			return false
		case isTrack(c.name):
			pm.points = append(pm.points, parseTrack(c.all(isWhen), c.all(isCoord))...)
			return false
		}
		return true
	})
	return pm
}

func childText(n *node, match func(xml.Name) bool) string {
	if c := n.first(match); c != nil {
		return c.Text()
	}
	return ""
}

// parseCoordinateList splits a <coordinates> body into lon,lat[,alt] tuples.
func parseCoordinateList(text string) []rawPoint {
	fields := strings.Fields(text)
	out := make([]rawPoint, 0, len(fields))
	for _, f := range fields {
		out = append(out, parseTuple(strings.Split(f, ",")))
	}
	return out
}

// parseTrack pairs <when> and <gx:coord> entries by position. Coordinates
// beyond the last instant are kept without time.
func parseTrack(whens, coords []*node) []rawPoint {
	out := make([]rawPoint, 0, len(coords))
	for i, c := range coords {
		p := parseTuple(strings.Fields(c.Text()))
		if i < len(whens) {
			p.when, _ = parseInstant(whens[i].Text())
		}
		out = append(out, p)
	}
	return out
}

func parseTuple(parts []string) rawPoint {
	if len(parts) < 2 {
		return rawPoint{malformed: true}
	}
	lon, err1 := strconv.ParseFloat(parts[0], 64)
	lat, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return rawPoint{malformed: true}
	}
	p := rawPoint{lat: lat, lon: lon}
	if len(parts) > 2 {
		if alt, err := strconv.ParseFloat(parts[2], 64); err == nil {
			p.alt, p.hasAlt = alt, true
		}
	}
	return p
}

// gpxStrategy turns each track into one placemark and each waypoint into a
// single-point placemark.
type gpxStrategy struct{}

func (gpxStrategy) decode(data []byte) ([]rawPlacemark, error) {
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gpx: %w", err)
	}

	var out []rawPlacemark
	for _, track := range doc.Tracks {
		pm := rawPlacemark{name: track.Name, description: track.Description}
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				pm.points = append(pm.points, gpxPoint(p))
			}
		}
		out = append(out, pm)
	}
	for _, route := range doc.Routes {
		pm := rawPlacemark{name: route.Name, description: route.Description}
		for _, p := range route.Points {
			pm.points = append(pm.points, gpxPoint(p))
		}
		out = append(out, pm)
	}
	for _, wpt := range doc.Waypoints {
		out = append(out, rawPlacemark{
			name:        wpt.Name,
			description: wpt.Description,
			points:      []rawPoint{gpxPoint(wpt)},
		})
	}
	return out, nil
}

func gpxPoint(p gpx.GPXPoint) rawPoint {
	rp := rawPoint{lat: p.Latitude, lon: p.Longitude, when: p.Timestamp.UTC()}
	if p.Elevation.NotNull() {
		rp.alt, rp.hasAlt = p.Elevation.Value(), true
	}
	if p.Timestamp.IsZero() {
		rp.when = time.Time{}
	}
	return rp
}
