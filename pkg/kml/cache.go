package kml

import (
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

// cacheEntry is the persisted form of a Result. Instants are stored as
// UTC unix nanoseconds with 0 meaning unknown, which keeps the encoding
// independent of time zone handling in the codec.
type cacheEntry struct {
	Dialect  int          `msgpack:"d"`
	Paths    [][]cachePt  `msgpack:"p"`
	Metadata []cachedMeta `msgpack:"m"`
}

type cachePt struct {
	_msgpack struct{} `msgpack:",as_array"`
	Lat      float64
	Lon      float64
	Alt      *float64
	Time     int64
}

type cachedMeta struct {
	Name         string `msgpack:"name"`
	Description  string `msgpack:"desc"`
	Start        int64  `msgpack:"start"`
	End          int64  `msgpack:"end"`
	Year         string `msgpack:"year"`
	Registration string `msgpack:"reg"`
	AircraftType string `msgpack:"type"`
	Airport      string `msgpack:"airport"`
	Route        string `msgpack:"route"`
	Convention   int    `msgpack:"conv"`
	SourceFile   string `msgpack:"src"`
	Synthetic    bool   `msgpack:"synth"`
}

func newCacheEntry(res *Result) cacheEntry {
	entry := cacheEntry{
		Dialect:  int(res.Dialect),
		Paths:    make([][]cachePt, len(res.Paths)),
		Metadata: make([]cachedMeta, len(res.Metadata)),
	}
	for i, path := range res.Paths {
		pts := make([]cachePt, len(path))
		for j, p := range path {
			pts[j] = cachePt{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt, Time: toNanos(p.Time)}
		}
		entry.Paths[i] = pts
	}
	for i, m := range res.Metadata {
		entry.Metadata[i] = cachedMeta{
			Name:         m.Name,
			Description:  m.Description,
			Start:        toNanos(m.Start),
			End:          toNanos(m.End),
			Year:         m.Year,
			Registration: m.Registration,
			AircraftType: m.AircraftType,
			Airport:      m.Airport,
			Route:        m.Route,
			Convention:   int(m.Convention),
			SourceFile:   m.SourceFile,
			Synthetic:    m.Synthetic,
		}
	}
	return entry
}

func (e cacheEntry) result() *Result {
	res := &Result{
		Dialect:  Dialect(e.Dialect),
		Paths:    make([]models.Path, len(e.Paths)),
		Metadata: make([]models.PathMetadata, len(e.Metadata)),
	}
	for i, pts := range e.Paths {
		path := make(models.Path, len(pts))
		for j, p := range pts {
			path[j] = models.TimedCoordinate{
				Coordinate: models.Coordinate{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt},
				Time:       fromNanos(p.Time),
			}
		}
		res.Paths[i] = path
	}
	for i, m := range e.Metadata {
		res.Metadata[i] = models.PathMetadata{
			Name:         m.Name,
			Description:  m.Description,
			Start:        fromNanos(m.Start),
			End:          fromNanos(m.End),
			Year:         m.Year,
			Registration: m.Registration,
			AircraftType: m.AircraftType,
			Airport:      m.Airport,
			Route:        m.Route,
			Convention:   models.Convention(m.Convention),
			SourceFile:   m.SourceFile,
			Synthetic:    m.Synthetic,
		}
	}
	return res
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
