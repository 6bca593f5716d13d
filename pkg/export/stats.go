package export

import (
	"context"
	"sort"
	"strings"

	"github.com/iancoleman/orderedmap"

	"github.com/saschagrunert/kml-heatmap/pkg/telemetry"
)

const nmPerKm = 0.539957

// buildStats aggregates all exported paths. Accumulation follows input
// order so float sums do not depend on scheduling.
func (e *Exporter) buildStats(ctx context.Context, items []*prepared, years []string, airportCount int) *Stats {
	stats := &Stats{
		TotalPaths:   len(items),
		Years:        years,
		AirportCount: airportCount,
	}

	var (
		lo, hi            float64
		haveAlt           bool
		timedKm, timedSec float64
		histogram         = map[int]telemetry.BandStats{}
	)
	for _, item := range items {
		t := item.tel
		stats.TotalPoints += len(item.path)
		stats.TotalDistanceKm += t.DistanceKm
		stats.TotalFlightSeconds += t.Duration.Seconds()
		stats.CruiseDistanceKm += t.CruiseDistanceKm
		stats.CruiseSeconds += t.CruiseSeconds
		stats.Groundspeed.MaxKt = max(stats.Groundspeed.MaxKt, t.MaxGroundspeedKt)
		if sec := t.Duration.Seconds(); sec > 0 {
			timedKm += t.DistanceKm
			timedSec += sec
		}
		if t.HasAltitude {
			if !haveAlt {
				lo, hi, haveAlt = t.MinAltitudeM, t.MaxAltitudeM, true
			} else {
				lo, hi = min(lo, t.MinAltitudeM), max(hi, t.MaxAltitudeM)
			}
		}
		for band, b := range t.CruiseHistogram {
			acc := histogram[band]
			acc.Seconds += b.Seconds
			acc.DistanceKm += b.DistanceKm
			histogram[band] = acc
		}
	}
	stats.TotalDistanceNm = stats.TotalDistanceKm * nmPerKm
	if timedSec > 0 {
		stats.Groundspeed.AvgKt = timedKm * nmPerKm / (timedSec / 3600)
	}
	if haveAlt {
		stats.Altitude = &AltitudeRange{
			MinM:  lo,
			MaxM:  hi,
			MinFt: telemetry.MetersToFeet(lo),
			MaxFt: telemetry.MetersToFeet(hi),
		}
	}

	stats.CruiseHistogram = make([]BandEntry, 0, len(histogram))
	for band, b := range histogram {
		stats.CruiseHistogram = append(stats.CruiseHistogram, BandEntry{AltitudeFt: band, Seconds: b.Seconds, DistanceKm: b.DistanceKm})
	}
	sort.Slice(stats.CruiseHistogram, func(i, j int) bool {
		return stats.CruiseHistogram[i].AltitudeFt < stats.CruiseHistogram[j].AltitudeFt
	})

	stats.Aircraft = e.aircraftStats(ctx, items)
	return stats
}

// aircraftStats rolls paths up per registration, most flights first and
// ties broken by registration.
func (e *Exporter) aircraftStats(ctx context.Context, items []*prepared) *orderedmap.OrderedMap {
	byReg := map[string]*AircraftStats{}
	years := map[string]map[string]struct{}{}
	for _, item := range items {
		reg := strings.ToUpper(strings.TrimSpace(item.meta.Registration))
		if reg == "" {
			continue
		}
		a, ok := byReg[reg]
		if !ok {
			a = &AircraftStats{Registration: reg}
			byReg[reg] = a
			years[reg] = map[string]struct{}{}
		}
		if a.Type == "" {
			a.Type = item.meta.AircraftType
		}
		a.Flights++
		a.DistanceKm += item.tel.DistanceKm
		a.FlightSeconds += item.tel.Duration.Seconds()
		years[reg][item.year] = struct{}{}
	}

	regs := make([]string, 0, len(byReg))
	for reg := range byReg {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		a, b := byReg[regs[i]], byReg[regs[j]]
		if a.Flights != b.Flights {
			return a.Flights > b.Flights
		}
		return a.Registration < b.Registration
	})

	out := orderedmap.New()
	out.SetEscapeHTML(false)
	for _, reg := range regs {
		a := byReg[reg]
		for y := range years[reg] {
			a.Years = append(a.Years, y)
		}
		sort.Strings(a.Years)
		if e.models != nil {
			if model, ok := e.models.Model(ctx, reg); ok {
				a.Model = model
			}
		}
		out.Set(reg, *a)
	}
	return out
}
