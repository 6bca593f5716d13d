package export

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/saschagrunert/kml-heatmap/pkg/geo"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
	"github.com/saschagrunert/kml-heatmap/pkg/telemetry"
)

const (
	// maxEpsilonDoublings bounds the budget loop before falling back to
	// decimation.
	maxEpsilonDoublings = 8
	// seedEpsilon replaces a zero epsilon once a budget has to be enforced.
	seedEpsilon = 0.00005
)

// simplified is one tier's rendition of a year bucket.
type simplified struct {
	paths     []models.Path
	epsilon   float64
	decimated bool
}

func (s simplified) points() int {
	n := 0
	for _, p := range s.paths {
		n += len(p)
	}
	return n
}

// buildTier simplifies a year bucket for one tier and renders its document.
func (e *Exporter) buildTier(ctx context.Context, year string, bucket []*prepared, tier models.ResolutionSpec, bounds Bounds) (*TierDocument, error) {
	s, err := e.simplifyBucket(ctx, year, bucket, tier)
	if err != nil {
		return nil, err
	}

	doc := &TierDocument{
		Resolution:    tier,
		Year:          year,
		Epsilon:       s.epsilon,
		Decimated:     s.decimated,
		SegmentPoints: s.points(),
		Coordinates:   [][2]float64{},
		PathSegments:  []models.Segment{},
	}
	for id, item := range bucket {
		doc.OriginalPoints += len(item.path)
		path := s.paths[id]
		for _, p := range geo.Decimate(path, tier.DownsampleFactor) {
			doc.Coordinates = append(doc.Coordinates, [2]float64{p.Lat, p.Lon})
		}
		doc.PathSegments = append(doc.PathSegments, segments(id, item, path, tier.Name == TierFull, bounds)...)
		e.metrics.PathExported(tier.Name)
	}
	doc.Points = len(doc.Coordinates)
	return doc, nil
}

// simplifyBucket runs RDP over every path and doubles epsilon until the
// bucket fits the tier's point budget. When doubling does not suffice, the
// budget is split over the paths proportionally and each is decimated.
func (e *Exporter) simplifyBucket(ctx context.Context, year string, bucket []*prepared, tier models.ResolutionSpec) (simplified, error) {
	eps := tier.Epsilon
	s, err := e.simplifyAll(ctx, bucket, eps, tier.DownsampleFactor)
	if err != nil {
		return s, err
	}
	if tier.PointBudget <= 0 {
		return s, nil
	}

	for i := 0; i < maxEpsilonDoublings && s.points() > tier.PointBudget; i++ {
		if eps <= 0 {
			eps = seedEpsilon
		} else {
			eps *= 2
		}
		e.metrics.EpsilonAdjusted(tier.Name)
		e.logger.DebugContext(ctx, "Point budget exceeded, raising epsilon",
			"year", year, "tier", tier.Name, "points", s.points(), "budget", tier.PointBudget, "epsilon", eps)
		if s, err = e.simplifyAll(ctx, bucket, eps, tier.DownsampleFactor); err != nil {
			return s, err
		}
	}
	if total := s.points(); total > tier.PointBudget {
		e.logger.WarnContext(ctx, "Point budget still exceeded, decimating",
			"year", year, "tier", tier.Name, "points", total, "budget", tier.PointBudget)
		if floor := minPathPoints * len(s.paths); floor > tier.PointBudget {
			e.logger.WarnContext(ctx, "Point budget below two points per path, keeping endpoints only",
				"year", year, "tier", tier.Name, "paths", len(s.paths), "budget", tier.PointBudget, "points", floor)
		}
		lengths := make([]int, len(s.paths))
		for i, p := range s.paths {
			lengths[i] = len(p)
		}
		for i, share := range budgetShares(lengths, tier.PointBudget) {
			s.paths[i] = geo.DecimateToBudget(s.paths[i], share)
		}
		s.decimated = true
	}
	return s, nil
}

// minPathPoints are the endpoints every path keeps.
const minPathPoints = 2

// budgetShares splits budget over paths of the given lengths. Every path
// keeps its endpoints first; what is left of the budget goes to the interior
// points in proportion to their count. The shares sum to at most budget
// unless budget is below minPathPoints per path.
func budgetShares(lengths []int, budget int) []int {
	shares := make([]int, len(lengths))
	spare := budget - minPathPoints*len(lengths)
	interior := 0
	for _, n := range lengths {
		interior += max(0, n-minPathPoints)
	}
	for i, n := range lengths {
		shares[i] = minPathPoints
		if spare > 0 && interior > 0 {
			shares[i] += max(0, n-minPathPoints) * spare / interior
		}
	}
	return shares
}

func (e *Exporter) simplifyAll(ctx context.Context, bucket []*prepared, eps float64, factor int) (simplified, error) {
	s := simplified{paths: make([]models.Path, len(bucket)), epsilon: eps}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, item := range bucket {
		i, item := i, item
		g.Go(func() error {
			p, err := e.simplifyPath(gctx, item.path, eps, factor)
			if err != nil {
				return err
			}
			s.paths[i] = p
			return nil
		})
	}
	return s, g.Wait()
}

// simplifyPath applies RDP under the configured timeout. A path that takes
// too long is decimated by the tier's downsample factor instead; only a
// canceled parent aborts the export.
func (e *Exporter) simplifyPath(ctx context.Context, path models.Path, eps float64, factor int) (models.Path, error) {
	sctx := ctx
	if e.opts.SimplifyTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.opts.SimplifyTimeout)
		defer cancel()
	}

	out, err := geo.SimplifyRDPContext(sctx, path, eps)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !errors.Is(err, geo.ErrSimplifyCanceled) {
		return nil, err
	}
	e.logger.WarnContext(ctx, "Simplification timed out, decimating",
		"points", len(path), "epsilon", eps, "timeout", e.opts.SimplifyTimeout)
	return geo.Decimate(path, max(2, factor)), nil
}

// segments renders consecutive point pairs of a simplified path. Only the
// full tier carries groundspeed, and only when the path is unreduced so the
// telemetry segments line up.
func segments(id int, item *prepared, path models.Path, full bool, bounds Bounds) []models.Segment {
	if len(path) < 2 {
		return nil
	}
	withSpeed := full && len(path) == len(item.path) && len(item.tel.Segments) == len(path)-1

	var origin *models.TimedCoordinate
	for i := range item.path {
		if item.path[i].HasTime() {
			origin = &item.path[i]
			break
		}
	}

	out := make([]models.Segment, 0, len(path)-1)
	for j := 0; j+1 < len(path); j++ {
		from, to := path[j], path[j+1]
		seg := models.Segment{
			From:   from.Coordinate,
			To:     to.Coordinate,
			Color:  UnknownAltitudeColor,
			PathID: id,
		}
		if alt, ok := telemetry.SegmentAltitude(from.Coordinate, to.Coordinate); ok {
			seg.AltitudeM = int(math.Round(alt))
			seg.AltitudeFt = int(math.Round(telemetry.MetersToFeet(alt)))
			seg.Color = AltitudeColor(alt, bounds)
		}
		if withSpeed {
			seg.GroundspeedKt = item.tel.Segments[j].GroundspeedKt
		}
		if origin != nil && from.HasTime() {
			off := from.Time.Sub(origin.Time).Seconds()
			seg.TimeOffset = &off
		}
		out = append(out, seg)
	}
	return out
}
