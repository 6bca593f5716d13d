// Package export turns parsed paths into per-year, per-resolution JSON
// documents plus aggregate statistics and the visited airports.
//
// Paths are processed in parallel. Every result is put back into input
// order before anything is serialized, so the output is identical for any
// worker count.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/saschagrunert/kml-heatmap/pkg/fsutil"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
	"github.com/saschagrunert/kml-heatmap/pkg/telemetry"
)

const (
	// StatsFile and AirportsFile live in the output root.
	StatsFile    = "stats"
	AirportsFile = "airports"

	jsonExt = ".json"
	zstdExt = ".zst"
)

// ErrNoPaths is returned when no path has at least two points.
var ErrNoPaths = errors.New("no path with at least two points")

// ModelResolver resolves aircraft registrations to models.
type ModelResolver interface {
	Model(ctx context.Context, registration string) (string, bool)
}

// Options configures an export run.
type Options struct {
	OutputDir string
	// Workers bounds the parallelism; zero or less uses NumCPU.
	Workers  int
	Compress bool
	// SimplifyTimeout bounds the simplification of a single path at a single
	// tier. Slower paths are decimated instead. Zero disables the guard.
	SimplifyTimeout time.Duration
	// Resolutions defaults to the package Resolutions.
	Resolutions []models.ResolutionSpec
}

// Input is everything one export run consumes.
type Input struct {
	Paths    []models.Path
	Metadata []models.PathMetadata
	Airports []models.Airport
}

// Summary describes a finished export.
type Summary struct {
	Years []string
	Files []string
	Stats *Stats
	// Points is the number of heatmap coordinates written per tier over all
	// years, after downsampling.
	Points map[string]int
}

// Exporter writes export runs.
type Exporter struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	models   ModelResolver
	progress func()
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithMetrics records exported paths and budget adjustments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

// WithModelResolver fills aircraft models into the statistics.
func WithModelResolver(r ModelResolver) Option {
	return func(e *Exporter) { e.models = r }
}

// WithProgress is called once per path after its telemetry is done. It may
// be called concurrently.
func WithProgress(fn func()) Option {
	return func(e *Exporter) { e.progress = fn }
}

// New creates an exporter.
func New(opts Options, o ...Option) *Exporter {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if len(opts.Resolutions) == 0 {
		opts.Resolutions = Resolutions
	}
	e := &Exporter{opts: opts}
	for _, fn := range o {
		fn(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	return e
}

// prepared is the tier independent state of one exported path.
type prepared struct {
	path models.Path
	meta models.PathMetadata
	year string
	tel  telemetry.Result
}

// Export runs the whole pipeline and writes all documents.
func (e *Exporter) Export(ctx context.Context, in Input) (*Summary, error) {
	defer e.metrics.ObserveStage("export", time.Now())

	items := e.validate(in)
	if len(items) == 0 {
		return nil, ErrNoPaths
	}
	if err := e.computeTelemetry(ctx, items); err != nil {
		return nil, err
	}
	bounds := altitudeBounds(items)

	buckets, years := bucketByYear(items)
	summary := &Summary{Years: years, Points: make(map[string]int)}

	for _, year := range years {
		bucket := buckets[year]
		info := pathInfos(bucket)
		for _, tier := range e.opts.Resolutions {
			doc, err := e.buildTier(ctx, year, bucket, tier, bounds)
			if err != nil {
				return nil, err
			}
			doc.PathInfo = info

			file, err := e.write(filepath.Join(e.opts.OutputDir, year), tier.Name, doc)
			if err != nil {
				return nil, err
			}
			summary.Files = append(summary.Files, file)
			summary.Points[tier.Name] += doc.Points
			e.logger.DebugContext(ctx, "Wrote resolution",
				"year", year, "tier", tier.Name, "paths", len(bucket), "points", doc.Points, "epsilon", doc.Epsilon)
		}
	}

	stats := e.buildStats(ctx, items, years, len(in.Airports))
	file, err := e.write(e.opts.OutputDir, StatsFile, stats)
	if err != nil {
		return nil, err
	}
	summary.Files = append(summary.Files, file)
	summary.Stats = stats

	airports := in.Airports
	if airports == nil {
		airports = []models.Airport{}
	}
	file, err = e.write(e.opts.OutputDir, AirportsFile, AirportsDocument{Airports: airports})
	if err != nil {
		return nil, err
	}
	summary.Files = append(summary.Files, file)

	e.logger.InfoContext(ctx, "Export finished",
		"paths", len(items), "years", len(years), "files", len(summary.Files), "airports", len(airports))
	return summary, nil
}

// validate keeps paths with at least two points, in input order.
func (e *Exporter) validate(in Input) []*prepared {
	var items []*prepared
	for i, path := range in.Paths {
		if len(path) < 2 {
			continue
		}
		var meta models.PathMetadata
		if i < len(in.Metadata) {
			meta = in.Metadata[i]
		}
		year := meta.Year
		if year == "" {
			year = models.UnknownYear
		}
		items = append(items, &prepared{path: path, meta: meta, year: year})
	}
	if skipped := len(in.Paths) - len(items); skipped > 0 {
		e.logger.Debug("Skipping paths with fewer than two points", "count", skipped)
	}
	return items
}

func (e *Exporter) computeTelemetry(ctx context.Context, items []*prepared) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			item.tel = telemetry.Compute(item.path, item.meta)
			if e.progress != nil {
				e.progress()
			}
			return nil
		})
	}
	return g.Wait()
}

func altitudeBounds(items []*prepared) Bounds {
	var b Bounds
	for _, item := range items {
		if !item.tel.HasAltitude {
			continue
		}
		if !b.Known {
			b = Bounds{MinM: item.tel.MinAltitudeM, MaxM: item.tel.MaxAltitudeM, Known: true}
			continue
		}
		b.MinM = min(b.MinM, item.tel.MinAltitudeM)
		b.MaxM = max(b.MaxM, item.tel.MaxAltitudeM)
	}
	return b
}

func bucketByYear(items []*prepared) (map[string][]*prepared, []string) {
	buckets := make(map[string][]*prepared)
	for _, item := range items {
		buckets[item.year] = append(buckets[item.year], item)
	}
	years := make([]string, 0, len(buckets))
	for y := range buckets {
		years = append(years, y)
	}
	sort.Strings(years)
	return buckets, years
}

func pathInfos(bucket []*prepared) []PathInfo {
	infos := make([]PathInfo, len(bucket))
	for id, item := range bucket {
		m, t := item.meta, item.tel
		info := PathInfo{
			ID:               id,
			Name:             m.Name,
			Year:             item.year,
			Registration:     m.Registration,
			AircraftType:     m.AircraftType,
			Route:            m.Route,
			Points:           len(item.path),
			DistanceKm:       t.DistanceKm,
			DurationSeconds:  t.Duration.Seconds(),
			MaxGroundspeedKt: t.MaxGroundspeedKt,
			AvgGroundspeedKt: t.AvgGroundspeedKt,
		}
		if m.SourceFile != "" {
			info.SourceFile = filepath.Base(m.SourceFile)
		}
		if !m.Start.IsZero() {
			start := m.Start
			info.Start = &start
		}
		if !m.End.IsZero() {
			end := m.End
			info.End = &end
		}
		if t.HasAltitude {
			lo, hi := t.MinAltitudeM, t.MaxAltitudeM
			info.MinAltitudeM, info.MaxAltitudeM = &lo, &hi
		}
		infos[id] = info
	}
	return infos
}

// write serializes v to dir/name.json, zstd compressed when configured, and
// returns the written path.
func (e *Exporter) write(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, name+jsonExt)
	if e.opts.Compress {
		path += zstdExt
	}

	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		if !e.opts.Compress {
			return json.NewEncoder(w).Encode(v)
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return err
		}
		if err := json.NewEncoder(zw).Encode(v); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
