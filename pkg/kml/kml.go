// Package kml parses flight-track files into validated paths and per-path
// metadata. It understands namespaced and bare KML (LineString, Point and
// gx:Track geometries) and GPX, selected by sniffing the root element.
package kml

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

var (
	// ErrNoCoordinates is returned by ParseFiles when no input yielded a
	// single valid coordinate.
	ErrNoCoordinates = errors.New("no valid coordinates found in any input file")
	// ErrUnsupportedDialect is returned for documents no strategy handles.
	ErrUnsupportedDialect = errors.New("unsupported document dialect")
)

// Result is the parse output of one or more files. Metadata[i] describes
// Paths[i].
type Result struct {
	Paths    []models.Path
	Metadata []models.PathMetadata
	Dialect  Dialect
}

// Coordinates returns every point of every path in order.
func (r *Result) Coordinates() []models.TimedCoordinate {
	out := make([]models.TimedCoordinate, 0, r.PointCount())
	for _, p := range r.Paths {
		out = append(out, p...)
	}
	return out
}

// PointCount returns the total number of points.
func (r *Result) PointCount() int {
	n := 0
	for _, p := range r.Paths {
		n += len(p)
	}
	return n
}

// Cache persists parse results between runs. Implementations decode into v
// with the same encoding they stored it with.
type Cache interface {
	Get(source string, modTime time.Time, v any) (bool, error)
	Put(source string, modTime time.Time, v any) error
}

// Parser converts track files into Results. It is safe for concurrent use.
type Parser struct {
	cache    Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics
	progress func()
}

// Option configures a Parser.
type Option func(*Parser)

// WithCache enables the per-file parse cache.
func WithCache(c Cache) Option {
	return func(p *Parser) { p.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Parser) { p.metrics = m }
}

// WithProgress registers a callback invoked after each file of a batch.
func WithProgress(fn func()) Option {
	return func(p *Parser) { p.progress = fn }
}

// NewParser creates a parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDiscard(p.logger)
	return p
}

// ParseFile parses one file. Any failure yields an empty, non-nil Result
// together with the error, so batch callers can carry on.
func (p *Parser) ParseFile(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		p.metrics.FileParsed("failed")
		return &Result{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if res, ok := p.fromCache(path, info.ModTime()); ok {
		p.metrics.FileParsed("cached")
		return res, nil
	}

	res, err := p.parse(path)
	if err != nil {
		p.metrics.FileParsed("failed")
		return &Result{}, err
	}
	p.metrics.FileParsed("ok")

	if p.cache != nil {
		if err := p.cache.Put(path, info.ModTime(), newCacheEntry(res)); err != nil {
			p.logger.Warn("Failed to write parse cache", "file", path, "error", err)
		}
	}
	return res, nil
}

func (p *Parser) fromCache(path string, modTime time.Time) (*Result, bool) {
	if p.cache == nil {
		return nil, false
	}
	var entry cacheEntry
	hit, err := p.cache.Get(path, modTime, &entry)
	if err != nil {
		p.logger.Warn("Failed to read parse cache", "file", path, "error", err)
		return nil, false
	}
	if !hit {
		return nil, false
	}
	p.logger.Debug("Parse cache hit", "file", path)
	return entry.result(), true
}

// parse reads and decodes a file. Panics from the tree walk are turned into
// errors so one bad file cannot take down a batch.
func (p *Parser) parse(path string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("failed to walk %s: %v", path, r)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dialect, err := sniff(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	strategy := strategyFor(dialect)
	if strategy == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedDialect)
	}

	placemarks, err := strategy.decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	res = p.assemble(path, placemarks)
	res.Dialect = dialect
	p.logger.Debug("Parsed file",
		"file", path,
		"dialect", dialect.String(),
		"paths", len(res.Paths),
		"points", res.PointCount(),
	)
	return res, nil
}

// assemble validates raw placemarks and attaches metadata. Placemarks
// without any valid point are dropped.
func (p *Parser) assemble(source string, placemarks []rawPlacemark) *Result {
	info := ParseFilename(source)
	res := &Result{}

	for _, pm := range placemarks {
		path := make(models.Path, 0, len(pm.points))
		for _, rp := range pm.points {
			c, reason, ok := normalize(rp)
			if reason != "" {
				p.metrics.PointRejected(reason)
			}
			if !ok {
				p.logger.Debug("Skipping invalid point",
					"file", source,
					"placemark", pm.name,
					"lat", rp.lat,
					"lon", rp.lon,
					"reason", reason,
				)
				continue
			}
			path = append(path, c)
		}
		if len(path) == 0 {
			continue
		}

		meta, path := buildMetadata(pm, path, info, source)
		res.Paths = append(res.Paths, path)
		res.Metadata = append(res.Metadata, meta)
	}
	return res
}
