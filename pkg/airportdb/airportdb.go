// Package airportdb resolves ICAO codes and coordinates against a local
// snapshot of the OurAirports database.
//
// The snapshot is downloaded when missing or older than the configured
// maximum age. It is loaded once on first use and served without locking
// afterwards. An unavailable database never fails a lookup; lookups simply
// report nothing.
package airportdb

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saschagrunert/kml-heatmap/pkg/fsutil"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
	"github.com/saschagrunert/kml-heatmap/pkg/rtree"
)

const service = "airportdb"

var (
	// ErrUnavailable is returned by Load when there is neither a snapshot nor
	// a way to download one.
	ErrUnavailable = errors.New("airport database unavailable")
	// ErrMissingField is returned for snapshots lacking a required column.
	ErrMissingField = errors.New("missing CSV field")
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Entry is one known airport.
type Entry struct {
	Code string  `json:"code"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// DB is a lazily loaded airport table.
type DB struct {
	path    string
	url     string
	maxAge  time.Duration
	client  HTTPClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	loaded atomic.Bool
	err    error
	byCode map[string]Entry
	index  *rtree.GeoIndex
}

// Option configures a DB.
type Option func(*DB)

// WithURL sets where snapshots are downloaded from. Without a URL the
// database only uses an existing snapshot.
func WithURL(url string) Option {
	return func(d *DB) { d.url = url }
}

// WithMaxAge sets the age after which the snapshot is refreshed.
func WithMaxAge(age time.Duration) Option {
	return func(d *DB) { d.maxAge = age }
}

// WithClient sets the HTTP client used for downloads.
func WithClient(c HTTPClient) Option {
	return func(d *DB) { d.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *DB) { d.metrics = m }
}

// New creates a database backed by the CSV snapshot at path.
func New(path string, opts ...Option) *DB {
	const timeout = 60
	d := &DB{
		path:   path,
		maxAge: 30 * 24 * time.Hour,
		client: &http.Client{Timeout: timeout * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger)
	return d
}

// Load refreshes and reads the snapshot once. Later calls return the result
// of the first one.
func (d *DB) Load(ctx context.Context) error {
	if d.loaded.Load() {
		return d.err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded.Load() {
		return d.err
	}

	d.err = d.load(ctx)
	if d.err != nil {
		d.logger.WarnContext(ctx, "Airport database unavailable", "path", d.path, "error", d.err)
	}
	d.loaded.Store(true)
	return d.err
}

// Len returns the number of known airports, zero when unavailable.
func (d *DB) Len() int {
	if d.Load(context.Background()) != nil {
		return 0
	}
	return len(d.byCode)
}

// Lookup returns the airport with the given ICAO or GPS code.
func (d *DB) Lookup(code string) (Entry, bool) {
	if d.Load(context.Background()) != nil {
		d.metrics.Lookup(service, "unavailable")
		return Entry{}, false
	}
	e, ok := d.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if ok {
		d.metrics.Lookup(service, "hit")
	} else {
		d.metrics.Lookup(service, "miss")
	}
	return e, ok
}

// Nearest returns the known airport closest to the location, provided it
// is within maxKm.
func (d *DB) Nearest(lat, lon, maxKm float64) (Entry, bool) {
	if d.Load(context.Background()) != nil {
		return Entry{}, false
	}
	n := d.index.NearestNeighbors(models.Location{Lat: lat, Lon: lon}, 1)
	if len(n) == 0 || n[0].DistanceKm > maxKm {
		return Entry{}, false
	}
	return d.byCode[n[0].Place.Code], true
}

// Resolver adapts Nearest into a name lookup for deduplicated airports.
func (d *DB) Resolver(maxKm float64) func(lat, lon float64) (string, bool) {
	return func(lat, lon float64) (string, bool) {
		e, ok := d.Nearest(lat, lon, maxKm)
		if !ok {
			return "", false
		}
		return e.Label(), true
	}
}

// CodeResolver adapts Lookup into a name lookup for airports that are only
// known by their code.
func (d *DB) CodeResolver() func(code string) (string, bool) {
	return func(code string) (string, bool) {
		e, ok := d.Lookup(code)
		if !ok {
			return "", false
		}
		return e.Label(), true
	}
}

// Label is the display name of an entry, e.g. "EDDF Frankfurt am Main".
func (e Entry) Label() string {
	if e.Name == "" {
		return e.Code
	}
	return e.Code + " " + e.Name
}

// indexPath is the gob snapshot of the spatial index next to the CSV.
func (d *DB) indexPath() string {
	return strings.TrimSuffix(d.path, filepath.Ext(d.path)) + ".idx"
}

func (d *DB) load(ctx context.Context) error {
	if err := d.refresh(ctx); err != nil {
		return err
	}
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var (
		entries map[string]Entry
		index   = rtree.NewGeoIndex()
		cached  bool
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := os.Open(d.path)
		if err != nil {
			return fmt.Errorf("failed to open airport database: %w", err)
		}
		defer f.Close()
		entries, err = parseCSV(f)
		return err
	})
	g.Go(func() error {
		built, err := index.LoadFromFile(d.indexPath())
		cached = err == nil && built.Equal(info.ModTime())
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if !cached {
		index.Clear()
		index.IndexPlaces(places(entries))
		if err := index.SaveToFile(d.indexPath(), info.ModTime()); err != nil {
			d.logger.WarnContext(ctx, "Failed to save airport index", "error", err)
		}
	}

	d.byCode = entries
	d.index = index
	d.logger.DebugContext(ctx, "Loaded airport database", "airports", len(entries), "index_cached", cached)
	return nil
}

// refresh downloads a new snapshot when the current one is missing or
// stale. A failed refresh of an existing snapshot only warns.
func (d *DB) refresh(ctx context.Context) error {
	info, statErr := os.Stat(d.path)
	fresh := statErr == nil && d.now().Sub(info.ModTime()) <= d.maxAge
	if fresh {
		return nil
	}
	if d.url == "" {
		if statErr != nil {
			return fmt.Errorf("%w: no snapshot at %s", ErrUnavailable, d.path)
		}
		return nil
	}

	d.logger.InfoContext(ctx, "Downloading airport database", "url", d.url)
	err := d.download(ctx)
	if err == nil {
		return nil
	}
	if statErr == nil {
		d.logger.WarnContext(ctx, "Using stale airport database", "error", err)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (d *DB) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download airport database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("airport database download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return fsutil.WriteFileAtomic(d.path, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

// csvFields are the OurAirports columns used, in callback order.
var csvFields = []string{"ident", "type", "name", "latitude_deg", "longitude_deg", "gps_code"}

func parseCSV(r io.Reader) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	err := mungeCSV(r, csvFields, func(f []string) {
		if f[1] == "closed" {
			return
		}
		lat, err1 := strconv.ParseFloat(f[3], 64)
		lon, err2 := strconv.ParseFloat(f[4], 64)
		if err1 != nil || err2 != nil {
			return
		}
		e := Entry{Code: strings.ToUpper(strings.TrimSpace(f[0])), Name: strings.TrimSpace(f[2]), Lat: lat, Lon: lon}
		if e.Code == "" {
			return
		}
		entries[e.Code] = e
		if gps := strings.ToUpper(strings.TrimSpace(f[5])); gps != "" && gps != e.Code {
			if _, taken := entries[gps]; !taken {
				alias := e
				alias.Code = gps
				entries[gps] = alias
			}
		}
	})
	return entries, err
}

// mungeCSV calls callback with the requested fields of every record, looked
// up by header name.
func mungeCSV(r io.Reader, fields []string, callback func([]string)) error {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	fieldIndices := make([]int, 0, len(fields))
	for _, f := range fields {
		idx := -1
		for hi, h := range header {
			if f == strings.TrimSpace(h) {
				idx = hi
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrMissingField, f)
		}
		fieldIndices = append(fieldIndices, idx)
	}

	strs := make([]string, len(fieldIndices))
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to parse CSV: %w", err)
		}
		short := false
		for i, idx := range fieldIndices {
			if idx >= len(record) {
				short = true
				break
			}
			strs[i] = record[idx]
		}
		if !short {
			callback(strs)
		}
	}
}

// places converts entries to index places, skipping GPS code aliases.
func places(entries map[string]Entry) []*models.Place {
	out := make([]*models.Place, 0, len(entries))
	seen := make(map[models.Location]bool, len(entries))
	for _, e := range sortedEntries(entries) {
		loc := models.Location{Lat: e.Lat, Lon: e.Lon}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, &models.Place{Code: e.Code, Name: e.Name, Location: &loc})
	}
	return out
}

func sortedEntries(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
