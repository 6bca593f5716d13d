package aircraft

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/saschagrunert/kml-heatmap/pkg/fsutil"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
)

const (
	service     = "aircraft"
	memoSize    = 256
	memoTTL     = time.Hour
	defaultRate = time.Second
)

// record is one persisted lookup outcome.
type record struct {
	Model    string    `json:"model,omitempty"`
	NotFound bool      `json:"not_found,omitempty"`
	Checked  time.Time `json:"checked"`
}

// Lookup wraps a Provider with a rate limit, an in-memory memo and a JSON
// file cache. Only successful and not-found results are remembered.
type Lookup struct {
	provider Provider
	limiter  *rate.Limiter
	path     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	memo *expirable.LRU[string, record]

	mu   sync.Mutex
	disk map[string]record
}

// LookupOption configures a Lookup.
type LookupOption func(*Lookup)

// WithCacheFile persists results to path.
func WithCacheFile(path string) LookupOption {
	return func(l *Lookup) { l.path = path }
}

// WithInterval sets the minimum spacing between provider requests. Zero
// disables the limit.
func WithInterval(d time.Duration) LookupOption {
	return func(l *Lookup) {
		if d <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		l.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) LookupOption {
	return func(l *Lookup) { l.logger = log }
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *metrics.Metrics) LookupOption {
	return func(l *Lookup) { l.metrics = m }
}

// NewLookup creates a lookup. An unreadable cache file is logged and
// replaced on the next write.
func NewLookup(provider Provider, opts ...LookupOption) *Lookup {
	l := &Lookup{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(defaultRate), 1),
		memo:     expirable.NewLRU[string, record](memoSize, nil, memoTTL),
		disk:     make(map[string]record),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDiscard(l.logger)
	l.loadDisk()
	return l
}

func (l *Lookup) loadDisk() {
	if l.path == "" {
		return
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		err = json.Unmarshal(data, &l.disk)
	}
	if err != nil {
		l.logger.Warn("Ignoring unreadable aircraft cache", "path", l.path, "error", err)
		l.disk = make(map[string]record)
	}
}

// Model returns the model of the aircraft with the given registration, and
// false when it is unknown or could not be resolved.
func (l *Lookup) Model(ctx context.Context, registration string) (string, bool) {
	reg := strings.ToUpper(strings.TrimSpace(registration))
	if reg == "" {
		return "", false
	}

	if r, ok := l.memo.Get(reg); ok {
		l.metrics.Lookup(service, "cached")
		return r.Model, !r.NotFound
	}
	l.mu.Lock()
	r, ok := l.disk[reg]
	l.mu.Unlock()
	if ok {
		l.memo.Add(reg, r)
		l.metrics.Lookup(service, "cached")
		return r.Model, !r.NotFound
	}

	if err := l.limiter.Wait(ctx); err != nil {
		l.metrics.Lookup(service, "error")
		return "", false
	}

	model, err := l.provider.Model(ctx, reg)
	switch {
	case err == nil:
		r = record{Model: model, Checked: l.now().UTC()}
		l.metrics.Lookup(service, "ok")
	case errors.Is(err, ErrNotFound):
		r = record{NotFound: true, Checked: l.now().UTC()}
		l.metrics.Lookup(service, "not_found")
	default:
		l.logger.WarnContext(ctx, "Aircraft lookup failed", "registration", reg, "error", err)
		l.metrics.Lookup(service, "error")
		return "", false
	}

	l.memo.Add(reg, r)
	l.store(reg, r)
	return r.Model, !r.NotFound
}

func (l *Lookup) store(reg string, r record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disk[reg] = r
	if l.path == "" {
		return
	}
	data, err := json.MarshalIndent(l.disk, "", "  ")
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(l.path), 0o755); err == nil {
			err = fsutil.WriteBytesAtomic(l.path, data)
		}
	}
	if err != nil {
		l.logger.Warn("Failed to write aircraft cache", "path", l.path, "error", err)
	}
}
