// Package parsecache stores parse results on disk keyed by source path and
// modification time. Entries are msgpack documents compressed with zstd and
// written with an atomic rename so concurrent runs can share one cache.
package parsecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/saschagrunert/kml-heatmap/pkg/fsutil"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
)

// Version is bumped whenever the cached payload layout changes; entries
// with another version are treated as misses.
const Version = 3

const suffix = ".msgpack.zst"

type envelope struct {
	Version int                `msgpack:"v"`
	Source  string             `msgpack:"src"`
	ModTime int64              `msgpack:"mtime"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Store is a directory of cached parse results.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New opens (and creates) a cache directory.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{dir: dir, logger: logging.OrDiscard(logger)}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get decodes the entry for source at modTime into v. It reports false
// without error when there is no usable entry.
func (s *Store) Get(source string, modTime time.Time, v any) (bool, error) {
	key := sourceKey(source)
	f, err := os.Open(s.entryPath(key, modTime))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open cache entry: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return false, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var env envelope
	if err := msgpack.NewDecoder(zr).Decode(&env); err != nil {
		return false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if env.Version != Version || env.Source != canonical(source) || env.ModTime != modTime.UnixNano() {
		return false, nil
	}
	if err := msgpack.Unmarshal(env.Payload, v); err != nil {
		return false, fmt.Errorf("failed to decode cached payload: %w", err)
	}
	return true, nil
}

// Put stores v for source at modTime and removes entries of the same source
// with other modification times.
func (s *Store) Put(source string, modTime time.Time, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	env := envelope{
		Version: Version,
		Source:  canonical(source),
		ModTime: modTime.UnixNano(),
		Payload: payload,
	}

	key := sourceKey(source)
	path := s.entryPath(key, modTime)
	err = fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		if err := msgpack.NewEncoder(zw).Encode(env); err != nil {
			zw.Close()
			return fmt.Errorf("failed to encode cache entry: %w", err)
		}
		return zw.Close()
	})
	if err != nil {
		return err
	}

	s.purgeStale(key, path)
	return nil
}

// Clean removes every cache entry and returns how many were deleted.
func (s *Store) Clean() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+suffix))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) purgeStale(key, keep string) {
	matches, err := filepath.Glob(filepath.Join(s.dir, key+"-*"+suffix))
	if err != nil {
		return
	}
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to purge stale cache entry", "path", m, "error", err)
			continue
		}
		s.logger.Debug("Purged stale cache entry", "path", m)
	}
}

func (s *Store) entryPath(key string, modTime time.Time) string {
	return filepath.Join(s.dir, key+"-"+strconv.FormatInt(modTime.UnixNano(), 10)+suffix)
}

func canonical(source string) string {
	if abs, err := filepath.Abs(source); err == nil {
		return abs
	}
	return source
}

func sourceKey(source string) string {
	sum := sha256.Sum256([]byte(canonical(source)))
	return strings.ToLower(hex.EncodeToString(sum[:8]))
}
