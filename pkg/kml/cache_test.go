package kml_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saschagrunert/kml-heatmap/pkg/kml"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/parsecache"
)

const cachedDoc = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2" xmlns:gx="http://www.google.com/kml/ext/2.2">
  <Placemark>
    <name>KPAO - KSQL</name>
    <description>May 5 2024 9:30AM</description>
    <LineString><coordinates>-122.11,37.46,10 -122.15,37.48 -122.20,37.50,500</coordinates></LineString>
  </Placemark>
  <Placemark>
    <name>Local</name>
    <gx:Track>
      <when>2024-05-05T10:00:00Z</when>
      <when>2024-05-05T10:00:05Z</when>
      <gx:coord>-122.1 37.4 20</gx:coord>
      <gx:coord>-122.2 37.5 40</gx:coord>
    </gx:Track>
  </Placemark>
</kml>`

func TestParseCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := parsecache.New(filepath.Join(dir, "cache"), nil)
	require.NoError(t, err)

	m := metrics.New()
	p := kml.NewParser(kml.WithCache(store), kml.WithMetrics(m))

	file := filepath.Join(dir, "N12345_KPAO-KSQL.kml")
	require.NoError(t, os.WriteFile(file, []byte(cachedDoc), 0o644))
	mtime := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(file, mtime, mtime))

	first, err := p.ParseFile(file)
	require.NoError(t, err)
	require.Len(t, first.Paths, 2)

	// Same mtime, different content: only a cache hit returns the old paths.
	require.NoError(t, os.WriteFile(file, []byte(`<kml/>`), 0o644))
	require.NoError(t, os.Chtimes(file, mtime, mtime))

	second, err := p.ParseFile(file)
	require.NoError(t, err)
	assert.Equal(t, first.Paths, second.Paths)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, first.Dialect, second.Dialect)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesParsed.WithLabelValues("cached")))

	// A new mtime misses and replaces the stale entry.
	later := mtime.Add(time.Hour)
	require.NoError(t, os.Chtimes(file, later, later))
	third, err := p.ParseFile(file)
	require.NoError(t, err)
	assert.Empty(t, third.Paths)

	entries, err := filepath.Glob(filepath.Join(store.Dir(), "*"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingCache struct{}

func (failingCache) Get(string, time.Time, any) (bool, error) { return false, os.ErrPermission }
func (failingCache) Put(string, time.Time, any) error         { return os.ErrPermission }

func TestParseCacheFailureDoesNotAbort(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.kml")
	require.NoError(t, os.WriteFile(file, []byte(cachedDoc), 0o644))

	res, err := kml.NewParser(kml.WithCache(failingCache{})).ParseFile(file)
	require.NoError(t, err)
	assert.Len(t, res.Paths, 2)
}
