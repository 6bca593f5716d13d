package airportdb_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saschagrunert/kml-heatmap/pkg/airportdb"
	"github.com/saschagrunert/kml-heatmap/pkg/airports"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

const snapshot = `"id","ident","type","name","latitude_deg","longitude_deg","elevation_ft","gps_code"
2212,"EDDF","large_airport","Frankfurt am Main Airport",50.033333,8.570556,364,"EDDF"
2214,"EDFE","small_airport","Flugplatz Egelsbach",49.960833,8.643611,384,"EDFE"
3000,"US-0001","small_airport","Some Strip",37.5,-122.1,10,"K0Q9"
3001,"XXXX","closed","Gone Field",10.0,10.0,0,""
3002,"BAD1","small_airport","Broken",north,8.0,0,""
`

// mockHTTPClient is a mock implementation of HTTPClient for testing.
type mockHTTPClient struct {
	calls  atomic.Int32
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.calls.Add(1)
	return m.doFunc(req)
}

func serving(body string) *mockHTTPClient {
	return &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString(body)),
		}, nil
	}}
}

func failing() *mockHTTPClient {
	return &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network down")
	}}
}

func TestLookupDownloadsMissingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "airports.csv")
	client := serving(snapshot)
	m := metrics.New()
	db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(client), airportdb.WithMetrics(m))

	e, ok := db.Lookup("eddf")
	require.True(t, ok)
	assert.Equal(t, airportdb.Entry{Code: "EDDF", Name: "Frankfurt am Main Airport", Lat: 50.033333, Lon: 8.570556}, e)

	_, ok = db.Lookup("XXXX")
	assert.False(t, ok, "closed airports are skipped")
	_, ok = db.Lookup("BAD1")
	assert.False(t, ok, "rows with invalid coordinates are skipped")

	e, ok = db.Lookup("K0Q9")
	require.True(t, ok, "GPS codes resolve too")
	assert.Equal(t, "Some Strip", e.Name)

	assert.Equal(t, 4, db.Len())
	assert.Equal(t, int32(1), client.calls.Load())
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "airports.idx"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Lookups.WithLabelValues("airportdb", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Lookups.WithLabelValues("airportdb", "miss")))
}

func TestFreshSnapshotIsNotDownloaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	client := failing()
	db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(client))

	_, ok := db.Lookup("EDFE")
	assert.True(t, ok)
	assert.Zero(t, client.calls.Load())
}

func TestStaleSnapshotIsRefreshed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	updated := strings.Replace(snapshot, "Flugplatz Egelsbach", "Egelsbach Airfield", 1)
	client := serving(updated)
	db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(client))

	e, ok := db.Lookup("EDFE")
	require.True(t, ok)
	assert.Equal(t, "Egelsbach Airfield", e.Name)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestStaleSnapshotSurvivesFailedRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(failing()))

	_, ok := db.Lookup("EDDF")
	assert.True(t, ok)
}

func TestUnavailableDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")

	t.Run("download fails", func(t *testing.T) {
		m := metrics.New()
		db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"),
			airportdb.WithClient(failing()), airportdb.WithMetrics(m))

		assert.ErrorIs(t, db.Load(context.Background()), airportdb.ErrUnavailable)
		_, ok := db.Lookup("EDDF")
		assert.False(t, ok)
		_, ok = db.Nearest(50, 8.5, 10)
		assert.False(t, ok)
		assert.Zero(t, db.Len())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("airportdb", "unavailable")))
		assert.NoFileExists(t, path)
	})

	t.Run("bad status", func(t *testing.T) {
		client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
		}}
		db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(client))
		_, ok := db.Lookup("EDDF")
		assert.False(t, ok)
	})

	t.Run("no url", func(t *testing.T) {
		db := airportdb.New(path)
		assert.ErrorIs(t, db.Load(context.Background()), airportdb.ErrUnavailable)
	})

	t.Run("missing column", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "airports.csv")
		require.NoError(t, os.WriteFile(bad, []byte("ident,name\nEDDF,Frankfurt\n"), 0o644))
		db := airportdb.New(bad)
		assert.ErrorIs(t, db.Load(context.Background()), airportdb.ErrMissingField)
		_, ok := db.Lookup("EDDF")
		assert.False(t, ok)
	})
}

func TestNearest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))
	db := airportdb.New(path)

	e, ok := db.Nearest(49.97, 8.63, 5)
	require.True(t, ok)
	assert.Equal(t, "EDFE", e.Code)

	_, ok = db.Nearest(49.0, 8.0, 5)
	assert.False(t, ok)

	name, ok := db.Resolver(5)(50.03, 8.57)
	require.True(t, ok)
	assert.Equal(t, "EDDF Frankfurt am Main Airport", name)
}

func TestIndexSnapshotIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))
	require.NoError(t, airportdb.New(path).Load(context.Background()))

	idx := filepath.Join(filepath.Dir(path), "airports.idx")
	info, err := os.Stat(idx)
	require.NoError(t, err)

	db := airportdb.New(path)
	require.NoError(t, db.Load(context.Background()))
	again, err := os.Stat(idx)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime(), "index was not rewritten")

	e, ok := db.Nearest(50.03, 8.57, 5)
	require.True(t, ok)
	assert.Equal(t, "EDDF", e.Code)
}

func TestConcurrentFirstLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	client := serving(snapshot)
	db := airportdb.New(path, airportdb.WithURL("https://example.org/airports.csv"), airportdb.WithClient(client))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := db.Lookup("EDDF")
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestCodeResolverNamesRouteAirports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airports.csv")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))
	db := airportdb.New(path)

	name, ok := db.CodeResolver()("edfe")
	require.True(t, ok)
	assert.Equal(t, "EDFE Flugplatz Egelsbach", name)
	_, ok = db.CodeResolver()("ZZZZ")
	assert.False(t, ok)

	alt := func(m float64) *float64 { return &m }
	flight := models.Path{
		{Coordinate: models.Coordinate{Lat: 50.0333, Lon: 8.5706, Alt: alt(110)}},
		{Coordinate: models.Coordinate{Lat: 49.9608, Lon: 8.6436, Alt: alt(120)}},
	}
	dedup := airports.New(nil)
	dedup.AddPaths([]models.Path{flight}, []models.PathMetadata{{Name: "EDDF - EDFE"}})

	assert.Equal(t, 2, dedup.LabelCodes(db.CodeResolver()))
	all := dedup.Airports()
	require.Len(t, all, 2)
	assert.Equal(t, "EDDF Frankfurt am Main Airport", all[0].Name)
	assert.Equal(t, "EDFE Flugplatz Egelsbach", all[1].Name)
}
