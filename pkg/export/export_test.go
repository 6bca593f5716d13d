package export_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saschagrunert/kml-heatmap/pkg/export"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func point(lat, lon, alt float64, at time.Time) models.TimedCoordinate {
	return models.TimedCoordinate{
		Coordinate: models.Coordinate{Lat: lat, Lon: lon, Alt: &alt},
		Time:       at,
	}
}

// zigzag builds a path that RDP cannot reduce below n points at small
// epsilons.
func zigzag(n int, start time.Time) models.Path {
	path := make(models.Path, n)
	for i := range path {
		lat := 50.0 + float64(i%2)*0.01
		path[i] = point(lat, 8.0+float64(i)*0.001, 500+float64(i%7)*10, start.Add(time.Duration(i)*5*time.Second))
	}
	return path
}

func readDoc(t *testing.T, path string) export.TierDocument {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc export.TierDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func sampleInput() export.Input {
	return export.Input{
		Paths: []models.Path{
			{point(50.0, 8.0, 100, t0), point(50.1, 8.1, 1100, t0.Add(300*time.Second))},
			zigzag(40, t0),
			{point(49.0, 7.0, 200, time.Time{})},
			zigzag(25, t0.AddDate(-1, 0, 0)),
			{point(51.0, 9.0, 300, time.Time{}), point(51.01, 9.01, 320, time.Time{})},
		},
		Metadata: []models.PathMetadata{
			{Name: "EDDF → EDFE", Year: "2024", Registration: "D-EABC", AircraftType: "C172", SourceFile: "/tracks/a.kml"},
			{Name: "Local", Year: "2024", Registration: "d-eabc", AircraftType: "C172"},
			{Name: "Marker", Year: "2024"},
			{Name: "Old", Year: "2023", Registration: "D-EXYZ"},
			{Name: "Undated"},
		},
		Airports: []models.Airport{{Lat: 50.0, Lon: 8.0, Name: "EDDF", Timestamps: []time.Time{t0}}},
	}
}

type fakeModels map[string]string

func (f fakeModels) Model(_ context.Context, reg string) (string, bool) {
	m, ok := f[reg]
	return m, ok
}

func TestExportTwoPointPath(t *testing.T) {
	out := t.TempDir()
	in := export.Input{
		Paths:    []models.Path{{point(50.0, 8.0, 100, t0), point(50.1, 8.1, 1100, t0.Add(300*time.Second))}},
		Metadata: []models.PathMetadata{{Year: "2024", Start: t0, End: t0.Add(300 * time.Second)}},
	}

	summary, err := export.New(export.Options{OutputDir: out}).Export(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024"}, summary.Years)
	assert.Len(t, summary.Files, len(export.Resolutions)+2)

	doc := readDoc(t, filepath.Join(out, "2024", "full.json"))
	require.Len(t, doc.PathSegments, 1)
	seg := doc.PathSegments[0]
	assert.Equal(t, 600, seg.AltitudeM)
	assert.Equal(t, 1969, seg.AltitudeFt)
	assert.Equal(t, "#00ff00", seg.Color)
	assert.InDelta(t, 85.6, seg.GroundspeedKt, 0.1)
	require.NotNil(t, seg.TimeOffset)
	assert.Zero(t, *seg.TimeOffset)
	assert.Equal(t, [][2]float64{{50.0, 8.0}, {50.1, 8.1}}, doc.Coordinates)

	require.Len(t, doc.PathInfo, 1)
	assert.InDelta(t, 13.2, doc.PathInfo[0].DistanceKm, 0.1)
	assert.Equal(t, 300.0, doc.PathInfo[0].DurationSeconds)

	require.NotNil(t, summary.Stats.Altitude)
	assert.Equal(t, 100.0, summary.Stats.Altitude.MinM)
	assert.Equal(t, 1100.0, summary.Stats.Altitude.MaxM)
	assert.InDelta(t, 85.6, summary.Stats.Groundspeed.AvgKt, 0.1)
}

func TestExportYearBuckets(t *testing.T) {
	out := t.TempDir()
	m := metrics.New()
	summary, err := export.New(export.Options{OutputDir: out, Workers: 2},
		export.WithMetrics(m),
		export.WithModelResolver(fakeModels{"D-EABC": "Cessna 172S"}),
	).Export(context.Background(), sampleInput())
	require.NoError(t, err)

	assert.Equal(t, []string{"2023", "2024", models.UnknownYear}, summary.Years)

	doc := readDoc(t, filepath.Join(out, "2024", "city.json"))
	require.Len(t, doc.PathInfo, 2)
	assert.Equal(t, 0, doc.PathInfo[0].ID)
	assert.Equal(t, "a.kml", doc.PathInfo[0].SourceFile)
	assert.Equal(t, 1, doc.PathInfo[1].ID)
	assert.Equal(t, "Local", doc.PathInfo[1].Name)
	for _, seg := range doc.PathSegments {
		assert.Contains(t, []int{0, 1}, seg.PathID)
	}

	undated := readDoc(t, filepath.Join(out, models.UnknownYear, "full.json"))
	require.Len(t, undated.PathSegments, 1)
	assert.Nil(t, undated.PathSegments[0].TimeOffset)

	stats := summary.Stats
	assert.Equal(t, 4, stats.TotalPaths)
	assert.Equal(t, 2+40+25+2, stats.TotalPoints)
	assert.Equal(t, 1, stats.AirportCount)
	assert.Equal(t, []string{"D-EABC", "D-EXYZ"}, stats.Aircraft.Keys())

	v, ok := stats.Aircraft.Get("D-EABC")
	require.True(t, ok)
	a := v.(export.AircraftStats)
	assert.Equal(t, 2, a.Flights)
	assert.Equal(t, "Cessna 172S", a.Model)
	assert.Equal(t, []string{"2024"}, a.Years)

	// Four paths over five tiers.
	for _, r := range export.Resolutions {
		assert.Equal(t, 4.0, testutil.ToFloat64(m.PathsExported.WithLabelValues(r.Name)), r.Name)
	}

	var airports export.AirportsDocument
	data, err := os.ReadFile(filepath.Join(out, "airports.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &airports))
	require.Len(t, airports.Airports, 1)
	assert.Equal(t, "EDDF", airports.Airports[0].Name)

	_, err = os.Stat(filepath.Join(out, "stats.json"))
	require.NoError(t, err)
}

func TestExportDeterministicAcrossWorkers(t *testing.T) {
	in := sampleInput()
	var first map[string][]byte
	for _, workers := range []int{1, 3, 8} {
		out := t.TempDir()
		summary, err := export.New(export.Options{OutputDir: out, Workers: workers}).Export(context.Background(), in)
		require.NoError(t, err)

		files := map[string][]byte{}
		for _, f := range summary.Files {
			rel, err := filepath.Rel(out, f)
			require.NoError(t, err)
			files[rel], err = os.ReadFile(f)
			require.NoError(t, err)
		}
		if first == nil {
			first = files
			continue
		}
		require.Equal(t, len(first), len(files))
		for name, data := range first {
			assert.Equal(t, string(data), string(files[name]), "workers=%d file=%s", workers, name)
		}
	}
}

func TestExportEnforcesPointBudget(t *testing.T) {
	out := t.TempDir()
	m := metrics.New()
	tiers := []models.ResolutionSpec{{Name: "tiny", DownsampleFactor: 1, Epsilon: 0.000001, PointBudget: 50}}
	in := export.Input{
		Paths:    []models.Path{zigzag(1000, t0)},
		Metadata: []models.PathMetadata{{Year: "2024"}},
	}

	summary, err := export.New(export.Options{OutputDir: out, Resolutions: tiers}, export.WithMetrics(m)).
		Export(context.Background(), in)
	require.NoError(t, err)
	assert.LessOrEqual(t, summary.Points["tiny"], 50)

	doc := readDoc(t, filepath.Join(out, "2024", "tiny.json"))
	assert.True(t, doc.Decimated)
	assert.Equal(t, 1000, doc.OriginalPoints)
	assert.LessOrEqual(t, doc.SegmentPoints, 50)
	assert.Equal(t, len(doc.Coordinates), doc.Points)
	assert.InDelta(t, 0.000001*256, doc.Epsilon, 1e-12)
	assert.Equal(t, 8.0, testutil.ToFloat64(m.EpsilonAdjustments.WithLabelValues("tiny")))
}

func TestExportEnforcesPointBudgetAcrossPaths(t *testing.T) {
	tiers := []models.ResolutionSpec{{Name: "tiny", DownsampleFactor: 1, Epsilon: 0.000001, PointBudget: 100}}

	testCases := []struct {
		name     string
		paths    []models.Path
		expected func(t *testing.T, doc export.TierDocument)
	}{
		{
			name: "one long path and many short ones",
			paths: func() []models.Path {
				paths := []models.Path{zigzag(1000, t0)}
				for i := 0; i < 39; i++ {
					paths = append(paths, zigzag(3, t0.Add(time.Duration(i+1)*time.Hour)))
				}
				return paths
			}(),
			expected: func(t *testing.T, doc export.TierDocument) {
				assert.LessOrEqual(t, doc.SegmentPoints, 100)
				// Every path keeps its endpoints.
				assert.GreaterOrEqual(t, doc.SegmentPoints, 80)
			},
		},
		{
			name: "more paths than the budget can hold",
			paths: func() []models.Path {
				var paths []models.Path
				for i := 0; i < 80; i++ {
					paths = append(paths, zigzag(30, t0.Add(time.Duration(i)*time.Hour)))
				}
				return paths
			}(),
			expected: func(t *testing.T, doc export.TierDocument) {
				assert.Equal(t, 160, doc.SegmentPoints)
				assert.Len(t, doc.PathSegments, 80)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := t.TempDir()
			meta := make([]models.PathMetadata, len(tc.paths))
			for i := range meta {
				meta[i].Year = "2024"
			}
			_, err := export.New(export.Options{OutputDir: out, Resolutions: tiers}).
				Export(context.Background(), export.Input{Paths: tc.paths, Metadata: meta})
			require.NoError(t, err)

			doc := readDoc(t, filepath.Join(out, "2024", "tiny.json"))
			assert.True(t, doc.Decimated)
			tc.expected(t, doc)
		})
	}
}

func TestExportPointsCountWrittenCoordinates(t *testing.T) {
	out := t.TempDir()
	summary, err := export.New(export.Options{OutputDir: out}).Export(context.Background(), sampleInput())
	require.NoError(t, err)

	total := 0
	for _, year := range summary.Years {
		doc := readDoc(t, filepath.Join(out, year, "continent.json"))
		assert.Equal(t, len(doc.Coordinates), doc.Points)
		assert.LessOrEqual(t, doc.Points, doc.SegmentPoints)
		total += doc.Points
	}
	assert.Equal(t, total, summary.Points["continent"])
}

func TestExportSimplifyTimeoutFallsBackToDecimation(t *testing.T) {
	out := t.TempDir()
	tiers := []models.ResolutionSpec{{Name: "slow", DownsampleFactor: 1, Epsilon: 0.0000001}}
	in := export.Input{
		Paths:    []models.Path{zigzag(1000, t0)},
		Metadata: []models.PathMetadata{{Year: "2024"}},
	}

	_, err := export.New(export.Options{OutputDir: out, Resolutions: tiers, SimplifyTimeout: time.Nanosecond}).
		Export(context.Background(), in)
	require.NoError(t, err)

	doc := readDoc(t, filepath.Join(out, "2024", "slow.json"))
	assert.Equal(t, 501, doc.Points)
}

func TestExportLowerTiersHaveNoGroundspeed(t *testing.T) {
	out := t.TempDir()
	_, err := export.New(export.Options{OutputDir: out}).Export(context.Background(), sampleInput())
	require.NoError(t, err)

	full := readDoc(t, filepath.Join(out, "2024", "full.json"))
	moving := 0
	for _, seg := range full.PathSegments {
		if seg.GroundspeedKt > 0 {
			moving++
		}
	}
	assert.Positive(t, moving)

	for _, tier := range []string{"continent", "country", "region", "city"} {
		doc := readDoc(t, filepath.Join(out, "2024", tier+".json"))
		for _, seg := range doc.PathSegments {
			assert.Zero(t, seg.GroundspeedKt, tier)
		}
	}
}

func TestExportCompressed(t *testing.T) {
	out := t.TempDir()
	summary, err := export.New(export.Options{OutputDir: out, Compress: true}).Export(context.Background(), sampleInput())
	require.NoError(t, err)
	for _, f := range summary.Files {
		assert.Equal(t, ".zst", filepath.Ext(f))
	}

	f, err := os.Open(filepath.Join(out, "2024", "full.json.zst"))
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var doc export.TierDocument
	require.NoError(t, json.NewDecoder(zr).Decode(&doc))
	assert.Equal(t, "full", doc.Resolution.Name)
	assert.Len(t, doc.PathInfo, 2)
}

func TestExportErrors(t *testing.T) {
	t.Run("no usable paths", func(t *testing.T) {
		in := export.Input{Paths: []models.Path{{point(50, 8, 0, t0)}}}
		_, err := export.New(export.Options{OutputDir: t.TempDir()}).Export(context.Background(), in)
		assert.ErrorIs(t, err, export.ErrNoPaths)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := export.New(export.Options{OutputDir: t.TempDir()}).Export(ctx, sampleInput())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAltitudeColor(t *testing.T) {
	b := export.Bounds{MinM: 0, MaxM: 1000, Known: true}
	testCases := []struct {
		alt      float64
		expected string
	}{
		{-50, "#0000ff"},
		{0, "#0000ff"},
		{250, "#00ffff"},
		{500, "#00ff00"},
		{750, "#ffff00"},
		{1000, "#ff0000"},
		{5000, "#ff0000"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, export.AltitudeColor(tc.alt, b), "alt=%v", tc.alt)
	}

	assert.Equal(t, export.UnknownAltitudeColor, export.AltitudeColor(100, export.Bounds{}))
	assert.Equal(t, "#0000ff", export.AltitudeColor(100, export.Bounds{MinM: 100, MaxM: 100, Known: true}))
}

func TestResolutionByName(t *testing.T) {
	r, ok := export.ResolutionByName("region")
	require.True(t, ok)
	assert.Equal(t, 5, r.DownsampleFactor)
	assert.Equal(t, 40000, r.PointBudget)

	full, ok := export.ResolutionByName(export.TierFull)
	require.True(t, ok)
	assert.Zero(t, full.PointBudget)

	_, ok = export.ResolutionByName("street")
	assert.False(t, ok)
}
