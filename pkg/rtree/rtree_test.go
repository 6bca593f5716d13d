package rtree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

func place(code string, lat, lon float64) *models.Place {
	return &models.Place{Code: code, Name: code, Location: &models.Location{Lat: lat, Lon: lon}}
}

func germanAirports() []*models.Place {
	return []*models.Place{
		place("EDDF", 50.0333, 8.5706),
		place("EDFE", 49.9608, 8.6436),  // ~10km
		place("EDFM", 49.4727, 8.5142),  // ~62km
		place("EDDK", 50.8659, 7.1427),  // ~137km
		place("EDDS", 48.6899, 9.2220),  // ~157km
		place("EDDM", 48.3538, 11.7861), // ~299km
		place("KSFO", 37.6190, -122.375),
	}
}

func codes(places []*models.Place) []string {
	out := make([]string, len(places))
	for i, p := range places {
		out[i] = p.Code
	}
	return out
}

func TestNewGeoIndex(t *testing.T) {
	index := NewGeoIndexWithPartitions(4)
	assert.NotNil(t, index)
	assert.Len(t, index.partitions, 4)
	assert.Equal(t, int64(0), index.Count())

	assert.Len(t, NewGeoIndexWithPartitions(0).partitions, len(NewGeoIndex().partitions))
}

func TestIndexPlaces(t *testing.T) {
	index := NewGeoIndexWithPartitions(4)

	places := append(germanAirports(), &models.Place{Code: "NOLOC"}, nil)
	index.IndexPlaces(places)
	assert.Equal(t, int64(7), index.Count())

	index.IndexPlaces([]*models.Place{place("EDDB", 52.3667, 13.5033)})
	assert.Equal(t, int64(8), index.Count())
}

func TestQueryBox(t *testing.T) {
	index := NewGeoIndexWithPartitions(8)
	index.IndexPlaces(germanAirports())

	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: 49.0, Lon: 7.0},
		TopRight:   models.Location{Lat: 51.0, Lon: 9.0},
	}
	results, err := index.QueryBox(box)
	require.NoError(t, err)
	assert.Equal(t, []string{"EDDF", "EDDK", "EDFE", "EDFM"}, codes(results))

	// An inverted box matches nothing.
	swapped := models.BoundingBox{BottomLeft: box.TopRight, TopRight: box.BottomLeft}
	results, err = index.QueryBox(swapped)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryRadius(t *testing.T) {
	index := NewGeoIndexWithPartitions(8)
	index.IndexPlaces(germanAirports())

	testCases := []struct {
		name     string
		radius   float64
		expected []string
	}{
		{"5km radius", 5, []string{"EDDF"}},
		{"20km radius", 20, []string{"EDDF", "EDFE"}},
		{"100km radius", 100, []string{"EDDF", "EDFE", "EDFM"}},
		{"200km radius", 200, []string{"EDDF", "EDDK", "EDDS", "EDFE", "EDFM"}},
		{"400km radius", 400, []string{"EDDF", "EDDK", "EDDM", "EDDS", "EDFE", "EDFM"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			center := models.Location{Lat: 50.0333, Lon: 8.5706}
			results, err := index.QueryRadius(center, tc.radius)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, codes(results))
		})
	}
}

func TestQueryRadiusHighLatitude(t *testing.T) {
	index := NewGeoIndexWithPartitions(4)
	// 0.1° of longitude at 78°N is about 2.3km.
	index.IndexPlaces([]*models.Place{place("ENSB", 78.2461, 15.4656), place("NEAR", 78.2461, 15.5656)})

	results, err := index.QueryRadius(models.Location{Lat: 78.2461, Lon: 15.4656}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENSB", "NEAR"}, codes(results))
}

func TestNearestNeighbors(t *testing.T) {
	index := NewGeoIndexWithPartitions(8)
	index.IndexPlaces(germanAirports())

	results := index.NearestNeighbors(models.Location{Lat: 49.97, Lon: 8.63}, 3)
	require.Len(t, results, 3)
	assert.Equal(t, "EDFE", results[0].Place.Code)
	assert.Equal(t, "EDDF", results[1].Place.Code)
	assert.Equal(t, "EDFM", results[2].Place.Code)
	assert.Less(t, results[0].DistanceKm, results[1].DistanceKm)

	assert.Len(t, index.NearestNeighbors(models.Location{}, 100), 7)
	assert.Nil(t, index.NearestNeighbors(models.Location{}, 0))
	assert.Empty(t, NewGeoIndex().NearestNeighbors(models.Location{}, 3))
}

func TestClear(t *testing.T) {
	index := NewGeoIndexWithPartitions(2)
	index.IndexPlaces(germanAirports())
	index.Clear()

	assert.Equal(t, int64(0), index.Count())
	assert.Empty(t, index.Places())
}

func TestPersistence(t *testing.T) {
	index1 := NewGeoIndex()
	index1.IndexPlaces(generateRandomPlaces(100))

	file := filepath.Join(t.TempDir(), "airports.gob")
	modTime := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, index1.SaveToFile(file, modTime))

	index2 := NewGeoIndexWithPartitions(3)
	got, err := index2.LoadFromFile(file)
	require.NoError(t, err)
	assert.True(t, modTime.Equal(got))

	assert.Equal(t, index1.Count(), index2.Count())
	assert.Equal(t, codes(index1.Places()), codes(index2.Places()))

	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: 45, Lon: 0},
		TopRight:   models.Location{Lat: 50, Lon: 10},
	}
	results1, err := index1.QueryBox(box)
	require.NoError(t, err)
	results2, err := index2.QueryBox(box)
	require.NoError(t, err)
	assert.Equal(t, codes(results1), codes(results2))
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := NewGeoIndex().LoadFromFile(filepath.Join(t.TempDir(), "missing.gob"))
	assert.Error(t, err)
}

func TestConcurrentQueries(t *testing.T) {
	index := NewGeoIndex()
	index.IndexPlaces(generateRandomPlaces(10000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))

			switch r.Intn(3) {
			case 0:
				box := models.BoundingBox{
					BottomLeft: models.Location{Lat: r.Float64()*5 + 40, Lon: r.Float64()*5 - 5},
					TopRight:   models.Location{Lat: r.Float64()*5 + 45, Lon: r.Float64()*5 + 5},
				}
				_, err := index.QueryBox(box)
				assert.NoError(t, err)
			case 1:
				center := models.Location{Lat: r.Float64()*20 + 40, Lon: r.Float64()*30 - 10}
				_, err := index.QueryRadius(center, r.Float64()*100+10)
				assert.NoError(t, err)
			case 2:
				center := models.Location{Lat: r.Float64()*20 + 40, Lon: r.Float64()*30 - 10}
				assert.NotEmpty(t, index.NearestNeighbors(center, r.Intn(50)+1))
			}
		}(int64(i))
	}
	wg.Wait()
}

// generateRandomPlaces spreads n places over Europe
func generateRandomPlaces(n int) []*models.Place {
	r := rand.New(rand.NewSource(42))
	places := make([]*models.Place, n)
	for i := 0; i < n; i++ {
		places[i] = place(fmt.Sprintf("P%05d", i), r.Float64()*20+40, r.Float64()*30-10)
	}
	return places
}

func BenchmarkIndexPlaces(b *testing.B) {
	for _, size := range []int{1000, 10000, 100000} {
		b.Run(fmt.Sprintf("%d_places", size), func(b *testing.B) {
			places := generateRandomPlaces(size)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				NewGeoIndex().IndexPlaces(places)
			}
		})
	}
}

func BenchmarkQueryRadius(b *testing.B) {
	index := NewGeoIndex()
	index.IndexPlaces(generateRandomPlaces(100000))
	center := models.Location{Lat: 50, Lon: 8}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = index.QueryRadius(center, 50)
	}
}

func BenchmarkNearestNeighbors(b *testing.B) {
	index := NewGeoIndex()
	index.IndexPlaces(generateRandomPlaces(100000))
	center := models.Location{Lat: 50, Lon: 8}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = index.NearestNeighbors(center, 10)
	}
}
