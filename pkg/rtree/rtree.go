// Package rtree implements a partitioned R-Tree over known reference places
// such as airports from the lookup database. Partitions are longitude bands
// that are searched in parallel.
package rtree

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"

	"github.com/saschagrunert/kml-heatmap/pkg/geo"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

const (
	tolerance   = 0.0001
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
	kmPerDegree = 111.195
)

// spatialPlace wraps a place to implement rtreego.Spatial
type spatialPlace struct {
	*models.Place
	rect rtreego.Rect
}

func (sp *spatialPlace) Bounds() rtreego.Rect {
	return sp.rect
}

// GeoIndex is a thread-safe R-Tree based index of places
type GeoIndex struct {
	partitions      []*rtreego.Rtree
	partitionBounds []models.BoundingBox
	numPartitions   int
	mu              sync.RWMutex
	itemCount       atomic.Int64
}

// NewGeoIndex creates an index with one partition per CPU
func NewGeoIndex() *GeoIndex {
	return NewGeoIndexWithPartitions(runtime.NumCPU())
}

// NewGeoIndexWithPartitions creates an index with the given number of
// longitude bands
func NewGeoIndexWithPartitions(numPartitions int) *GeoIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}

	g := &GeoIndex{
		partitions:      make([]*rtreego.Rtree, numPartitions),
		partitionBounds: make([]models.BoundingBox, numPartitions),
		numPartitions:   numPartitions,
	}

	lonRange := 360.0 / float64(numPartitions)
	for i := 0; i < numPartitions; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLon := -180.0 + float64(i)*lonRange
		maxLon := minLon + lonRange
		if i == numPartitions-1 {
			maxLon = 180.0
		}
		g.partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.Location{Lat: -90, Lon: minLon},
			TopRight:   models.Location{Lat: 90, Lon: maxLon},
		}
	}
	return g
}

func (g *GeoIndex) partitionOf(lon float64) int {
	idx := int((lon + 180.0) / (360.0 / float64(g.numPartitions)))
	return max(0, min(g.numPartitions-1, idx))
}

// IndexPlaces adds places to the index. Places without a location are
// skipped.
func (g *GeoIndex) IndexPlaces(places []*models.Place) {
	if len(places) == 0 {
		return
	}

	partitioned := make([][]*spatialPlace, g.numPartitions)
	for _, place := range places {
		if place == nil || place.Location == nil {
			continue
		}
		p := rtreego.Point{place.Location.Lat, place.Location.Lon}
		idx := g.partitionOf(place.Location.Lon)
		partitioned[idx] = append(partitioned[idx], &spatialPlace{place, p.ToRect(tolerance)})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var wg sync.WaitGroup
	for i, items := range partitioned {
		if len(items) == 0 {
			continue
		}
		wg.Add(1)
		go func(tree *rtreego.Rtree, items []*spatialPlace) {
			defer wg.Done()
			for _, item := range items {
				tree.Insert(item)
			}
			g.itemCount.Add(int64(len(items)))
		}(g.partitions[i], items)
	}
	wg.Wait()
}

// QueryBox returns all places within the bounding box
func (g *GeoIndex) QueryBox(box models.BoundingBox) ([]*models.Place, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queryBox(box, nil)
}

// queryBox searches the relevant partitions in parallel. keep, when set,
// filters the candidates. Callers hold the read lock.
func (g *GeoIndex) queryBox(box models.BoundingBox, keep func(*models.Place) bool) ([]*models.Place, error) {
	bounds, err := rtreego.NewRectFromPoints(
		rtreego.Point{box.BottomLeft.Lat, box.BottomLeft.Lon},
		rtreego.Point{box.TopRight.Lat, box.TopRight.Lon},
	)
	if err != nil {
		return nil, err
	}

	relevant := g.relevantPartitions(box)
	resultsChan := make(chan []*models.Place, len(relevant))
	for _, idx := range relevant {
		go func(tree *rtreego.Rtree) {
			var places []*models.Place
			for _, result := range tree.SearchIntersect(bounds) {
				item, ok := result.(*spatialPlace)
				if !ok || item.Location == nil {
					continue
				}
				loc := item.Location
				if loc.Lat < box.BottomLeft.Lat || loc.Lat > box.TopRight.Lat ||
					loc.Lon < box.BottomLeft.Lon || loc.Lon > box.TopRight.Lon {
					continue
				}
				if keep != nil && !keep(item.Place) {
					continue
				}
				places = append(places, item.Place)
			}
			resultsChan <- places
		}(g.partitions[idx])
	}

	var all []*models.Place
	for range relevant {
		all = append(all, <-resultsChan...)
	}
	sortPlaces(all)
	return all, nil
}

// QueryRadius returns all places within radiusKm of center
func (g *GeoIndex) QueryRadius(center models.Location, radiusKm float64) ([]*models.Place, error) {
	latDeg := radiusKm / kmPerDegree
	lonDeg := 180.0
	if c := math.Cos(center.Lat * math.Pi / 180); c > latDeg/90 {
		lonDeg = math.Min(180, latDeg/c)
	}

	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: math.Max(-90, center.Lat-latDeg), Lon: math.Max(-180, center.Lon-lonDeg)},
		TopRight:   models.Location{Lat: math.Min(90, center.Lat+latDeg), Lon: math.Min(180, center.Lon+lonDeg)},
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queryBox(box, func(p *models.Place) bool {
		return geo.Distance(center.Lat, center.Lon, p.Location.Lat, p.Location.Lon) <= radiusKm
	})
}

// Neighbor is a place with its distance to a query point.
type Neighbor struct {
	Place      *models.Place
	DistanceKm float64
}

// NearestNeighbors returns up to n places closest to center, nearest first
func (g *GeoIndex) NearestNeighbors(center models.Location, n int) []Neighbor {
	if n <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	resultsChan := make(chan []Neighbor, g.numPartitions)
	for _, tree := range g.partitions {
		go func(tree *rtreego.Rtree) {
			// The tree ranks in degree space, so take extra candidates and
			// re-rank them by great-circle distance.
			results := tree.NearestNeighbors(n*2, rtreego.Point{center.Lat, center.Lon})
			neighbors := make([]Neighbor, 0, len(results))
			for _, result := range results {
				sp, ok := result.(*spatialPlace)
				if !ok || sp == nil {
					continue
				}
				neighbors = append(neighbors, Neighbor{
					Place:      sp.Place,
					DistanceKm: geo.Distance(center.Lat, center.Lon, sp.Location.Lat, sp.Location.Lon),
				})
			}
			resultsChan <- neighbors
		}(tree)
	}

	var all []Neighbor
	for range g.partitions {
		all = append(all, <-resultsChan...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].DistanceKm != all[j].DistanceKm {
			return all[i].DistanceKm < all[j].DistanceKm
		}
		return all[i].Place.Code < all[j].Place.Code
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Count returns the number of indexed places
func (g *GeoIndex) Count() int64 {
	return g.itemCount.Load()
}

// Clear removes all places from the index
func (g *GeoIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.partitions {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	g.itemCount.Store(0)
}

// relevantPartitions returns the partitions whose longitude band intersects
// the box
func (g *GeoIndex) relevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range g.partitionBounds {
		if box.BottomLeft.Lon <= bounds.TopRight.Lon &&
			box.TopRight.Lon >= bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

func sortPlaces(places []*models.Place) {
	sort.Slice(places, func(i, j int) bool {
		return places[i].Code < places[j].Code
	})
}
