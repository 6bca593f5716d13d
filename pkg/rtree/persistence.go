package rtree

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/saschagrunert/kml-heatmap/pkg/fsutil"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

// IndexData represents the serializable form of the geo index
type IndexData struct {
	Places []*models.Place
	Count  int64
	// SourceModTime is the modification time of the data the index was built
	// from, used to detect stale snapshots.
	SourceModTime time.Time
}

// Places returns every indexed place ordered by code
func (g *GeoIndex) Places() []*models.Place {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// rtreego cannot iterate, so search a rectangle enclosing the globe.
	world, _ := rtreego.NewRectFromPoints(rtreego.Point{-91, -181}, rtreego.Point{91, 181})

	var all []*models.Place
	for _, tree := range g.partitions {
		for _, item := range tree.SearchIntersect(world) {
			if sp, ok := item.(*spatialPlace); ok {
				all = append(all, sp.Place)
			}
		}
	}
	sortPlaces(all)
	return all
}

// SaveToFile atomically writes the index to a gob file
func (g *GeoIndex) SaveToFile(filename string, sourceModTime time.Time) error {
	data := IndexData{
		Places:        g.Places(),
		Count:         g.itemCount.Load(),
		SourceModTime: sourceModTime,
	}

	err := fsutil.WriteFileAtomic(filename, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(data)
	})
	if err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// LoadFromFile replaces the index contents with a gob file and returns the
// source modification time stored with it
func (g *GeoIndex) LoadFromFile(filename string) (time.Time, error) {
	file, err := os.Open(filename)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var data IndexData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode data: %w", err)
	}
	if int64(len(data.Places)) != data.Count {
		return time.Time{}, fmt.Errorf("failed to load index: %d places, header says %d", len(data.Places), data.Count)
	}

	g.Clear()
	g.IndexPlaces(data.Places)
	return data.SourceModTime, nil
}
