package main

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/saschagrunert/kml-heatmap/pkg/export"
	"github.com/saschagrunert/kml-heatmap/pkg/geo"
	"github.com/saschagrunert/kml-heatmap/pkg/models"
	"github.com/saschagrunert/kml-heatmap/pkg/rtree"
	"github.com/saschagrunert/kml-heatmap/pkg/telemetry"
)

// BenchmarkResult summarizes one benchmarked operation.
type BenchmarkResult struct {
	Operation     string
	TotalOps      int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	OpsPerSec     float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
}

var benchFlags struct {
	points  int
	tracks  int
	places  int
	workers int
	seed    int64
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark simplification, telemetry and airport lookups on synthetic tracks",
	Args:  cobra.NoArgs,
	RunE:  runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVarP(&benchFlags.points, "points", "p", 5000, "Points per synthetic track")
	f.IntVarP(&benchFlags.tracks, "tracks", "n", 200, "Number of synthetic tracks")
	f.IntVar(&benchFlags.places, "places", 50000, "Number of synthetic airports to index")
	f.IntVarP(&benchFlags.workers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	f.Int64Var(&benchFlags.seed, "seed", 1, "Random seed")
}

func runBench(cmd *cobra.Command, _ []string) error {
	if benchFlags.points < 2 || benchFlags.tracks < 1 || benchFlags.workers < 1 {
		return fmt.Errorf("need at least 2 points, 1 track and 1 worker")
	}
	r := rand.New(rand.NewSource(benchFlags.seed))

	tracks := make([]models.Path, benchFlags.tracks)
	for i := range tracks {
		tracks[i] = syntheticTrack(r, benchFlags.points)
	}

	index := rtree.NewGeoIndex()
	start := time.Now()
	index.IndexPlaces(syntheticPlaces(r, benchFlags.places))
	indexed := time.Since(start)

	var results []BenchmarkResult
	for _, tier := range export.Resolutions {
		if tier.Epsilon <= 0 {
			continue
		}
		eps := tier.Epsilon
		results = append(results, benchmark("simplify "+tier.Name, len(tracks), benchFlags.workers, func(i int, _ *rand.Rand) int {
			return len(geo.SimplifyRDP(tracks[i], eps))
		}))
	}
	results = append(results,
		benchmark("telemetry", len(tracks), benchFlags.workers, func(i int, _ *rand.Rand) int {
			return len(telemetry.Compute(tracks[i], models.PathMetadata{}).Segments)
		}),
		benchmark("nearest airport", len(tracks), benchFlags.workers, func(i int, r *rand.Rand) int {
			p := tracks[i][r.Intn(len(tracks[i]))]
			return len(index.NearestNeighbors(models.Location{Lat: p.Lat, Lon: p.Lon}, 1))
		}),
	)

	printSummary("Benchmark setup", []row{
		{"Tracks", fmt.Sprintf("%d x %d points", benchFlags.tracks, benchFlags.points)},
		{"Airports indexed", fmt.Sprintf("%d in %v", index.Count(), indexed.Round(time.Millisecond))},
		{"Workers", fmt.Sprintf("%d", benchFlags.workers)},
		{"CPU cores", fmt.Sprintf("%d", runtime.NumCPU())},
	})
	for _, res := range results {
		printSummary(res.Operation, []row{
			{"Total duration", res.TotalDuration.Round(time.Microsecond).String()},
			{"Ops/second", fmt.Sprintf("%.2f", res.OpsPerSec)},
			{"Avg duration", res.AvgDuration.String()},
			{"Min duration", res.MinDuration.String()},
			{"Max duration", res.MaxDuration.String()},
			{"Avg results/op", fmt.Sprintf("%.2f", res.AvgResults)},
		})
	}
	return nil
}

// benchmark runs op for every index 0..n-1 on a worker pool. op returns the
// number of results it produced.
func benchmark(name string, n, workers int, op func(i int, r *rand.Rand) int) BenchmarkResult {
	var (
		totalResults atomic.Int64
		minDuration  = time.Hour
		maxDuration  time.Duration
		totalDur     time.Duration
		mu           sync.Mutex
	)

	startTime := time.Now()

	opCh := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := range opCh {
				opStart := time.Now()
				found := op(i, r)
				d := time.Since(opStart)

				totalResults.Add(int64(found))
				mu.Lock()
				totalDur += d
				minDuration = min(minDuration, d)
				maxDuration = max(maxDuration, d)
				mu.Unlock()
			}
		}(benchFlags.seed + int64(w))
	}

	for i := 0; i < n; i++ {
		opCh <- i
	}
	close(opCh)
	wg.Wait()
	totalDuration := time.Since(startTime)

	return BenchmarkResult{
		Operation:     name,
		TotalOps:      n,
		TotalDuration: totalDuration,
		AvgDuration:   totalDur / time.Duration(n),
		OpsPerSec:     float64(n) / totalDuration.Seconds(),
		MinDuration:   minDuration,
		MaxDuration:   maxDuration,
		TotalResults:  totalResults.Load(),
		AvgResults:    float64(totalResults.Load()) / float64(n),
	}
}

// syntheticTrack is a wandering climb, cruise and descent over central
// Europe sampled once per second.
func syntheticTrack(r *rand.Rand, n int) models.Path {
	t0 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	lat, lon := 47+r.Float64()*7, 5+r.Float64()*10
	heading := r.Float64() * 2 * math.Pi
	path := make(models.Path, n)
	for i := range path {
		heading += (r.Float64() - 0.5) * 0.05
		lat += math.Cos(heading) * 0.0006
		lon += math.Sin(heading) * 0.0009
		frac := float64(i) / float64(n)
		alt := 150 + 1500*math.Sin(math.Pi*frac) + r.Float64()*5
		path[i] = models.TimedCoordinate{
			Coordinate: models.Coordinate{Lat: lat, Lon: lon, Alt: &alt},
			Time:       t0.Add(time.Duration(i) * time.Second),
		}
	}
	return path
}

func syntheticPlaces(r *rand.Rand, n int) []*models.Place {
	places := make([]*models.Place, n)
	for i := range places {
		places[i] = &models.Place{
			Code:     fmt.Sprintf("X%05d", i),
			Location: &models.Location{Lat: r.Float64()*140 - 70, Lon: r.Float64()*360 - 180},
		}
	}
	return places
}
