package kml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Extensions recognized when expanding directories.
var Extensions = []string{".kml", ".gpx"}

// ExpandInputs replaces directories by the track files they contain, sorted
// by name. Plain paths are kept as given, including missing ones, so the
// parse step can report them.
func ExpandInputs(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			out = append(out, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", p, err)
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() || !isTrackFile(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

func isTrackFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ParseFiles parses files on a bounded worker pool and merges the results
// in input order. Files that fail are logged and skipped. ErrNoCoordinates
// is returned when nothing usable was found.
func (p *Parser) ParseFiles(ctx context.Context, files []string, workers int) (*Result, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]*Result, len(files))
	jobs := make(chan int, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := p.ParseFile(files[i])
				if err != nil {
					p.logger.Warn("Skipping file", "file", files[i], "error", err)
				}
				results[i] = res
				if p.progress != nil {
					p.progress()
				}
			}
		}()
	}

feed:
	for i := range files {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := &Result{}
	for _, res := range results {
		if res == nil {
			continue
		}
		merged.Paths = append(merged.Paths, res.Paths...)
		merged.Metadata = append(merged.Metadata, res.Metadata...)
	}
	if merged.PointCount() == 0 {
		return merged, ErrNoCoordinates
	}
	return merged, nil
}
