package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/saschagrunert/kml-heatmap/pkg/aircraft"
	"github.com/saschagrunert/kml-heatmap/pkg/airports"
	"github.com/saschagrunert/kml-heatmap/pkg/export"
	"github.com/saschagrunert/kml-heatmap/pkg/kml"
	"github.com/saschagrunert/kml-heatmap/pkg/parsecache"
)

// nameRadiusKm is how far a known airport may be from a deduplicated one to
// lend it its name.
const nameRadiusKm = 3.0

var exportFlags struct {
	out            string
	workers        int
	noCache        bool
	compress       bool
	lookupAircraft bool
}

var exportCmd = &cobra.Command{
	Use:   "export [files|dirs...]",
	Short: "Parse track files and write the heatmap data",
	Long: `Parses every .kml and .gpx file given (directories are expanded), deduplicates
the visited airports and writes <out>/<year>/<tier>.json for every year and
resolution tier, plus stats.json and airports.json.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportFlags.out, "out", "o", "", "Output directory (overrides config)")
	f.IntVarP(&exportFlags.workers, "workers", "w", 0, "Number of worker goroutines (overrides config)")
	f.BoolVar(&exportFlags.noCache, "no-cache", false, "Do not read or write the parse cache")
	f.BoolVar(&exportFlags.compress, "compress", false, "Write zstd compressed documents")
	f.BoolVar(&exportFlags.lookupAircraft, "lookup-aircraft", false, "Resolve aircraft models by registration")
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if exportFlags.out != "" {
		cfg.OutputDir = exportFlags.out
	}
	if exportFlags.workers > 0 {
		cfg.Workers = exportFlags.workers
	}
	cfg.Compress = cfg.Compress || exportFlags.compress
	cfg.Aircraft.Enabled = cfg.Aircraft.Enabled || exportFlags.lookupAircraft

	ctx := cmd.Context()
	start := time.Now()

	files, err := kml.ExpandInputs(args)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "Parsing track files", "files", len(files), "workers", cfg.Workers)

	parseOpts := []kml.Option{kml.WithLogger(a.logger), kml.WithMetrics(a.metrics)}
	if !exportFlags.noCache {
		store, err := parsecache.New(cfg.ParseCacheDir(), a.logger)
		if err != nil {
			a.logger.WarnContext(ctx, "Parse cache unavailable", "dir", cfg.ParseCacheDir(), "error", err)
		} else {
			parseOpts = append(parseOpts, kml.WithCache(store))
		}
	}

	bar := newProgress(len(files), "Parsing")
	parseOpts = append(parseOpts, kml.WithProgress(tick(bar)))
	res, err := kml.NewParser(parseOpts...).ParseFiles(ctx, files, cfg.Workers)
	finish(bar)
	if err != nil {
		return err
	}

	dedup := airports.New(a.logger)
	dedup.AddPaths(res.Paths, res.Metadata)
	if cfg.Airports.Enabled {
		db := a.airportDB()
		if err := db.Load(ctx); err == nil {
			resolved := dedup.LabelCodes(db.CodeResolver())
			named := dedup.Label(db.Resolver(nameRadiusKm))
			a.logger.DebugContext(ctx, "Named airports from database", "codes", resolved, "nearest", named)
		}
	}

	exportOpts := []export.Option{export.WithLogger(a.logger), export.WithMetrics(a.metrics)}
	if cfg.Aircraft.Enabled {
		provider := aircraft.NewHTTPProvider(cfg.Aircraft.URL, cfg.Aircraft.Timeout, a.logger)
		lookup := aircraft.NewLookup(provider,
			aircraft.WithCacheFile(cfg.AircraftCacheFile()),
			aircraft.WithInterval(cfg.Aircraft.Interval),
			aircraft.WithLogger(a.logger),
			aircraft.WithMetrics(a.metrics),
		)
		exportOpts = append(exportOpts, export.WithModelResolver(lookup))
	}

	bar = newProgress(len(res.Paths), "Exporting")
	exportOpts = append(exportOpts, export.WithProgress(tick(bar)))
	exporter := export.New(export.Options{
		OutputDir:       cfg.OutputDir,
		Workers:         cfg.Workers,
		Compress:        cfg.Compress,
		SimplifyTimeout: cfg.SimplifyTimeout,
	}, exportOpts...)

	summary, err := exporter.Export(ctx, export.Input{
		Paths:    res.Paths,
		Metadata: res.Metadata,
		Airports: dedup.Airports(),
	})
	finish(bar)
	if err != nil {
		return err
	}

	s := summary.Stats
	rows := []row{
		{"Files", fmt.Sprintf("%d", len(files))},
		{"Paths", fmt.Sprintf("%d", s.TotalPaths)},
		{"Points", fmt.Sprintf("%d", s.TotalPoints)},
		{"Distance", fmt.Sprintf("%.1f km (%.1f nm)", s.TotalDistanceKm, s.TotalDistanceNm)},
		{"Flight time", formatDuration(s.TotalFlightSeconds)},
		{"Airports", fmt.Sprintf("%d", s.AirportCount)},
		{"Aircraft", fmt.Sprintf("%d", len(s.Aircraft.Keys()))},
		{"Years", fmt.Sprintf("%v", summary.Years)},
	}
	if s.Altitude != nil {
		rows = append(rows, row{"Altitude", fmt.Sprintf("%.0f - %.0f ft", s.Altitude.MinFt, s.Altitude.MaxFt)})
	}
	if s.Groundspeed.MaxKt > 0 {
		rows = append(rows, row{"Groundspeed", fmt.Sprintf("avg %.0f kt, max %.0f kt", s.Groundspeed.AvgKt, s.Groundspeed.MaxKt)})
	}
	for _, r := range export.Resolutions {
		rows = append(rows, row{"Points " + r.Name, fmt.Sprintf("%d", summary.Points[r.Name])})
	}
	rows = append(rows,
		row{"Output", cfg.OutputDir},
		row{"Elapsed", time.Since(start).Round(time.Millisecond).String()},
	)
	printSummary("Export finished", rows)
	return nil
}
