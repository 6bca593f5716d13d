package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saschagrunert/kml-heatmap/pkg/airportdb"
	"github.com/saschagrunert/kml-heatmap/pkg/config"
	"github.com/saschagrunert/kml-heatmap/pkg/logging"
	"github.com/saschagrunert/kml-heatmap/pkg/metrics"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "kml-heatmap",
	Short: "Turn flight track files into multi-resolution heatmap data",
	Long: `Parses KML and GPX flight tracks, deduplicates the visited airports and writes
per-year JSON documents at five zoom resolutions, plus flight statistics.`,
	SilenceUsage: true,
}

// app is the shared state of a single command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	closer  io.Closer
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger, closer := logging.New(cfg.Log)
	return &app{cfg: cfg, logger: logger, metrics: metrics.New(), closer: closer}, nil
}

func (a *app) Close() {
	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
			a.logger.Warn("Failed to write metrics", "file", a.cfg.MetricsFile, "error", err)
		}
	}
	a.closer.Close()
}

func (a *app) airportDB() *airportdb.DB {
	return airportdb.New(a.cfg.AirportsFile(),
		airportdb.WithURL(a.cfg.Airports.URL),
		airportdb.WithMaxAge(a.cfg.Airports.MaxAge),
		airportdb.WithLogger(a.logger),
		airportdb.WithMetrics(a.metrics),
	)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path (default config.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(exportCmd, airportCmd, aircraftCmd, benchCmd, cacheCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
