package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/saschagrunert/kml-heatmap/pkg/aircraft"
	"github.com/saschagrunert/kml-heatmap/pkg/parsecache"
)

var airportCmd = &cobra.Command{
	Use:   "airport ICAO",
	Short: "Look up an airport in the airport database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		db := a.airportDB()
		if err := db.Load(cmd.Context()); err != nil {
			return fmt.Errorf("airport database unavailable: %w", err)
		}
		e, ok := db.Lookup(args[0])
		if !ok {
			fmt.Println(render(dimStyle, fmt.Sprintf("%s: not found", strings.ToUpper(args[0]))))
			return nil
		}
		printSummary(e.Code, []row{
			{"Name", e.Name},
			{"Latitude", fmt.Sprintf("%.6f", e.Lat)},
			{"Longitude", fmt.Sprintf("%.6f", e.Lon)},
		})
		return nil
	},
}

var aircraftCmd = &cobra.Command{
	Use:   "aircraft REG",
	Short: "Look up an aircraft model by registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfg.Aircraft
		lookup := aircraft.NewLookup(
			aircraft.NewHTTPProvider(cfg.URL, cfg.Timeout, a.logger),
			aircraft.WithCacheFile(a.cfg.AircraftCacheFile()),
			aircraft.WithInterval(cfg.Interval),
			aircraft.WithLogger(a.logger),
			aircraft.WithMetrics(a.metrics),
		)
		reg := strings.ToUpper(strings.TrimSpace(args[0]))
		model, ok := lookup.Model(cmd.Context(), reg)
		if !ok {
			fmt.Println(render(dimStyle, reg+": unknown"))
			return nil
		}
		fmt.Printf("%s: %s\n", render(labelStyle, reg), render(statStyle, model))
		return nil
	},
}

var cleanAll bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local caches",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove cached parse results",
	Long: `Removes every cached parse result. With --all the aircraft lookup cache and
the airport database snapshot are removed as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := parsecache.New(a.cfg.ParseCacheDir(), a.logger)
		if err != nil {
			return err
		}
		removed, err := store.Clean()
		if err != nil {
			return err
		}
		rows := []row{{"Parse entries", fmt.Sprintf("%d", removed)}}

		if cleanAll {
			csv := a.cfg.AirportsFile()
			idx := strings.TrimSuffix(csv, filepath.Ext(csv)) + ".idx"
			for _, f := range []string{a.cfg.AircraftCacheFile(), csv, idx} {
				err := os.Remove(f)
				switch {
				case err == nil:
					rows = append(rows, row{"Removed", f})
				case !errors.Is(err, os.ErrNotExist):
					return fmt.Errorf("failed to remove %s: %w", f, err)
				}
			}
		}
		printSummary("Cache cleaned", rows)
		return nil
	},
}

func init() {
	cacheCleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Also remove lookup caches")
	cacheCmd.AddCommand(cacheCleanCmd)
}
