// Package config loads the exporter configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then environment variables (a .env file in the working directory is
// loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/saschagrunert/kml-heatmap/pkg/logging"
)

// DefaultFile is read when no explicit config path is given and it exists.
const DefaultFile = "config.yaml"

// Environment variable names.
const (
	EnvCacheDir  = "KML_HEATMAP_CACHE_DIR"
	EnvOutputDir = "KML_HEATMAP_OUTPUT_DIR"
	EnvWorkers   = "KML_HEATMAP_WORKERS"
	EnvLogLevel  = "KML_HEATMAP_LOG_LEVEL"
	EnvLogFormat = "KML_HEATMAP_LOG_FORMAT"
	EnvLogFile   = "KML_HEATMAP_LOG_FILE"
)

// Config holds all settings of an export run.
type Config struct {
	OutputDir       string         `yaml:"output_dir"`
	CacheDir        string         `yaml:"cache_dir"`
	Workers         int            `yaml:"workers"`
	Compress        bool           `yaml:"compress"`
	SimplifyTimeout time.Duration  `yaml:"simplify_timeout"`
	MetricsFile     string         `yaml:"metrics_file"`
	Log             logging.Config `yaml:"log"`
	Aircraft        AircraftConfig `yaml:"aircraft"`
	Airports        AirportsConfig `yaml:"airports"`
}

// AircraftConfig configures the registration to model lookup.
type AircraftConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"` // minimum spacing between requests
	Timeout  time.Duration `yaml:"timeout"`
}

// AirportsConfig configures the ICAO code database.
type AirportsConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	MaxAge  time.Duration `yaml:"max_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OutputDir:       "data",
		CacheDir:        defaultCacheDir(),
		Workers:         runtime.NumCPU(),
		SimplifyTimeout: 30 * time.Second,
		Log:             logging.Config{Level: "info", Format: "text"},
		Aircraft: AircraftConfig{
			URL:      "https://api.adsbdb.com/v0/aircraft",
			Interval: time.Second,
			Timeout:  10 * time.Second,
		},
		Airports: AirportsConfig{
			Enabled: true,
			URL:     "https://davidmegginson.github.io/ourairports-data/airports.csv",
			MaxAge:  30 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration. An empty path reads DefaultFile when it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// ParseCacheDir is where per-file parse results are stored.
func (c *Config) ParseCacheDir() string {
	return filepath.Join(c.CacheDir, "parse")
}

// AircraftCacheFile is where registration lookups are persisted.
func (c *Config) AircraftCacheFile() string {
	return filepath.Join(c.CacheDir, "aircraft.json")
}

// AirportsFile is the local snapshot of the airport database.
func (c *Config) AirportsFile() string {
	return filepath.Join(c.CacheDir, "airports.csv")
}

func applyEnv(cfg *Config) error {
	cfg.CacheDir = setDefaultEnv(EnvCacheDir, cfg.CacheDir)
	cfg.OutputDir = setDefaultEnv(EnvOutputDir, cfg.OutputDir)
	cfg.Log.Level = setDefaultEnv(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = setDefaultEnv(EnvLogFormat, cfg.Log.Format)
	cfg.Log.File = setDefaultEnv(EnvLogFile, cfg.Log.File)

	workers, err := strconv.Atoi(setDefaultEnv(EnvWorkers, strconv.Itoa(cfg.Workers)))
	if err != nil {
		return fmt.Errorf("failed to parse %s, must be an integer: %w", EnvWorkers, err)
	}
	cfg.Workers = workers
	return nil
}

func setDefaultEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "kml-heatmap")
}
