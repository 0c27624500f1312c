package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/showerreco/config.json"
	defaultParallel   = 2
)

// EnvConfig names the environment variable that overrides the config path.
const EnvConfig = "SHOWERRECO_CONFIG"

// Config holds user-editable settings.
type Config struct {
	Processing     Processing     `json:"processing"`
	Logging        Logging        `json:"logging"`
	Paths          Paths          `json:"paths"`
	Database       Database       `json:"database"`
	Reconstruction Reconstruction `json:"reconstruction"`
	Server         Server         `json:"server"`
	Tracing        Tracing        `json:"tracing"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs  int `json:"parallel_jobs"`   // jobs running at once
	WorkersPerJob int `json:"workers_per_job"` // events reconstructed at once within a job
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput  string `json:"default_output"`
	DatabasePath   string `json:"database_path"`
	InstrumentPath string `json:"instrument_path"`
	WatchDir       string `json:"watch_dir"`
}

// Database selects the database/sql driver.
type Database struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Reconstruction selects the pair weighting and height estimate.
type Reconstruction struct {
	Weighting         string  `json:"weighting"`       // size-sine, size-sine-elongation
	Height            string  `json:"height"`          // none, constant, triangulate
	ConstantHeight    float64 `json:"constant_height"` // used when height is constant
	ParallelTolerance float64 `json:"parallel_tolerance"`
}

// Server configures the network listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Tracing configures OpenTelemetry.
type Tracing struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"service_name"`
	Exporter    string  `json:"exporter"`
	SampleRatio float64 `json:"sample_ratio"`
}

// Path returns the config file location Load reads.
func Path() (string, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	path, err := Path()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:  defaultParallel,
			WorkersPerJob: 4,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "showerreco.db"),
		},
		Database: Database{Driver: "sqlite"},
		Reconstruction: Reconstruction{
			Weighting:         "size-sine",
			Height:            "none",
			ConstantHeight:    -1,
			ParallelTolerance: 1e-6,
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Tracing: Tracing{
			ServiceName: "showerreco",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Processing.WorkersPerJob < 1 {
		errs = append(errs, fmt.Errorf("processing.workers_per_job must be at least 1, got %d", c.Processing.WorkersPerJob))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or sqlite3", c.Database.Driver))
	}
	switch c.Reconstruction.Weighting {
	case "", "size-sine", "size-sine-elongation":
	default:
		errs = append(errs, fmt.Errorf("reconstruction.weighting %q is unknown", c.Reconstruction.Weighting))
	}
	switch c.Reconstruction.Height {
	case "", "none", "constant", "triangulate":
	default:
		errs = append(errs, fmt.Errorf("reconstruction.height %q is unknown", c.Reconstruction.Height))
	}
	if !(c.Reconstruction.ParallelTolerance > 0 && c.Reconstruction.ParallelTolerance < 1) {
		errs = append(errs, fmt.Errorf("reconstruction.parallel_tolerance must be in (0, 1), got %v", c.Reconstruction.ParallelTolerance))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be in [0, 1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
