package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tiepoint/internal/fsutil"
)

const (
	defaultConfigPath     = "~/.config/tiepoint/config.json"
	defaultYAMLConfigPath = "~/.config/tiepoint/config.yaml"
	defaultParallel       = 4

	// EnvConfigPath names the environment variable holding the config path.
	EnvConfigPath = "TIEPOINT_CONFIG"
)

// Config holds user-editable settings.
type Config struct {
	Processing Processing    `json:"processing" yaml:"processing"`
	Logging    Logging       `json:"logging" yaml:"logging"`
	Paths      Paths         `json:"paths" yaml:"paths"`
	Fitting    FittingConfig `json:"fitting" yaml:"fitting"`
	Server     ServerConfig  `json:"server" yaml:"server"`
	Watch      WatchConfig   `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput   string `json:"default_input" yaml:"default_input"`
	DefaultOutput  string `json:"default_output" yaml:"default_output"`
	DatabasePath   string `json:"database_path" yaml:"database_path"`
	DatabaseDriver string `json:"database_driver" yaml:"database_driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// FittingConfig controls the solvers.
type FittingConfig struct {
	HomographyFitPath   string  `json:"homography_fit_path" yaml:"homography_fit_path"`
	HomographyTimeout   string  `json:"homography_timeout" yaml:"homography_timeout"` // duration, e.g. "30s"
	PreferExternal      bool    `json:"prefer_external" yaml:"prefer_external"`
	TempDir             string  `json:"temp_dir" yaml:"temp_dir"`
	Strict              bool    `json:"strict" yaml:"strict"`
	RankTolerance       float64 `json:"rank_tolerance" yaml:"rank_tolerance"`
	DegenerateTolerance float64 `json:"degenerate_tolerance" yaml:"degenerate_tolerance"`
}

// Timeout parses HomographyTimeout; empty or invalid values mean no timeout.
func (f FittingConfig) Timeout() time.Duration {
	if f.HomographyTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(f.HomographyTimeout)
	if err != nil {
		return 0
	}
	return d
}

// ServerConfig holds listen addresses for the HTTP and gRPC services.
type ServerConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// WatchConfig configures the tie-point directory watcher.
type WatchConfig struct {
	Directories []string `json:"directories" yaml:"directories"`
	Extensions  []string `json:"extensions" yaml:"extensions"`
	Model       string   `json:"model" yaml:"model"`
	Debounce    string   `json:"debounce" yaml:"debounce"`
}

// DebounceDuration parses Debounce, defaulting to 500ms.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Path returns the config file location: $TIEPOINT_CONFIG, else whichever of
// the default JSON and YAML files exists, else the default JSON path.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	jsonPath, err := expandUser(defaultConfigPath)
	if err != nil {
		return defaultConfigPath
	}
	yamlPath, _ := expandUser(defaultYAMLConfigPath)
	if p := fsutil.FirstExisting(jsonPath, yamlPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. A missing file yields defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    defaultParallel * 2,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:   ".",
			DefaultOutput:  "./output",
			DatabasePath:   filepath.Join(os.TempDir(), "tiepoint.db"),
			DatabaseDriver: "sqlite",
		},
		Fitting: FittingConfig{
			HomographyTimeout:   "30s",
			TempDir:             filepath.Join(os.TempDir(), "tiepoint-fit"),
			RankTolerance:       1e-10,
			DegenerateTolerance: 1e-12,
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Watch: WatchConfig{
			Extensions: []string{".json", ".match"},
			Model:      "affine",
			Debounce:   "500ms",
		},
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.Processing.ParallelJobs < 1 {
		problems = append(problems, "processing.parallel_jobs must be at least 1")
	}
	switch c.Paths.DatabaseDriver {
	case "", "sqlite", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("paths.database_driver %q is not sqlite or sqlite3", c.Paths.DatabaseDriver))
	}
	if c.Fitting.HomographyTimeout != "" {
		if _, err := time.ParseDuration(c.Fitting.HomographyTimeout); err != nil {
			problems = append(problems, fmt.Sprintf("fitting.homography_timeout: %v", err))
		}
	}
	if c.Fitting.RankTolerance < 0 || c.Fitting.DegenerateTolerance < 0 {
		problems = append(problems, "fitting tolerances must not be negative")
	}
	if c.Fitting.PreferExternal && c.Fitting.HomographyFitPath == "" {
		problems = append(problems, "fitting.prefer_external requires fitting.homography_fit_path")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
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
