// Package config loads Klaster configuration from a YAML file with
// environment-variable overrides.
//
// Resolution order (later wins): built-in defaults, config file, env vars.
// CLI flags are applied by the command layer on top of the resolved config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".klaster", "config.yaml")
}

// Config holds all runtime settings.
type Config struct {
	// DBPath is the SQLite metadata store location. ":memory:" for tests.
	DBPath string `yaml:"db_path"`

	// DataDir is the root for derived filesystem artifacts
	// (scatter caches under scatter/, contact sheets under sheets/).
	DataDir string `yaml:"data_dir"`

	// ScatterMaxPoints caps how many points the scatter cache samples.
	ScatterMaxPoints int `yaml:"scatter_max_points"`

	// Contact sheet rendering.
	SheetColumns    int    `yaml:"sheet_columns"`
	SheetRows       int    `yaml:"sheet_rows"`
	SheetThumbSize  int    `yaml:"sheet_thumb_size"`
	SheetFormat     string `yaml:"sheet_format"` // "jpeg" or "png"
	SheetPerCluster int    `yaml:"sheet_per_cluster"`

	LogLevel string `yaml:"log_level"` // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBPath:           filepath.Join(home, ".klaster", "klaster.db"),
		DataDir:          filepath.Join(home, ".klaster", "data"),
		ScatterMaxPoints: 10000,
		SheetColumns:     3,
		SheetRows:        3,
		SheetThumbSize:   100,
		SheetFormat:      "jpeg",
		SheetPerCluster:  9,
		LogLevel:         "info",
	}
}

// Load reads the config file at path (missing file is not an error) and
// applies KLASTER_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KLASTER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KLASTER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KLASTER_SCATTER_MAX_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScatterMaxPoints = n
		}
	}
	if v := os.Getenv("KLASTER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks settings that would otherwise fail far from their cause.
func (c Config) Validate() error {
	if c.ScatterMaxPoints < 2 {
		return fmt.Errorf("scatter_max_points must be >= 2, got %d", c.ScatterMaxPoints)
	}
	if c.SheetColumns < 1 || c.SheetRows < 1 {
		return fmt.Errorf("sheet grid must be at least 1x1, got %dx%d", c.SheetColumns, c.SheetRows)
	}
	switch strings.ToLower(c.SheetFormat) {
	case "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("unsupported sheet_format %q (want jpeg or png)", c.SheetFormat)
	}
	return nil
}

// ScatterDir returns the directory holding per-session scatter cache files.
func (c Config) ScatterDir() string {
	return filepath.Join(c.DataDir, "scatter")
}

// SheetDir returns the directory holding contact sheets for a session.
func (c Config) SheetDir(sessionID string) string {
	return filepath.Join(c.DataDir, "sheets", sessionID)
}
