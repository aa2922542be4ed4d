package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ScatterMaxPoints != 10000 {
		t.Errorf("expected scatter_max_points 10000, got %d", cfg.ScatterMaxPoints)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.SheetColumns != 3 || cfg.SheetRows != 3 {
		t.Errorf("expected default 3x3 grid, got %dx%d", cfg.SheetColumns, cfg.SheetRows)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "db_path: /tmp/k.db\nscatter_max_points: 500\nsheet_format: png\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KLASTER_SCATTER_MAX_POINTS", "750")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/k.db" {
		t.Errorf("db_path not applied: %q", cfg.DBPath)
	}
	if cfg.ScatterMaxPoints != 750 {
		t.Errorf("env override lost: got %d, want 750", cfg.ScatterMaxPoints)
	}
	if cfg.SheetFormat != "png" {
		t.Errorf("sheet_format not applied: %q", cfg.SheetFormat)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scatter cap too small", func(c *Config) { c.ScatterMaxPoints = 1 }},
		{"zero grid", func(c *Config) { c.SheetColumns = 0 }},
		{"bad format", func(c *Config) { c.SheetFormat = "tiff" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
