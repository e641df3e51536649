package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("expected %d parallel jobs, got %d", defaultParallel, cfg.Processing.ParallelJobs)
	}
	if cfg.Fitting.Timeout() != 30*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.Fitting.Timeout())
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"fitting": {"homography_fit_path": "/opt/bin/homography_fit", "strict": true}, "logging": {"level": "debug"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fitting.HomographyFitPath != "/opt/bin/homography_fit" || !cfg.Fitting.Strict {
		t.Fatalf("fitting section not applied: %+v", cfg.Fitting)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Paths.DatabaseDriver != "sqlite" {
		t.Fatalf("expected untouched default driver, got %s", cfg.Paths.DatabaseDriver)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "fitting:\n  homography_timeout: 5s\n  prefer_external: true\n  homography_fit_path: ./homography_fit\nwatch:\n  directories: [/data/ties]\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fitting.Timeout() != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %v", cfg.Fitting.Timeout())
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != "/data/ties" {
		t.Fatalf("unexpected watch dirs %v", cfg.Watch.Directories)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Paths.DatabaseDriver = "postgres"
	cfg.Fitting.HomographyTimeout = "soon"
	cfg.Fitting.PreferExternal = true
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"database_driver", "homography_timeout", "prefer_external"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestPathHonoursEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	if Path() != "/tmp/custom.yaml" {
		t.Fatalf("expected env override, got %s", Path())
	}
}

func TestPathFindsDefaultYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")
	if Path() != defaultConfigPath {
		t.Fatalf("expected default path without files, got %s", Path())
	}
	dir := filepath.Join(home, ".config", "tiepoint")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("processing:\n  parallel_jobs: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if Path() != yamlPath {
		t.Fatalf("expected %s, got %s", yamlPath, Path())
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y") {
		t.Fatalf("unexpected expansion %s", got)
	}
}
