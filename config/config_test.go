package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero workers",
			mutate: func(cfg *Config) {
				cfg.Workers = 0
			},
			wantErr: "workers",
		},
		{
			name: "zero retries",
			mutate: func(cfg *Config) {
				cfg.MaxRetries = 0
			},
			wantErr: "max retries",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid safe url format",
			mutate: func(cfg *Config) {
				cfg.SafeBaseURL = "http://"
			},
			wantErr: "safe base URL",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = time.Second
				cfg.RetryBackoffMax = time.Millisecond
			},
			wantErr: "cannot exceed",
		},
		{
			name: "zero page size",
			mutate: func(cfg *Config) {
				cfg.PageSize = 0
			},
			wantErr: "page size",
		},
		{
			name: "empty output dir",
			mutate: func(cfg *Config) {
				cfg.OutputDir = ""
			},
			wantErr: "output directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.MaxRetries != 10 || cfg.Workers != 8 {
		t.Fatalf("retries/workers = %d/%d, want 10/8", cfg.MaxRetries, cfg.Workers)
	}
}

func TestSafeModeSelection(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Host() != cfg.BaseURL || cfg.ModeDir() != DownloadsDir {
		t.Fatalf("host/dir = %s/%s outside safe mode", cfg.Host(), cfg.ModeDir())
	}
	cfg.SafeMode = true
	if cfg.Host() != cfg.SafeBaseURL || cfg.ModeDir() != SafeDownloadsDir {
		t.Fatalf("host/dir = %s/%s in safe mode", cfg.Host(), cfg.ModeDir())
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fetch.yaml")
	body := "workers: 3\nsafe_mode: true\ntimeout: 5s\noutput_dir: /srv/media\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FETCH_MAX_RETRIES", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 3 {
		t.Fatalf("workers=%d, want 3", cfg.Workers)
	}
	if !cfg.SafeMode {
		t.Fatalf("safe mode should be enabled from file")
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("timeout=%v, want 5s", cfg.Timeout)
	}
	if cfg.OutputDir != "/srv/media" {
		t.Fatalf("output dir=%q", cfg.OutputDir)
	}
	if cfg.MaxRetries != 4 {
		t.Fatalf("max retries=%d, want 4 from env", cfg.MaxRetries)
	}
	if cfg.PageSize != 320 {
		t.Fatalf("page size=%d, want default 320", cfg.PageSize)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded defaults should validate: %v", err)
	}
	if cfg.BaseURL != DefaultConfig().BaseURL {
		t.Fatalf("base url=%q", cfg.BaseURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}
