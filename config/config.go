package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DownloadsDir is the output subdirectory used outside safe mode.
	DownloadsDir = "downloads"
	// SafeDownloadsDir is the output subdirectory used in safe mode.
	SafeDownloadsDir = "sfw-downloads"
)

// Config holds fetcher configuration.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	SafeBaseURL     string        `mapstructure:"safe_base_url"`
	SafeMode        bool          `mapstructure:"safe_mode"`
	TagFile         string        `mapstructure:"tag_file"`
	OutputDir       string        `mapstructure:"output_dir"`
	Workers         int           `mapstructure:"workers"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	PageSize        int           `mapstructure:"page_size"`
	MaxPages        int           `mapstructure:"max_pages"` // 0 walks until the listing is exhausted
	Timeout         time.Duration `mapstructure:"timeout"`
	DedupeMaxSize   int           `mapstructure:"dedupe_max_size"`
	UserAgent       string        `mapstructure:"user_agent"`
	Verbose         bool          `mapstructure:"verbose"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the defaults used when nothing else is configured.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://e621.net",
		SafeBaseURL:     "https://e926.net",
		SafeMode:        false,
		TagFile:         "tags",
		OutputDir:       ".",
		Workers:         8,
		MaxRetries:      10,
		RetryBackoff:    0,
		RetryBackoffMax: 0,
		PageSize:        320,
		MaxPages:        0,
		Timeout:         30 * time.Second,
		DedupeMaxSize:   4096,
		UserAgent:       "booru-fetch/1.0",
		Verbose:         false,
		MetricsAddr:     "",
	}
}

// Host returns the upstream base URL selected by the safe-mode flag.
func (c *Config) Host() string {
	if c.SafeMode {
		return c.SafeBaseURL
	}
	return c.BaseURL
}

// ModeDir returns the output subdirectory selected by the safe-mode flag.
func (c *Config) ModeDir() string {
	if c.SafeMode {
		return SafeDownloadsDir
	}
	return DownloadsDir
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("safe base URL", c.SafeBaseURL); err != nil {
		return err
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
