package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FETCH_WORKERS.
const EnvPrefix = "FETCH"

const configName = "booru-fetch"

// Load layers defaults, an optional YAML file and FETCH_* environment variables.
// An explicit path must exist; without one the file is looked up in the working
// directory and the user config directory and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("safe_base_url", cfg.SafeBaseURL)
	v.SetDefault("safe_mode", cfg.SafeMode)
	v.SetDefault("tag_file", cfg.TagFile)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retry_backoff", cfg.RetryBackoff)
	v.SetDefault("retry_backoff_max", cfg.RetryBackoffMax)
	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("max_pages", cfg.MaxPages)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("dedupe_max_size", cfg.DedupeMaxSize)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}
