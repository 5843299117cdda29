package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Database struct {
		// URL selects the backend by scheme: postgres://, mysql:// or
		// sqlite://.
		URL string `toml:"url"`
	} `toml:"database"`

	Ingest struct {
		// RecipientDelimiter separates the base local part from a
		// sub-address tag (the "+" in bob+promo). Empty disables stripping.
		RecipientDelimiter string `toml:"recipient_delimiter"`
	} `toml:"ingest"`

	Worker struct {
		IntervalSeconds    int `toml:"interval_seconds"`
		BatchSize          int `toml:"batch_size"`
		HTTPTimeoutSeconds int `toml:"http_timeout_seconds"`
		// MaxRetries <= 0 disables expiry (infinite retry).
		MaxRetries      int `toml:"max_retries"`
		MaxDelayMinutes int `toml:"max_delay_minutes"`
	} `toml:"worker"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"metrics"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Ingest.RecipientDelimiter = "+"

	cfg.Worker.IntervalSeconds = 5
	cfg.Worker.BatchSize = 50
	cfg.Worker.HTTPTimeoutSeconds = 60
	cfg.Worker.MaxRetries = 50
	cfg.Worker.MaxDelayMinutes = 30

	cfg.Metrics.Enabled = false
	cfg.Metrics.Listen = ":8080"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations. An
// explicitly provided path must exist; otherwise a missing file is fine and
// the defaults apply.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./bouncehook.toml",
		"./config/bouncehook.toml",
		os.ExpandEnv("$HOME/.bouncehook.toml"),
		"/etc/bouncehook/bouncehook.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", nil
}

// Load builds the effective configuration: defaults, then the config file
// (if any), then BOUNCEHOOK_* environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("BOUNCEHOOK_DATABASE_URL", &c.Database.URL)
	setString("BOUNCEHOOK_RECIPIENT_DELIMITER", &c.Ingest.RecipientDelimiter)
	setInt("BOUNCEHOOK_WORKER_INTERVAL_SECONDS", &c.Worker.IntervalSeconds)
	setInt("BOUNCEHOOK_WORKER_BATCH_SIZE", &c.Worker.BatchSize)
	setInt("BOUNCEHOOK_WORKER_HTTP_TIMEOUT_SECONDS", &c.Worker.HTTPTimeoutSeconds)
	setInt("BOUNCEHOOK_WORKER_MAX_RETRIES", &c.Worker.MaxRetries)
	setInt("BOUNCEHOOK_WORKER_MAX_DELAY_MINUTES", &c.Worker.MaxDelayMinutes)
	setBool("BOUNCEHOOK_METRICS_ENABLED", &c.Metrics.Enabled)
	setString("BOUNCEHOOK_METRICS_LISTEN", &c.Metrics.Listen)
	setString("BOUNCEHOOK_LOG_LEVEL", &c.Logging.Level)
	setString("BOUNCEHOOK_LOG_FORMAT", &c.Logging.Format)
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Worker.IntervalSeconds < 1 {
		return fmt.Errorf("worker.interval_seconds must be at least 1, got %d", c.Worker.IntervalSeconds)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be at least 1, got %d", c.Worker.BatchSize)
	}
	if c.Worker.HTTPTimeoutSeconds < 1 {
		return fmt.Errorf("worker.http_timeout_seconds must be at least 1, got %d", c.Worker.HTTPTimeoutSeconds)
	}
	if c.Worker.MaxDelayMinutes < 1 {
		return fmt.Errorf("worker.max_delay_minutes must be at least 1, got %d", c.Worker.MaxDelayMinutes)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// WorkerInterval returns the polling interval as a duration.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

// HTTPTimeout returns the per-call delivery timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Worker.HTTPTimeoutSeconds) * time.Second
}
