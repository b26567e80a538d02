package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Admin API configuration
	Server struct {
		Listen string `toml:"listen"`
	} `toml:"server"`

	// Logging configuration
	Logging struct {
		Type   string `toml:"type"` // "console" or "file"
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		File   string `toml:"file"`
	} `toml:"logging"`

	// Delivery log and rule storage
	Repository struct {
		Type     string `toml:"type"` // "sqlite", "postgres", "mysql"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Database string `toml:"database"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		SSLMode  string `toml:"sslmode"`
	} `toml:"repository"`

	// Duplicate suppression cache
	Dedup struct {
		Type       string `toml:"type"` // "memory", "redis", "memcached"
		Host       string `toml:"host"`
		Port       int    `toml:"port"`
		Password   string `toml:"password"`
		Database   int    `toml:"database"`
		TTLSeconds int    `toml:"ttl_seconds"`
	} `toml:"dedup"`

	// Queue backend and sweep configuration
	Queue struct {
		Type                  string `toml:"type"` // "memory" or "redis"
		Host                  string `toml:"host"`
		Port                  int    `toml:"port"`
		Password              string `toml:"password"`
		Database              int    `toml:"database"`
		RetrySweepSeconds     int    `toml:"retry_sweep_seconds"`
		RateLimitSweepSeconds int    `toml:"ratelimit_sweep_seconds"`
	} `toml:"queue"`

	// Worker pool and retry policy
	Pipeline struct {
		Workers             int     `toml:"workers"`
		MaxAttempts         int     `toml:"max_attempts"`
		BackoffMultiplier   float64 `toml:"backoff_multiplier"`
		RetryBaseSeconds    int     `toml:"retry_base_seconds"`
		RetryMaxSeconds     int     `toml:"retry_max_seconds"`
		DequeueTimeoutSecs  int     `toml:"dequeue_timeout_seconds"`
		DeliveryTimeoutSecs int     `toml:"delivery_timeout_seconds"`
	} `toml:"pipeline"`

	// Prometheus metrics configuration
	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"metrics"`

	// Optional Valkey-backed delivery statistics
	Stats struct {
		Enabled bool   `toml:"enabled"`
		Address string `toml:"address"`
	} `toml:"stats"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Listen = ":8425"

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Repository.Type = "sqlite"
	cfg.Repository.Database = "relayd.db"

	cfg.Dedup.Type = "memory"
	cfg.Dedup.TTLSeconds = 86400 // 24h

	cfg.Queue.Type = "memory"
	cfg.Queue.RetrySweepSeconds = 10
	cfg.Queue.RateLimitSweepSeconds = 15

	cfg.Pipeline.Workers = 10
	cfg.Pipeline.MaxAttempts = 3
	cfg.Pipeline.BackoffMultiplier = 1.5
	cfg.Pipeline.RetryBaseSeconds = 30
	cfg.Pipeline.RetryMaxSeconds = 3600
	cfg.Pipeline.DequeueTimeoutSecs = 5
	cfg.Pipeline.DeliveryTimeoutSecs = 30

	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ":9425"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	if envPath := os.Getenv("RELAYD_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", fmt.Errorf("config file not found at RELAYD_CONFIG path: %s", envPath)
	}

	locations := []string{
		"./relayd.conf",
		"./config/relayd.conf",
		os.ExpandEnv("$HOME/.relayd.conf"),
		"/etc/relayd/relayd.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults
// when no file is found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" || os.Getenv("RELAYD_CONFIG") != "" {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its allowed ranges.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 100 {
		return fmt.Errorf("pipeline.workers must be between 1 and 100, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > 10 {
		return fmt.Errorf("pipeline.max_attempts must be between 1 and 10, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.BackoffMultiplier < 1.0 || c.Pipeline.BackoffMultiplier > 5.0 {
		return fmt.Errorf("pipeline.backoff_multiplier must be between 1.0 and 5.0, got %g", c.Pipeline.BackoffMultiplier)
	}
	if c.Pipeline.RetryBaseSeconds < 1 {
		return fmt.Errorf("pipeline.retry_base_seconds must be positive, got %d", c.Pipeline.RetryBaseSeconds)
	}
	if c.Pipeline.RetryMaxSeconds < c.Pipeline.RetryBaseSeconds {
		return fmt.Errorf("pipeline.retry_max_seconds must be at least retry_base_seconds")
	}
	if c.Dedup.TTLSeconds < 1 {
		return fmt.Errorf("dedup.ttl_seconds must be positive, got %d", c.Dedup.TTLSeconds)
	}
	if c.Queue.RetrySweepSeconds < 1 || c.Queue.RateLimitSweepSeconds < 1 {
		return fmt.Errorf("queue sweep intervals must be positive")
	}

	switch c.Repository.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported repository type: %s", c.Repository.Type)
	}
	switch c.Dedup.Type {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("unsupported dedup store type: %s", c.Dedup.Type)
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue backend type: %s", c.Queue.Type)
	}
	return nil
}

// DedupTTL returns the dedup retention window as a duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

// RetryBaseDelay returns the first retry delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Pipeline.RetryBaseSeconds) * time.Second
}

// RetryMaxDelay returns the retry delay cap as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Pipeline.RetryMaxSeconds) * time.Second
}

// DequeueTimeout returns how long a worker blocks waiting for work.
func (c *Config) DequeueTimeout() time.Duration {
	return time.Duration(c.Pipeline.DequeueTimeoutSecs) * time.Second
}

// DeliveryTimeout returns the per-delivery transport deadline.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Pipeline.DeliveryTimeoutSecs) * time.Second
}

// RetrySweepInterval returns how often the retry queue is swept.
func (c *Config) RetrySweepInterval() time.Duration {
	return time.Duration(c.Queue.RetrySweepSeconds) * time.Second
}

// RateLimitSweepInterval returns how often the backoff queue is swept.
func (c *Config) RateLimitSweepInterval() time.Duration {
	return time.Duration(c.Queue.RateLimitSweepSeconds) * time.Second
}
