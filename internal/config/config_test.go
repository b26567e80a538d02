package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Pipeline.Workers != 10 {
		t.Errorf("expected 10 default workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("expected 3 default max attempts, got %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.BackoffMultiplier != 1.5 {
		t.Errorf("expected default multiplier 1.5, got %g", cfg.Pipeline.BackoffMultiplier)
	}
	if cfg.DedupTTL().Hours() != 24 {
		t.Errorf("expected 24h default dedup TTL, got %s", cfg.DedupTTL())
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.conf")
	content := `
[pipeline]
workers = 25
max_attempts = 5
backoff_multiplier = 2.0

[queue]
type = "redis"
host = "queue.internal"
port = 6380
retry_sweep_seconds = 20

[repository]
type = "postgres"
host = "db.internal"
database = "relayd"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Pipeline.Workers != 25 || cfg.Pipeline.MaxAttempts != 5 {
		t.Errorf("pipeline settings not loaded: %+v", cfg.Pipeline)
	}
	if cfg.Queue.Type != "redis" || cfg.Queue.Host != "queue.internal" || cfg.Queue.Port != 6380 {
		t.Errorf("queue settings not loaded: %+v", cfg.Queue)
	}
	if cfg.Queue.RetrySweepSeconds != 20 {
		t.Errorf("retry sweep not loaded: %d", cfg.Queue.RetrySweepSeconds)
	}
	// Unset fields retain their defaults.
	if cfg.Queue.RateLimitSweepSeconds != 15 {
		t.Errorf("expected default ratelimit sweep 15, got %d", cfg.Queue.RateLimitSweepSeconds)
	}
	if cfg.Repository.Type != "postgres" {
		t.Errorf("repository type not loaded: %s", cfg.Repository.Type)
	}
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers too low", func(c *Config) { c.Pipeline.Workers = 0 }, "workers"},
		{"workers too high", func(c *Config) { c.Pipeline.Workers = 101 }, "workers"},
		{"attempts too high", func(c *Config) { c.Pipeline.MaxAttempts = 11 }, "max_attempts"},
		{"multiplier too low", func(c *Config) { c.Pipeline.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"multiplier too high", func(c *Config) { c.Pipeline.BackoffMultiplier = 6 }, "backoff_multiplier"},
		{"zero ttl", func(c *Config) { c.Dedup.TTLSeconds = 0 }, "ttl_seconds"},
		{"cap below base", func(c *Config) { c.Pipeline.RetryMaxSeconds = 1 }, "retry_max_seconds"},
		{"bad repository", func(c *Config) { c.Repository.Type = "oracle" }, "repository"},
		{"bad dedup store", func(c *Config) { c.Dedup.Type = "etcd" }, "dedup"},
		{"bad queue backend", func(c *Config) { c.Queue.Type = "kafka" }, "queue"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFindConfigFileEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.conf")
	if err := os.WriteFile(path, []byte("[server]\nlisten = \":9000\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("RELAYD_CONFIG", path)

	found, err := FindConfigFile("")
	if err != nil {
		t.Fatalf("FindConfigFile failed: %v", err)
	}
	if found != path {
		t.Errorf("expected %s, got %s", path, found)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig via env failed: %v", err)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("server listen not loaded: %s", cfg.Server.Listen)
	}
}
