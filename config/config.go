// Package config loads the extraqd YAML configuration. Defaults cover a
// single-node deployment; secrets come from the environment, never from the
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/extraq/cache"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig describes one extraction provider endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// APIKey resolves the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// CacheConfig selects and tunes the two cache tiers.
type CacheConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend     string   `yaml:"backend"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	ResponseTTL Duration `yaml:"response_ttl"`
	ResultTTL   Duration `yaml:"result_ttl"`
}

// WorkerConfig tunes the extraction worker pool.
type WorkerConfig struct {
	Concurrency     int      `yaml:"concurrency"`
	BatchSize       int      `yaml:"batch_size"`
	MaxRetries      int      `yaml:"max_retries"`
	TaskTimeout     Duration `yaml:"task_timeout"`
	Visibility      Duration `yaml:"visibility"`
	StrictConsensus bool     `yaml:"strict_consensus"`
}

// WebhookConfig tunes callback delivery. The signing secret comes from the
// WEBHOOK_SECRET environment variable.
type WebhookConfig struct {
	Attempts       int      `yaml:"attempts"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// Config is the full extraqd configuration.
type Config struct {
	Listen               string                    `yaml:"listen"`
	DBPath               string                    `yaml:"db_path"`
	ObservabilityDBPath  string                    `yaml:"observability_db_path"`
	LogLevel             string                    `yaml:"log_level"`
	MaxBodyBytes         int64                     `yaml:"max_body_bytes"`
	AllowedDocumentHosts []string                  `yaml:"allowed_document_hosts"`
	IdempotencyTTL       Duration                  `yaml:"idempotency_ttl"`
	Cache                CacheConfig               `yaml:"cache"`
	Providers            map[string]ProviderConfig `yaml:"providers"`
	Worker               WorkerConfig              `yaml:"worker"`
	Webhook              WebhookConfig             `yaml:"webhook"`
}

// Default returns sane single-node defaults.
func Default() *Config {
	return &Config{
		Listen:              ":8086",
		DBPath:              "db/extraq.db",
		ObservabilityDBPath: "db/extraq_obs.db",
		LogLevel:            "info",
		MaxBodyBytes:        1 << 20,
		IdempotencyTTL:      Duration(24 * time.Hour),
		Cache: CacheConfig{
			Backend:     string(cache.KindSQLite),
			ResponseTTL: Duration(time.Hour),
			ResultTTL:   Duration(24 * time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			BatchSize:   8,
			MaxRetries:  3,
			TaskTimeout: Duration(5 * time.Minute),
			Visibility:  Duration(10 * time.Minute),
		},
		Webhook: WebhookConfig{
			Attempts:       4,
			AttemptTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads and parses a YAML config file over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch cache.BackendKind(c.Cache.Backend) {
	case cache.KindMemory, cache.KindSQLite:
	case cache.KindPostgres:
		if c.Cache.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("cache.backend %q unsupported (use memory, sqlite or postgres)", c.Cache.Backend)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.TaskTimeout.Std() >= c.Worker.Visibility.Std() {
		return fmt.Errorf("worker.visibility (%s) must exceed worker.task_timeout (%s)",
			c.Worker.Visibility.Std(), c.Worker.TaskTimeout.Std())
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
	}
	return nil
}
