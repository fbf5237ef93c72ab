// Package config loads and validates cogkernel's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all cogkernel configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store         StoreConfig         `yaml:"store"`
	Embedder      EmbedderConfig      `yaml:"embedder"`
	Validator     ValidatorConfig     `yaml:"validator"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Cache         CacheConfig         `yaml:"cache"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Retention     RetentionConfig     `yaml:"retention"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DefaultConfig returns the default configuration, matching the keys and
// defaults spec.md §6 names.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cogkernel",
		Version: "0.1.0",

		Store: StoreConfig{
			DatabasePath:   "data/cogkernel.db",
			MaxOpenConns:   8,
			MaxIdleConns:   4,
			AcquireTimeout: "5s",
		},

		Embedder: EmbedderConfig{
			Endpoint:         "http://localhost:11434",
			FallbackEndpoint: "",
			RateLimitRPS:     100,
			Dimensions:       768,
		},

		Validator: ValidatorConfig{
			Endpoint:   "",
			TimeoutMs:  10000,
			Enabled:    true,
		},

		Consolidation: ConsolidationConfig{
			IntervalHours:     24,
			Strategy:          "balanced",
			ClusterSimilarity: 0.75,
			BatchSize:         200,
		},

		Cache: CacheConfig{
			Size:   5000,
			TTLSec: 300,
		},

		Ingest: IngestConfig{
			QueueCapacity: 10000,
			DedupLRUSize:  5000,
		},

		Retention: RetentionConfig{
			EventMaxAgeDays: 365,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults if the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides, following the
// precedence the teacher uses for its own LLM/embedding overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COGKERNEL_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("COGKERNEL_EMBEDDER_ENDPOINT"); v != "" {
		c.Embedder.Endpoint = v
	}
	if v := os.Getenv("COGKERNEL_EMBEDDER_FALLBACK_ENDPOINT"); v != "" {
		c.Embedder.FallbackEndpoint = v
	}
	if v := os.Getenv("COGKERNEL_VALIDATOR_ENDPOINT"); v != "" {
		c.Validator.Endpoint = v
	}
	if v := os.Getenv("COGKERNEL_VALIDATOR_DISABLED"); v == "1" {
		c.Validator.Enabled = false
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("config: store.database_path must not be empty")
	}
	if c.Embedder.RateLimitRPS <= 0 {
		return fmt.Errorf("config: embedder.rate_limit_rps must be positive")
	}
	if c.Consolidation.ClusterSimilarity < 0 || c.Consolidation.ClusterSimilarity > 1 {
		return fmt.Errorf("config: consolidation.cluster_similarity must be in [0,1]")
	}
	validStrategies := map[string]bool{"balanced": true, "speed": true, "quality": true, "minimal": true}
	if !validStrategies[c.Consolidation.Strategy] {
		return fmt.Errorf("config: invalid consolidation.strategy: %s", c.Consolidation.Strategy)
	}
	return nil
}
