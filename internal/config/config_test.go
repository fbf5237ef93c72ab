package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "cogkernel" {
		t.Errorf("expected Name=cogkernel, got %s", cfg.Name)
	}
	if cfg.Embedder.RateLimitRPS != 100 {
		t.Errorf("expected RateLimitRPS=100, got %d", cfg.Embedder.RateLimitRPS)
	}
	if cfg.Consolidation.IntervalHours != 24 {
		t.Errorf("expected IntervalHours=24, got %d", cfg.Consolidation.IntervalHours)
	}
	if cfg.Retention.EventMaxAgeDays != 365 {
		t.Errorf("expected EventMaxAgeDays=365, got %d", cfg.Retention.EventMaxAgeDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Consolidation.Strategy = "aggressive"
	cfg.Store.DatabasePath = "custom.db"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Consolidation.Strategy != "aggressive" {
		t.Errorf("expected Strategy=aggressive, got %s", loaded.Consolidation.Strategy)
	}
	if loaded.Store.DatabasePath != "custom.db" {
		t.Errorf("expected DatabasePath=custom.db, got %s", loaded.Store.DatabasePath)
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should not error, got: %v", err)
	}
	if cfg.Name != "cogkernel" {
		t.Errorf("expected default config, got Name=%s", cfg.Name)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("COGKERNEL_DB", "/tmp/env-override.db")
	t.Setenv("COGKERNEL_VALIDATOR_DISABLED", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DatabasePath != "/tmp/env-override.db" {
		t.Errorf("expected env override applied, got %s", cfg.Store.DatabasePath)
	}
	if cfg.Validator.Enabled {
		t.Error("expected validator disabled by env override")
	}
}

func TestConfig_ValidateRejectsBadStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consolidation.Strategy = "not-a-strategy"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid strategy")
	}
}
