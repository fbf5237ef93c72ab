package config

import "cogkernel/internal/logging"

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	Format     string          `yaml:"format"`
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// ToLogging converts to the logging package's own config shape, kept
// separate to avoid an import cycle between config and logging.
func (c LoggingConfig) ToLogging() logging.LoggingConfig {
	return logging.LoggingConfig{
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
		Level:      c.Level,
		JSONFormat: c.Format == "json",
	}
}
