package config

// ValidatorConfig configures the System 2 LLM validator consulted during
// consolidation (C10). Consolidation falls back to System 1 heuristics alone
// when no validator is wired in or a validator call fails. TimeoutMs and
// Enabled are loaded (Enabled is cleared by an environment override) but
// are not read outside this package: they do not bound or switch off the
// validator.
type ValidatorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Enabled   bool   `yaml:"enabled"`
}
