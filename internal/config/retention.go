package config

// RetentionConfig holds the maximum age, in days, for sealed events. The
// value is loaded with the rest of the config, but no code reads it: events
// are not evicted by age, sealed or unsealed.
type RetentionConfig struct {
	EventMaxAgeDays int `yaml:"event_max_age_days"`
}
