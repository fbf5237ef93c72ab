package config

// EmbedderConfig configures the embedder client (C3): primary/fallback
// endpoints and the token-bucket rate limit guarding both.
type EmbedderConfig struct {
	Endpoint         string `yaml:"endpoint"`
	FallbackEndpoint string `yaml:"fallback_endpoint"`
	RateLimitRPS     int    `yaml:"rate_limit_rps"`
	Dimensions       int    `yaml:"dimensions"`
}
