package config

// DefaultConfig returns the built-in defaults, used as the base layer for
// the global and project config files.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Parallelism:      3,
			StopOnError:      false,
			AutoRetry:        true,
			MaxRetries:       2,
			MaxContextTokens: 32_000,
		},
		Cache: CacheConfig{
			TTLMinutes:        30,
			MaxEntries:        500,
			MaxTotalTokens:    2_000_000,
			MaxEntryTokens:    100_000,
			MinReuseThreshold: 0.3,
			TokensPerSecond:   150,
			SweepSeconds:      300,
		},
		Generation: GenerationConfig{
			Endpoint: "http://localhost:8090/v1/generate",
			Model:    "default",
		},
	}
}
