package config

import (
	"fmt"
	"time"

	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
	"github.com/pkaragiannis/chunkpipe/internal/promptcache"
)

// PipelineConfig holds the default execution policy applied to new
// pipelines. Every recognized option is enumerated here; unknown JSON keys
// are rejected implicitly by simply not existing.
type PipelineConfig struct {
	Parallelism      int  `json:"parallelism"`
	StopOnError      bool `json:"stop_on_error"`
	AutoRetry        bool `json:"auto_retry"`
	MaxRetries       int  `json:"max_retries"`
	MaxContextTokens int  `json:"max_context_tokens"`
}

// CacheConfig holds the prompt-cache limits.
type CacheConfig struct {
	TTLMinutes        int     `json:"ttl_minutes"`
	MaxEntries        int     `json:"max_entries"`
	MaxTotalTokens    int     `json:"max_total_tokens"`
	MaxEntryTokens    int     `json:"max_entry_tokens"`
	MinReuseThreshold float64 `json:"min_reuse_threshold"`
	TokensPerSecond   float64 `json:"tokens_per_second"`
	SweepSeconds      int     `json:"sweep_seconds"`
}

// GenerationConfig holds backend settings for the generation executor.
type GenerationConfig struct {
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	DatabasePath string           `json:"database_path,omitempty"` // Empty selects the in-memory store
	Pipeline     PipelineConfig   `json:"pipeline"`
	Cache        CacheConfig      `json:"cache"`
	Generation   GenerationConfig `json:"generation"`
}

// Validate checks the whole configuration at load time.
func (c *Config) Validate() error {
	if err := c.PipelineDefaults().Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline: max_retries must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	if err := c.CacheSettings().Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// PipelineDefaults converts to the scheduler's config type.
func (c *Config) PipelineDefaults() pipeline.Config {
	return pipeline.Config{
		Parallelism:      c.Pipeline.Parallelism,
		StopOnError:      c.Pipeline.StopOnError,
		AutoRetry:        c.Pipeline.AutoRetry,
		MaxContextTokens: c.Pipeline.MaxContextTokens,
	}
}

// CacheSettings converts to the prompt cache's config type.
func (c *Config) CacheSettings() promptcache.Config {
	return promptcache.Config{
		TTL:               time.Duration(c.Cache.TTLMinutes) * time.Minute,
		MaxEntries:        c.Cache.MaxEntries,
		MaxTotalTokens:    c.Cache.MaxTotalTokens,
		MaxEntryTokens:    c.Cache.MaxEntryTokens,
		MinReuseThreshold: c.Cache.MinReuseThreshold,
		TokensPerSecond:   c.Cache.TokensPerSecond,
		SweepInterval:     time.Duration(c.Cache.SweepSeconds) * time.Second,
	}
}
