package generate

import (
	"context"
	"log"
	"strings"

	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
	"github.com/pkaragiannis/chunkpipe/internal/promptcache"
)

// ExecutorConfig configures a GenerationExecutor.
type ExecutorConfig struct {
	Model            string
	SystemPrompt     string
	MaxContextTokens int
	Retry            RetryConfig
}

// GenerationExecutor implements pipeline.Executor by dispatching chunks to a
// Backend. Before each call it consults the prompt cache for a reusable
// context prefix, and after a successful call it stores the extended
// conversation for future reuse. Cache trouble never fails a chunk; it only
// degrades to "no reuse".
type GenerationExecutor struct {
	backend  Backend
	cache    *promptcache.Cache // nil disables context reuse
	breakers *BreakerRegistry
	cfg      ExecutorConfig
}

// NewExecutor creates a GenerationExecutor. cache may be nil.
func NewExecutor(backend Backend, cache *promptcache.Cache, cfg ExecutorConfig) *GenerationExecutor {
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &GenerationExecutor{
		backend:  backend,
		cache:    cache,
		breakers: NewBreakerRegistry(),
		cfg:      cfg,
	}
}

// Execute implements pipeline.Executor.
func (e *GenerationExecutor) Execute(ctx context.Context, chunk *pipeline.Chunk) pipeline.ExecResult {
	msgs := []promptcache.Message{
		{Role: "user", Content: chunk.Prompt},
	}

	req := Request{
		ProjectID:    chunk.ProjectID,
		Model:        e.cfg.Model,
		TaskType:     chunk.Type,
		SystemPrompt: e.cfg.SystemPrompt,
		Messages:     msgs,
		MaxTokens:    e.cfg.MaxContextTokens,
	}

	if e.cache != nil {
		hit := e.cache.FindCacheHit(chunk.ProjectID, e.cfg.Model, e.cfg.SystemPrompt, msgs)
		if hit.Hit {
			req.ReusableTokens = hit.ReusableTokens
			log.Printf("cache hit for chunk %q: %d reusable tokens (~%dms saved)",
				chunk.ID, hit.ReusableTokens, hit.TimeSavedMs)
		}
	}

	resp, err := generateWithRetry(ctx, e.backend, req, e.breakers.Get(e.cfg.Model), e.cfg.Retry)
	if err != nil {
		return pipeline.ExecResult{
			Errors: []string{err.Error()},
		}
	}

	if e.cache != nil {
		stored := append(msgs, promptcache.Message{Role: "assistant", Content: resp.Content})
		if _, err := e.cache.StoreContext(chunk.ProjectID, e.cfg.Model, chunk.Type, e.cfg.SystemPrompt, stored); err != nil {
			log.Printf("WARNING: failed to cache context for chunk %q: %v", chunk.ID, err)
		}
	}

	lines := resp.LinesGenerated
	if lines == 0 && resp.Content != "" {
		lines = strings.Count(resp.Content, "\n") + 1
	}

	return pipeline.ExecResult{
		Success:        true,
		FilesCreated:   resp.FilesCreated,
		FilesModified:  resp.FilesModified,
		TokensUsed:     resp.TokensUsed,
		LinesGenerated: lines,
	}
}
