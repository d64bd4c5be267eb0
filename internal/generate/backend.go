// Package generate provides the generation-side Executor for the pipeline
// scheduler: it turns a chunk into a backend request, reuses cached prompt
// context when possible, and wraps the backend call in retry and
// circuit-breaker protection.
package generate

import (
	"context"

	"github.com/pkaragiannis/chunkpipe/internal/promptcache"
)

// Request is one generation call.
type Request struct {
	ProjectID    string
	Model        string
	TaskType     string
	SystemPrompt string
	Messages     []promptcache.Message

	// ReusableTokens tells the backend how much of the leading context it
	// has already seen, so it can skip resending that prefix.
	ReusableTokens int
	MaxTokens      int
}

// Response is the structured outcome of a generation call.
type Response struct {
	Content        string   `json:"content"`
	FilesCreated   []string `json:"files_created,omitempty"`
	FilesModified  []string `json:"files_modified,omitempty"`
	TokensUsed     int      `json:"tokens_used,omitempty"`
	LinesGenerated int      `json:"lines_generated,omitempty"`
}

// Backend performs the actual text-generation call. Implementations must be
// safe to call concurrently and safe to retry.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
