package pipeline

import (
	"context"
	"fmt"
	"time"
)

// PipelineStatus represents the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelinePaused    PipelineStatus = "paused"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// ChunkStatus represents the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"     // Waiting for dependencies
	ChunkInProgress ChunkStatus = "in_progress" // Currently executing
	ChunkCompleted  ChunkStatus = "completed"   // Finished successfully
	ChunkFailed     ChunkStatus = "failed"      // Finished with error, retries exhausted
	ChunkSkipped    ChunkStatus = "skipped"     // Never run (pipeline cancelled)
)

// Config controls how a pipeline executes its chunks.
type Config struct {
	Parallelism      int  `json:"parallelism"`        // Max concurrent chunk executions per round (>= 1)
	StopOnError      bool `json:"stop_on_error"`      // Abort the pipeline on the first terminal chunk failure
	AutoRetry        bool `json:"auto_retry"`         // Re-queue failed chunks until MaxRetries is exhausted
	MaxContextTokens int  `json:"max_context_tokens"` // Token budget handed to the generation layer
}

// Validate checks the config at construction time.
func (c Config) Validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	if c.MaxContextTokens < 0 {
		return fmt.Errorf("max_context_tokens must not be negative, got %d", c.MaxContextTokens)
	}
	return nil
}

// Stats aggregates what a pipeline's chunks produced.
type Stats struct {
	TotalTokensUsed     int   `json:"total_tokens_used"`
	TotalFilesGenerated int   `json:"total_files_generated"`
	TotalLinesGenerated int   `json:"total_lines_generated"`
	DurationMs          int64 `json:"duration_ms"`
}

// Pipeline is one generation request decomposed into chunks.
type Pipeline struct {
	ID              string
	ProjectID       string
	Name            string
	Prompt          string
	Status          PipelineStatus
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	CurrentChunkID  string // Chunk picked first in the current round, empty when idle
	Config          Config
	Stats           Stats
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       time.Time // Zero until Start
	CompletedAt     time.Time // Zero until a terminal status is reached
}

// Chunk is one unit of generation work with explicit dependencies.
type Chunk struct {
	ID            string
	PipelineID    string
	ProjectID     string
	Title         string
	Type          string   // e.g. "backend", "frontend", "config"
	Prompt        string   // Instruction handed to the executor
	DependsOn     []string // Chunk IDs in the same pipeline, must form a DAG
	Targets       []string // Paths the chunk is expected to write (used for file locking)
	Status        ChunkStatus
	RetryCount    int
	MaxRetries    int
	FilesCreated  []string
	FilesModified []string
	Errors        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChunkInput describes one chunk when creating a pipeline.
// ID is optional; when empty a random one is assigned. DependsOn refers to
// the IDs of other inputs in the same slice.
type ChunkInput struct {
	ID         string   `json:"id,omitempty"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	Prompt     string   `json:"prompt"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
}

// ChunkUpdate carries the mutable result fields of a status transition.
type ChunkUpdate struct {
	FilesCreated  []string
	FilesModified []string
	Errors        []string
}

// Progress is the per-round snapshot handed to the progress callback.
type Progress struct {
	PipelineID      string
	Status          PipelineStatus
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	CurrentTask     string // Title of a chunk from the current round, empty when done
	ProgressPercent float64
	Stats           Stats
}

// ProgressFunc receives a Progress snapshot once per round.
type ProgressFunc func(Progress)

// ExecResult is the structured outcome of one chunk execution.
type ExecResult struct {
	Success        bool
	FilesCreated   []string
	FilesModified  []string
	Errors         []string
	TokensUsed     int
	LinesGenerated int
}

// Executor performs one chunk's generation work. Implementations must be
// safe to invoke again for the same chunk after a failure.
type Executor interface {
	Execute(ctx context.Context, chunk *Chunk) ExecResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, chunk *Chunk) ExecResult

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, chunk *Chunk) ExecResult {
	return f(ctx, chunk)
}

// Store is the chunk-store contract the scheduler requires. Implementations
// must return chunks in creation order wherever an ordering is observable:
// GetPipelineChunks, GetNextPendingChunk and GetParallelReadyChunks all use
// creation order as the deterministic tie-break.
type Store interface {
	// Pipeline records
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, p *Pipeline) error

	// Chunk records
	CreateChunk(ctx context.Context, c *Chunk) error
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	GetPipelineChunks(ctx context.Context, pipelineID string) ([]*Chunk, error)

	// GetNextPendingChunk returns the first pending chunk (creation order)
	// whose dependencies are all completed, or nil when none is ready.
	GetNextPendingChunk(ctx context.Context, pipelineID string) (*Chunk, error)

	// GetParallelReadyChunks returns up to limit pending chunks whose
	// dependencies are all completed, in creation order.
	GetParallelReadyChunks(ctx context.Context, pipelineID string, limit int) ([]*Chunk, error)

	UpdateChunkStatus(ctx context.Context, chunkID string, status ChunkStatus, update ChunkUpdate) error
	IncrementRetry(ctx context.Context, chunkID string) error
}

// cloneChunk returns a deep copy so callers can't mutate shared state.
func cloneChunk(c *Chunk) *Chunk {
	if c == nil {
		return nil
	}
	cp := *c
	cp.DependsOn = append([]string(nil), c.DependsOn...)
	cp.Targets = append([]string(nil), c.Targets...)
	cp.FilesCreated = append([]string(nil), c.FilesCreated...)
	cp.FilesModified = append([]string(nil), c.FilesModified...)
	cp.Errors = append([]string(nil), c.Errors...)
	return &cp
}
