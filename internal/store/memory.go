// Package store provides chunk-store implementations for the pipeline
// scheduler: an in-memory reference store and a durable SQLite store.
// Both satisfy pipeline.Store and return chunks in creation order wherever
// an ordering is observable.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
)

// MemoryStore is the in-memory reference implementation of pipeline.Store.
// Creation order is tracked explicitly so ready-chunk selection is
// deterministic. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	chunks    map[string]*pipeline.Chunk
	order     map[string][]string // pipelineID -> chunk IDs in creation order
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*pipeline.Pipeline),
		chunks:    make(map[string]*pipeline.Chunk),
		order:     make(map[string][]string),
	}
}

// CreatePipeline stores a new pipeline record.
func (s *MemoryStore) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; exists {
		return fmt.Errorf("pipeline %q already exists", p.ID)
	}
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// GetPipeline returns a copy of the pipeline record.
func (s *MemoryStore) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	return clonePipeline(p), nil
}

// UpdatePipeline overwrites the stored pipeline record.
func (s *MemoryStore) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; !exists {
		return fmt.Errorf("pipeline not found: %s", p.ID)
	}
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// CreateChunk stores a new chunk record and appends it to its pipeline's
// creation order.
func (s *MemoryStore) CreateChunk(ctx context.Context, c *pipeline.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chunks[c.ID]; exists {
		return fmt.Errorf("chunk %q already exists", c.ID)
	}
	if _, exists := s.pipelines[c.PipelineID]; !exists {
		return fmt.Errorf("pipeline not found: %s", c.PipelineID)
	}
	s.chunks[c.ID] = cloneChunk(c)
	s.order[c.PipelineID] = append(s.order[c.PipelineID], c.ID)
	return nil
}

// GetChunk returns a copy of one chunk.
func (s *MemoryStore) GetChunk(ctx context.Context, id string) (*pipeline.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.chunks[id]
	if !exists {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	return cloneChunk(c), nil
}

// GetPipelineChunks returns all chunks of a pipeline in creation order.
func (s *MemoryStore) GetPipelineChunks(ctx context.Context, pipelineID string) ([]*pipeline.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[pipelineID]
	chunks := make([]*pipeline.Chunk, 0, len(ids))
	for _, id := range ids {
		chunks = append(chunks, cloneChunk(s.chunks[id]))
	}
	return chunks, nil
}

// GetNextPendingChunk returns the first ready chunk in creation order, or
// nil when none is ready.
func (s *MemoryStore) GetNextPendingChunk(ctx context.Context, pipelineID string) (*pipeline.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order[pipelineID] {
		c := s.chunks[id]
		if s.readyLocked(c) {
			return cloneChunk(c), nil
		}
	}
	return nil, nil
}

// GetParallelReadyChunks returns up to limit ready chunks in creation order.
func (s *MemoryStore) GetParallelReadyChunks(ctx context.Context, pipelineID string, limit int) ([]*pipeline.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []*pipeline.Chunk
	for _, id := range s.order[pipelineID] {
		if len(ready) >= limit {
			break
		}
		c := s.chunks[id]
		if s.readyLocked(c) {
			ready = append(ready, cloneChunk(c))
		}
	}
	return ready, nil
}

// readyLocked reports whether a chunk is pending with every dependency
// completed. A dependency that doesn't exist never completes, so the chunk
// is never ready (the scheduler reports this as a deadlock).
func (s *MemoryStore) readyLocked(c *pipeline.Chunk) bool {
	if c.Status != pipeline.ChunkPending {
		return false
	}
	for _, depID := range c.DependsOn {
		dep, exists := s.chunks[depID]
		if !exists || dep.Status != pipeline.ChunkCompleted {
			return false
		}
	}
	return true
}

// UpdateChunkStatus sets the chunk's status and applies the update: file
// lists replace the stored ones when non-nil, errors are appended so the
// record keeps the history across retries.
func (s *MemoryStore) UpdateChunkStatus(ctx context.Context, chunkID string, status pipeline.ChunkStatus, update pipeline.ChunkUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.chunks[chunkID]
	if !exists {
		return fmt.Errorf("chunk not found: %s", chunkID)
	}
	c.Status = status
	if update.FilesCreated != nil {
		c.FilesCreated = append([]string(nil), update.FilesCreated...)
	}
	if update.FilesModified != nil {
		c.FilesModified = append([]string(nil), update.FilesModified...)
	}
	c.Errors = append(c.Errors, update.Errors...)
	c.UpdatedAt = time.Now()
	return nil
}

// IncrementRetry bumps the chunk's retry counter.
func (s *MemoryStore) IncrementRetry(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.chunks[chunkID]
	if !exists {
		return fmt.Errorf("chunk not found: %s", chunkID)
	}
	c.RetryCount++
	c.UpdatedAt = time.Now()
	return nil
}

func clonePipeline(p *pipeline.Pipeline) *pipeline.Pipeline {
	cp := *p
	return &cp
}

func cloneChunk(c *pipeline.Chunk) *pipeline.Chunk {
	cp := *c
	cp.DependsOn = append([]string(nil), c.DependsOn...)
	cp.Targets = append([]string(nil), c.Targets...)
	cp.FilesCreated = append([]string(nil), c.FilesCreated...)
	cp.FilesModified = append([]string(nil), c.FilesModified...)
	cp.Errors = append([]string(nil), c.Errors...)
	return &cp
}
