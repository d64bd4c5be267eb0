package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "chunkpipe.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSQLitePipelineRoundTrip verifies a pipeline record survives the
// storage boundary, including config booleans and zero timestamps.
func TestSQLitePipelineRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	p := testPipeline("pl")
	p.Config.StopOnError = true
	p.Stats.TotalTokensUsed = 42
	if err := s.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	got, err := s.GetPipeline(ctx, "pl")
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if got.Name != p.Name || got.ProjectID != "proj" || got.Prompt != p.Prompt {
		t.Errorf("GetPipeline() = %+v, want fields of %+v", got, p)
	}
	if got.Status != pipeline.PipelinePending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !got.Config.StopOnError || !got.Config.AutoRetry || got.Config.Parallelism != 2 {
		t.Errorf("config = %+v, want stop_on_error and auto_retry set, parallelism 2", got.Config)
	}
	if got.Stats.TotalTokensUsed != 42 {
		t.Errorf("TotalTokensUsed = %d, want 42", got.Stats.TotalTokensUsed)
	}
	if !got.StartedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Errorf("unset timestamps came back non-zero: started %v, completed %v", got.StartedAt, got.CompletedAt)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt came back zero")
	}

	// Update the mutable fields and check persistence.
	now := time.Now()
	got.Status = pipeline.PipelineCompleted
	got.CompletedChunks = 3
	got.StartedAt = now.Add(-time.Minute)
	got.CompletedAt = now
	got.Stats.DurationMs = 60000
	if err := s.UpdatePipeline(ctx, got); err != nil {
		t.Fatalf("UpdatePipeline() error = %v", err)
	}
	reread, _ := s.GetPipeline(ctx, "pl")
	if reread.Status != pipeline.PipelineCompleted || reread.CompletedChunks != 3 {
		t.Errorf("update not persisted: %+v", reread)
	}
	if reread.CompletedAt.IsZero() || reread.Stats.DurationMs != 60000 {
		t.Errorf("terminal fields not persisted: completed %v, duration %d", reread.CompletedAt, reread.Stats.DurationMs)
	}

	if _, err := s.GetPipeline(ctx, "missing"); err == nil {
		t.Error("GetPipeline(missing) error = nil, want error")
	}
	if err := s.UpdatePipeline(ctx, testPipeline("missing")); err == nil {
		t.Error("UpdatePipeline(missing) error = nil, want error")
	}
}

// TestSQLiteChunkRoundTrip verifies a chunk record with dependencies, targets
// and result fields survives the storage boundary.
func TestSQLiteChunkRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePipeline(ctx, testPipeline("pl")); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("a", "pl")); err != nil {
		t.Fatalf("CreateChunk(a) error = %v", err)
	}

	b := testChunk("b", "pl", "a")
	b.Targets = []string{"api.go", "api_test.go"}
	b.MaxRetries = 2
	if err := s.CreateChunk(ctx, b); err != nil {
		t.Fatalf("CreateChunk(b) error = %v", err)
	}

	got, err := s.GetChunk(ctx, "b")
	if err != nil {
		t.Fatalf("GetChunk() error = %v", err)
	}
	if got.Title != "chunk b" || got.Type != "backend" || got.Prompt != "generate b" {
		t.Errorf("GetChunk() = %+v, want fields of %+v", got, b)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "a" {
		t.Errorf("DependsOn = %v, want [a]", got.DependsOn)
	}
	if len(got.Targets) != 2 || got.Targets[0] != "api.go" {
		t.Errorf("Targets = %v, want [api.go api_test.go]", got.Targets)
	}
	if got.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", got.MaxRetries)
	}

	if _, err := s.GetChunk(ctx, "missing"); err == nil {
		t.Error("GetChunk(missing) error = nil, want error")
	}
}

// TestSQLiteMissingDependencyRejected verifies a chunk referencing a
// dependency row that doesn't exist is rejected.
func TestSQLiteMissingDependencyRejected(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePipeline(ctx, testPipeline("pl")); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	err := s.CreateChunk(ctx, testChunk("a", "pl", "ghost"))
	if err == nil {
		t.Fatal("CreateChunk() error = nil, want missing-dependency error")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error = %v, want missing-dependency message", err)
	}

	// The failed transaction must not leave a partial chunk row behind.
	if _, err := s.GetChunk(ctx, "a"); err == nil {
		t.Error("GetChunk() after rejected insert error = nil, want not-found")
	}
}

// TestSQLiteReadyOrder verifies ready-chunk selection follows rowid creation
// order and respects dependency completion.
func TestSQLiteReadyOrder(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePipeline(ctx, testPipeline("pl")); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("a", "pl")); err != nil {
		t.Fatalf("CreateChunk(a) error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("b", "pl", "a")); err != nil {
		t.Fatalf("CreateChunk(b) error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("c", "pl")); err != nil {
		t.Fatalf("CreateChunk(c) error = %v", err)
	}

	ready, err := s.GetParallelReadyChunks(ctx, "pl", 10)
	if err != nil {
		t.Fatalf("GetParallelReadyChunks() error = %v", err)
	}
	if len(ready) != 2 || ready[0].ID != "a" || ready[1].ID != "c" {
		t.Fatalf("ready = %v, want [a c]", chunkIDs(ready))
	}

	limited, _ := s.GetParallelReadyChunks(ctx, "pl", 1)
	if len(limited) != 1 || limited[0].ID != "a" {
		t.Errorf("ready with limit 1 = %v, want [a]", chunkIDs(limited))
	}

	if err := s.UpdateChunkStatus(ctx, "a", pipeline.ChunkCompleted, pipeline.ChunkUpdate{}); err != nil {
		t.Fatalf("UpdateChunkStatus() error = %v", err)
	}
	ready, _ = s.GetParallelReadyChunks(ctx, "pl", 10)
	if len(ready) != 2 || ready[0].ID != "b" || ready[1].ID != "c" {
		t.Errorf("ready after completing a = %v, want [b c]", chunkIDs(ready))
	}

	next, _ := s.GetNextPendingChunk(ctx, "pl")
	if next == nil || next.ID != "b" {
		t.Errorf("GetNextPendingChunk() = %v, want b", next)
	}

	all, _ := s.GetPipelineChunks(ctx, "pl")
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("GetPipelineChunks() = %v, want [a b c]", chunkIDs(all))
	}
}

// TestSQLiteUpdateChunkStatus tests the update semantics against the SQLite
// backend: errors append, file lists replace when non-nil.
func TestSQLiteUpdateChunkStatus(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePipeline(ctx, testPipeline("pl")); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("a", "pl")); err != nil {
		t.Fatalf("CreateChunk() error = %v", err)
	}

	err := s.UpdateChunkStatus(ctx, "a", pipeline.ChunkPending, pipeline.ChunkUpdate{
		Errors: []string{"attempt 1: timeout, retrying"},
	})
	if err != nil {
		t.Fatalf("UpdateChunkStatus() error = %v", err)
	}
	err = s.UpdateChunkStatus(ctx, "a", pipeline.ChunkCompleted, pipeline.ChunkUpdate{
		FilesCreated: []string{"x.go", "y.go"},
		Errors:       []string{"attempt 2: slow but fine"},
	})
	if err != nil {
		t.Fatalf("UpdateChunkStatus() error = %v", err)
	}

	c, _ := s.GetChunk(ctx, "a")
	if c.Status != pipeline.ChunkCompleted {
		t.Errorf("status = %q, want completed", c.Status)
	}
	if len(c.Errors) != 2 {
		t.Errorf("errors = %v, want history of 2", c.Errors)
	}
	if len(c.FilesCreated) != 2 {
		t.Errorf("FilesCreated = %v, want 2 entries", c.FilesCreated)
	}

	// Error text containing a comma must survive the encoding.
	if c.Errors[0] != "attempt 1: timeout, retrying" {
		t.Errorf("Errors[0] = %q, comma was not preserved", c.Errors[0])
	}

	if err := s.UpdateChunkStatus(ctx, "missing", pipeline.ChunkCompleted, pipeline.ChunkUpdate{}); err == nil {
		t.Error("UpdateChunkStatus(missing) error = nil, want error")
	}
}

// TestSQLiteIncrementRetry tests the retry counter.
func TestSQLiteIncrementRetry(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePipeline(ctx, testPipeline("pl")); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := s.CreateChunk(ctx, testChunk("a", "pl")); err != nil {
		t.Fatalf("CreateChunk() error = %v", err)
	}

	if err := s.IncrementRetry(ctx, "a"); err != nil {
		t.Fatalf("IncrementRetry() error = %v", err)
	}
	c, _ := s.GetChunk(ctx, "a")
	if c.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", c.RetryCount)
	}

	if err := s.IncrementRetry(ctx, "missing"); err == nil {
		t.Error("IncrementRetry(missing) error = nil, want error")
	}
}
