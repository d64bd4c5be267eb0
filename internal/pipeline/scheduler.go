package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pkaragiannis/chunkpipe/internal/events"
)

// SchedulerOptions carries the optional collaborators of a Scheduler.
type SchedulerOptions struct {
	Bus        *events.Bus      // Event bus for pipeline/chunk lifecycle events (nil disables)
	OnProgress ProgressFunc     // Invoked once per round with a progress snapshot (nil disables)
	Locks      *FileLockManager // Shared file lock manager (created when nil)
}

// Scheduler drives pipelines of chunks to completion against a Store and an
// Executor. All state lives in the Store; the Scheduler itself is stateless
// apart from its collaborators and is safe for concurrent use across
// pipelines.
type Scheduler struct {
	store      Store
	exec       Executor
	bus        *events.Bus
	onProgress ProgressFunc
	locks      *FileLockManager
}

// NewScheduler creates a Scheduler over the given store and executor.
func NewScheduler(store Store, exec Executor, opts SchedulerOptions) *Scheduler {
	locks := opts.Locks
	if locks == nil {
		locks = NewFileLockManager()
	}
	return &Scheduler{
		store:      store,
		exec:       exec,
		bus:        opts.Bus,
		onProgress: opts.OnProgress,
		locks:      locks,
	}
}

// CreatePipeline validates the chunk graph and persists the pipeline record
// plus one chunk record per input, in input order. Inputs without an ID get
// a generated one; DependsOn must reference IDs within the same slice and
// must form a DAG. Returns the new pipeline's ID.
func (s *Scheduler) CreatePipeline(ctx context.Context, projectID, name, prompt string, inputs []ChunkInput, cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid pipeline config: %w", err)
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("pipeline needs at least one chunk")
	}

	// Assign IDs before graph validation so every chunk is addressable.
	for i := range inputs {
		if inputs[i].ID == "" {
			inputs[i].ID = uuid.NewString()
		}
	}

	if _, err := ValidateGraph(inputs); err != nil {
		return "", fmt.Errorf("invalid chunk graph: %w", err)
	}

	// Persist chunks in a stable topological order so dependency rows always
	// precede their dependents and ready-chunk selection is deterministic.
	ordered, err := StableOrder(inputs)
	if err != nil {
		return "", fmt.Errorf("invalid chunk graph: %w", err)
	}

	now := time.Now()
	p := &Pipeline{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		Prompt:      prompt,
		Status:      PipelinePending,
		TotalChunks: len(inputs),
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePipeline(ctx, p); err != nil {
		return "", fmt.Errorf("failed to persist pipeline: %w", err)
	}

	for _, in := range ordered {
		c := &Chunk{
			ID:         in.ID,
			PipelineID: p.ID,
			ProjectID:  projectID,
			Title:      in.Title,
			Type:       in.Type,
			Prompt:     in.Prompt,
			DependsOn:  append([]string(nil), in.DependsOn...),
			Targets:    append([]string(nil), in.Targets...),
			Status:     ChunkPending,
			MaxRetries: in.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.CreateChunk(ctx, c); err != nil {
			return "", fmt.Errorf("failed to persist chunk %q: %w", in.ID, err)
		}
	}

	return p.ID, nil
}

// Start transitions a pending or paused pipeline to running and records
// StartedAt on the first start.
func (s *Scheduler) Start(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	switch p.Status {
	case PipelinePending, PipelinePaused:
		// ok
	case PipelineRunning:
		return nil
	default:
		return fmt.Errorf("cannot start pipeline in status %q", p.Status)
	}

	now := time.Now()
	p.Status = PipelineRunning
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	p.UpdatedAt = now
	return s.store.UpdatePipeline(ctx, p)
}

// Pause marks a running pipeline paused. The run loop notices at the top of
// the next round; in-flight chunks finish normally.
func (s *Scheduler) Pause(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != PipelineRunning {
		return fmt.Errorf("cannot pause pipeline in status %q", p.Status)
	}
	p.Status = PipelinePaused
	p.UpdatedAt = time.Now()
	return s.store.UpdatePipeline(ctx, p)
}

// Resume transitions a paused pipeline back to running. The caller must
// invoke Run again to continue execution.
func (s *Scheduler) Resume(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != PipelinePaused {
		return fmt.Errorf("cannot resume pipeline in status %q", p.Status)
	}
	p.Status = PipelineRunning
	p.UpdatedAt = time.Now()
	return s.store.UpdatePipeline(ctx, p)
}

// Cancel marks the pipeline cancelled and force-transitions every pending
// chunk to skipped. In-flight chunks are not interrupted.
func (s *Scheduler) Cancel(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	switch p.Status {
	case PipelineCompleted, PipelineFailed, PipelineCancelled:
		return fmt.Errorf("cannot cancel pipeline in status %q", p.Status)
	}

	chunks, err := s.store.GetPipelineChunks(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.Status != ChunkPending {
			continue
		}
		if err := s.store.UpdateChunkStatus(ctx, c.ID, ChunkSkipped, ChunkUpdate{}); err != nil {
			return fmt.Errorf("failed to skip chunk %q: %w", c.ID, err)
		}
	}

	now := time.Now()
	p.Status = PipelineCancelled
	p.CompletedAt = now
	p.UpdatedAt = now
	if !p.StartedAt.IsZero() {
		p.Stats.DurationMs = now.Sub(p.StartedAt).Milliseconds()
	}
	if err := s.refreshCounts(ctx, p); err != nil {
		return err
	}
	s.publishFinished(p)
	return nil
}

// Run drives the pipeline until no work remains, it is paused or cancelled,
// a deadlock is detected, or stop-on-error aborts it. Chunk failures are
// recorded on the chunk records and in the final status, never returned;
// the returned error covers store failures and context cancellation only.
func (s *Scheduler) Run(ctx context.Context, pipelineID string) error {
	if err := s.Start(ctx, pipelineID); err != nil {
		return err
	}

	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicPipeline, events.PipelineStartedEvent{
			Pipeline:    p.ID,
			Name:        p.Name,
			TotalChunks: p.TotalChunks,
			Timestamp:   time.Now(),
		})
	}

	for {
		// Cooperative cancellation: checked once per round, in-flight work
		// from the previous round has already joined.
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err = s.store.GetPipeline(ctx, pipelineID)
		if err != nil {
			return err
		}
		if p.Status == PipelinePaused || p.Status == PipelineCancelled {
			return nil
		}

		batch, err := s.store.GetParallelReadyChunks(ctx, pipelineID, p.Config.Parallelism)
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			pending, inProgress, err := s.countOutstanding(ctx, pipelineID)
			if err != nil {
				return err
			}
			if pending > 0 && inProgress == 0 {
				// Unsatisfiable dependencies: nothing is ready, nothing is
				// running, yet pending chunks remain.
				log.Printf("ERROR: pipeline %q deadlocked with %d pending chunks", p.ID, pending)
				return s.finalize(ctx, p, PipelineFailed)
			}
			// Genuinely out of work.
			break
		}

		results := s.runBatch(ctx, p, batch)

		terminalFailure, err := s.reconcile(ctx, p, batch, results)
		if err != nil {
			return err
		}

		if err := s.refreshCounts(ctx, p); err != nil {
			return err
		}
		s.emitProgress(p, batch[0].Title)

		if p.Config.StopOnError && terminalFailure {
			// Chunks still pending are deliberately left pending so the
			// pipeline can be inspected and re-run; Cancel is the way to
			// retire them.
			return s.finalize(ctx, p, PipelineFailed)
		}
	}

	chunks, err := s.store.GetPipelineChunks(ctx, pipelineID)
	if err != nil {
		return err
	}
	final := PipelineCompleted
	for _, c := range chunks {
		if c.Status == ChunkFailed {
			final = PipelineFailed
			break
		}
	}
	return s.finalize(ctx, p, final)
}

// ExecuteNextChunk runs exactly one ready chunk through a full
// mark/execute/reconcile cycle. Returns false when nothing was ready;
// a deadlocked pipeline is finalized as failed, a fully drained one as
// completed or failed depending on its chunks.
func (s *Scheduler) ExecuteNextChunk(ctx context.Context, pipelineID string) (bool, error) {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return false, err
	}
	if p.Status == PipelinePaused || p.Status == PipelineCancelled {
		return false, nil
	}

	chunk, err := s.store.GetNextPendingChunk(ctx, pipelineID)
	if err != nil {
		return false, err
	}
	if chunk == nil {
		pending, inProgress, err := s.countOutstanding(ctx, pipelineID)
		if err != nil {
			return false, err
		}
		if pending > 0 && inProgress == 0 {
			log.Printf("ERROR: pipeline %q deadlocked with %d pending chunks", p.ID, pending)
			return false, s.finalize(ctx, p, PipelineFailed)
		}
		if pending == 0 && inProgress == 0 {
			chunks, err := s.store.GetPipelineChunks(ctx, pipelineID)
			if err != nil {
				return false, err
			}
			final := PipelineCompleted
			for _, c := range chunks {
				if c.Status == ChunkFailed {
					final = PipelineFailed
					break
				}
			}
			return false, s.finalize(ctx, p, final)
		}
		return false, nil
	}

	if p.Status == PipelinePending {
		if err := s.Start(ctx, pipelineID); err != nil {
			return false, err
		}
		p, err = s.store.GetPipeline(ctx, pipelineID)
		if err != nil {
			return false, err
		}
	}

	batch := []*Chunk{chunk}
	results := s.runBatch(ctx, p, batch)
	if _, err := s.reconcile(ctx, p, batch, results); err != nil {
		return false, err
	}
	if err := s.refreshCounts(ctx, p); err != nil {
		return false, err
	}
	s.emitProgress(p, chunk.Title)
	return true, nil
}

// runBatch marks the batch in_progress and executes it concurrently,
// bounded exactly to the batch size. It returns only after every execution
// has settled (the round's join barrier).
func (s *Scheduler) runBatch(ctx context.Context, p *Pipeline, batch []*Chunk) map[string]ExecResult {
	for _, c := range batch {
		if err := s.store.UpdateChunkStatus(ctx, c.ID, ChunkInProgress, ChunkUpdate{}); err != nil {
			log.Printf("ERROR: failed to mark chunk %q in progress: %v", c.ID, err)
		}
		if s.bus != nil {
			s.bus.Publish(events.TopicChunk, events.ChunkStartedEvent{
				Pipeline:  p.ID,
				ChunkID:   c.ID,
				Title:     c.Title,
				Timestamp: time.Now(),
			})
		}
	}
	// Persist the in-flight chunk so store readers see it while the batch
	// runs, not only after the round settles.
	p.CurrentChunkID = batch[0].ID
	p.UpdatedAt = time.Now()
	if err := s.store.UpdatePipeline(ctx, p); err != nil {
		log.Printf("ERROR: failed to record current chunk for pipeline %q: %v", p.ID, err)
	}

	results := make(map[string]ExecResult, len(batch))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(batch))
	for _, c := range batch {
		c := c
		g.Go(func() error {
			res := s.executeChunk(gctx, c)
			mu.Lock()
			results[c.ID] = res
			mu.Unlock()
			return nil
		})
	}
	// Executors never propagate errors through the group; Wait is purely the
	// join barrier.
	_ = g.Wait()

	return results
}

// executeChunk invokes the executor for one chunk under its file locks.
// A panicking executor is converted into a failed result.
func (s *Scheduler) executeChunk(ctx context.Context, c *Chunk) (res ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: executor panic on chunk %q: %v", c.ID, r)
			res = ExecResult{Errors: []string{fmt.Sprintf("executor panic: %v", r)}}
		}
	}()

	if err := ctx.Err(); err != nil {
		return ExecResult{Errors: []string{fmt.Sprintf("context cancelled before execution: %v", err)}}
	}

	s.locks.LockAll(c.Targets)
	defer s.locks.UnlockAll(c.Targets)

	return s.exec.Execute(ctx, cloneChunk(c))
}

// reconcile applies the batch's results: successes become completed with
// their file lists and stats, failures are either re-queued (autoRetry with
// budget left) or marked failed. Returns whether any chunk failed terminally.
func (s *Scheduler) reconcile(ctx context.Context, p *Pipeline, batch []*Chunk, results map[string]ExecResult) (bool, error) {
	terminalFailure := false

	for _, c := range batch {
		res := results[c.ID]

		if res.Success {
			update := ChunkUpdate{
				FilesCreated:  res.FilesCreated,
				FilesModified: res.FilesModified,
			}
			if err := s.store.UpdateChunkStatus(ctx, c.ID, ChunkCompleted, update); err != nil {
				return terminalFailure, fmt.Errorf("failed to complete chunk %q: %w", c.ID, err)
			}
			p.Stats.TotalTokensUsed += res.TokensUsed
			p.Stats.TotalFilesGenerated += len(res.FilesCreated)
			p.Stats.TotalLinesGenerated += res.LinesGenerated
			if s.bus != nil {
				s.bus.Publish(events.TopicChunk, events.ChunkCompletedEvent{
					Pipeline:     p.ID,
					ChunkID:      c.ID,
					Title:        c.Title,
					FilesCreated: len(res.FilesCreated),
					TokensUsed:   res.TokensUsed,
					Timestamp:    time.Now(),
				})
			}
			continue
		}

		if p.Config.AutoRetry && c.RetryCount < c.MaxRetries {
			if err := s.store.IncrementRetry(ctx, c.ID); err != nil {
				return terminalFailure, fmt.Errorf("failed to increment retry for chunk %q: %w", c.ID, err)
			}
			if err := s.store.UpdateChunkStatus(ctx, c.ID, ChunkPending, ChunkUpdate{Errors: res.Errors}); err != nil {
				return terminalFailure, fmt.Errorf("failed to re-queue chunk %q: %w", c.ID, err)
			}
			if s.bus != nil {
				s.bus.Publish(events.TopicChunk, events.ChunkRetriedEvent{
					Pipeline:   p.ID,
					ChunkID:    c.ID,
					Title:      c.Title,
					RetryCount: c.RetryCount + 1,
					MaxRetries: c.MaxRetries,
					Timestamp:  time.Now(),
				})
			}
			continue
		}

		if err := s.store.UpdateChunkStatus(ctx, c.ID, ChunkFailed, ChunkUpdate{Errors: res.Errors}); err != nil {
			return terminalFailure, fmt.Errorf("failed to fail chunk %q: %w", c.ID, err)
		}
		terminalFailure = true
		if s.bus != nil {
			s.bus.Publish(events.TopicChunk, events.ChunkFailedEvent{
				Pipeline:  p.ID,
				ChunkID:   c.ID,
				Title:     c.Title,
				Errors:    res.Errors,
				Timestamp: time.Now(),
			})
		}
	}

	return terminalFailure, nil
}

// refreshCounts recomputes CompletedChunks/FailedChunks from the store and
// persists the pipeline record.
func (s *Scheduler) refreshCounts(ctx context.Context, p *Pipeline) error {
	chunks, err := s.store.GetPipelineChunks(ctx, p.ID)
	if err != nil {
		return err
	}

	completed, failed := 0, 0
	for _, c := range chunks {
		switch c.Status {
		case ChunkCompleted:
			completed++
		case ChunkFailed:
			failed++
		}
	}
	p.CompletedChunks = completed
	p.FailedChunks = failed
	p.UpdatedAt = time.Now()
	return s.store.UpdatePipeline(ctx, p)
}

// countOutstanding returns how many chunks are pending and in progress.
func (s *Scheduler) countOutstanding(ctx context.Context, pipelineID string) (pending, inProgress int, err error) {
	chunks, err := s.store.GetPipelineChunks(ctx, pipelineID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range chunks {
		switch c.Status {
		case ChunkPending:
			pending++
		case ChunkInProgress:
			inProgress++
		}
	}
	return pending, inProgress, nil
}

// finalize moves the pipeline to a terminal status, stamps CompletedAt and
// the total duration, and emits the closing progress snapshot and event.
func (s *Scheduler) finalize(ctx context.Context, p *Pipeline, status PipelineStatus) error {
	now := time.Now()
	p.Status = status
	p.CurrentChunkID = ""
	p.CompletedAt = now
	p.UpdatedAt = now
	if !p.StartedAt.IsZero() {
		p.Stats.DurationMs = now.Sub(p.StartedAt).Milliseconds()
	}
	if err := s.refreshCounts(ctx, p); err != nil {
		return err
	}
	s.emitProgress(p, "")
	s.publishFinished(p)
	return nil
}

// emitProgress builds a snapshot and hands it to the callback and the bus.
func (s *Scheduler) emitProgress(p *Pipeline, currentTask string) {
	percent := 0.0
	if p.TotalChunks > 0 {
		percent = float64(p.CompletedChunks) / float64(p.TotalChunks) * 100
	}
	snapshot := Progress{
		PipelineID:      p.ID,
		Status:          p.Status,
		TotalChunks:     p.TotalChunks,
		CompletedChunks: p.CompletedChunks,
		FailedChunks:    p.FailedChunks,
		CurrentTask:     currentTask,
		ProgressPercent: percent,
		Stats:           p.Stats,
	}
	if s.onProgress != nil {
		s.onProgress(snapshot)
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicPipeline, events.PipelineProgressEvent{
			Pipeline:        p.ID,
			Status:          string(p.Status),
			TotalChunks:     p.TotalChunks,
			CompletedChunks: p.CompletedChunks,
			FailedChunks:    p.FailedChunks,
			CurrentTask:     currentTask,
			ProgressPercent: percent,
			Timestamp:       time.Now(),
		})
	}
}

func (s *Scheduler) publishFinished(p *Pipeline) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicPipeline, events.PipelineFinishedEvent{
		Pipeline:  p.ID,
		Status:    string(p.Status),
		Duration:  time.Duration(p.Stats.DurationMs) * time.Millisecond,
		Timestamp: time.Now(),
	})
}
