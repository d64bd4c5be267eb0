package events

import (
	"time"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	PipelineID() string
}

// Topic constants
const (
	TopicPipeline = "pipeline"
	TopicChunk    = "chunk"
)

// Event type constants
const (
	EventTypePipelineStarted  = "pipeline.started"
	EventTypePipelineProgress = "pipeline.progress"
	EventTypePipelineFinished = "pipeline.finished"
	EventTypeChunkStarted     = "chunk.started"
	EventTypeChunkCompleted   = "chunk.completed"
	EventTypeChunkFailed      = "chunk.failed"
	EventTypeChunkRetried     = "chunk.retried"
)

// PipelineStartedEvent is published when a pipeline's run loop begins.
type PipelineStartedEvent struct {
	Pipeline    string
	Name        string
	TotalChunks int
	Timestamp   time.Time
}

func (e PipelineStartedEvent) EventType() string  { return EventTypePipelineStarted }
func (e PipelineStartedEvent) PipelineID() string { return e.Pipeline }

// PipelineProgressEvent is published once per round.
type PipelineProgressEvent struct {
	Pipeline        string
	Status          string
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	CurrentTask     string
	ProgressPercent float64
	Timestamp       time.Time
}

func (e PipelineProgressEvent) EventType() string  { return EventTypePipelineProgress }
func (e PipelineProgressEvent) PipelineID() string { return e.Pipeline }

// PipelineFinishedEvent is published when a pipeline reaches a terminal status.
type PipelineFinishedEvent struct {
	Pipeline  string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e PipelineFinishedEvent) EventType() string  { return EventTypePipelineFinished }
func (e PipelineFinishedEvent) PipelineID() string { return e.Pipeline }

// ChunkStartedEvent is published when a chunk transitions to in_progress.
type ChunkStartedEvent struct {
	Pipeline  string
	ChunkID   string
	Title     string
	Timestamp time.Time
}

func (e ChunkStartedEvent) EventType() string  { return EventTypeChunkStarted }
func (e ChunkStartedEvent) PipelineID() string { return e.Pipeline }

// ChunkCompletedEvent is published when a chunk finishes successfully.
type ChunkCompletedEvent struct {
	Pipeline     string
	ChunkID      string
	Title        string
	FilesCreated int
	TokensUsed   int
	Timestamp    time.Time
}

func (e ChunkCompletedEvent) EventType() string  { return EventTypeChunkCompleted }
func (e ChunkCompletedEvent) PipelineID() string { return e.Pipeline }

// ChunkFailedEvent is published when a chunk fails terminally.
type ChunkFailedEvent struct {
	Pipeline  string
	ChunkID   string
	Title     string
	Errors    []string
	Timestamp time.Time
}

func (e ChunkFailedEvent) EventType() string  { return EventTypeChunkFailed }
func (e ChunkFailedEvent) PipelineID() string { return e.Pipeline }

// ChunkRetriedEvent is published when a failed chunk is re-queued.
type ChunkRetriedEvent struct {
	Pipeline   string
	ChunkID    string
	Title      string
	RetryCount int
	MaxRetries int
	Timestamp  time.Time
}

func (e ChunkRetriedEvent) EventType() string  { return EventTypeChunkRetried }
func (e ChunkRetriedEvent) PipelineID() string { return e.Pipeline }
