package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pkaragiannis/chunkpipe/internal/config"
	"github.com/pkaragiannis/chunkpipe/internal/events"
	"github.com/pkaragiannis/chunkpipe/internal/generate"
	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
	"github.com/pkaragiannis/chunkpipe/internal/promptcache"
	"github.com/pkaragiannis/chunkpipe/internal/store"
	"github.com/pkaragiannis/chunkpipe/internal/tui"
)

// planFile is the on-disk shape of a generation plan.
type planFile struct {
	ProjectID string                `json:"project_id"`
	Name      string                `json:"name"`
	Prompt    string                `json:"prompt"`
	Chunks    []pipeline.ChunkInput `json:"chunks"`
}

func main() {
	planPath := flag.String("plan", "", "path to a JSON plan file (required)")
	noTUI := flag.Bool("no-tui", false, "log progress to stderr instead of the TUI")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: chunkpipe -plan plan.json [-no-tui]")
		os.Exit(1)
	}

	// Signal-aware context for graceful shutdown; the run loop stops at the
	// next round boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	plan, err := loadPlan(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading plan: %v\n", err)
		os.Exit(1)
	}

	var chunkStore pipeline.Store
	if cfg.DatabasePath != "" {
		s, err := store.NewSQLite(ctx, cfg.DatabasePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()
		chunkStore = s
	} else {
		chunkStore = store.NewMemory()
	}

	cache, err := promptcache.New(cfg.CacheSettings())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Shutdown()

	backend := generate.NewHTTPBackend(cfg.Generation.Endpoint, nil)
	executor := generate.NewExecutor(backend, cache, generate.ExecutorConfig{
		Model:            cfg.Generation.Model,
		SystemPrompt:     cfg.Generation.SystemPrompt,
		MaxContextTokens: cfg.Pipeline.MaxContextTokens,
	})

	bus := events.NewBus()
	defer bus.Close()

	sched := pipeline.NewScheduler(chunkStore, executor, pipeline.SchedulerOptions{Bus: bus})

	// Default per-chunk retry budget comes from config when the plan omits it.
	for i := range plan.Chunks {
		if plan.Chunks[i].MaxRetries == 0 {
			plan.Chunks[i].MaxRetries = cfg.Pipeline.MaxRetries
		}
	}

	pipelineID, err := sched.CreatePipeline(ctx, plan.ProjectID, plan.Name, plan.Prompt, plan.Chunks, cfg.PipelineDefaults())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pipeline: %v\n", err)
		os.Exit(1)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- sched.Run(ctx, pipelineID)
	}()

	if *noTUI {
		sub := bus.Subscribe(256)
		go func() {
			for ev := range sub {
				log.Printf("%s %s", ev.EventType(), ev.PipelineID())
			}
		}()
		if err := <-runDone; err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())
		tuiDone := make(chan error, 1)
		go func() {
			_, err := p.Run()
			tuiDone <- err
		}()

		select {
		case err := <-runDone:
			if err != nil {
				log.Printf("Run error: %v", err)
			}
			<-tuiDone // let the user read the final state, quit with 'q'
		case err := <-tuiDone:
			// TUI exited first; stop scheduling at the next round.
			stop()
			if err != nil {
				log.Printf("TUI exit error: %v", err)
			}
			<-runDone
		}
	}

	final, err := chunkStore.GetPipeline(context.Background(), pipelineID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading final state: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pipeline %s: %s (%d/%d chunks, %d failed, %d tokens, %dms)\n",
		final.ID, final.Status, final.CompletedChunks, final.TotalChunks,
		final.FailedChunks, final.Stats.TotalTokensUsed, final.Stats.DurationMs)
	if final.Status != pipeline.PipelineCompleted {
		os.Exit(1)
	}
}

func loadPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var plan planFile
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(plan.Chunks) == 0 {
		return nil, fmt.Errorf("plan has no chunks")
	}
	if plan.ProjectID == "" {
		plan.ProjectID = "default"
	}
	return &plan, nil
}
