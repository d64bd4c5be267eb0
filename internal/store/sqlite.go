package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkaragiannis/chunkpipe/internal/pipeline"
)

// SQLiteStore implements pipeline.Store on SQLite so pipelines survive
// process restarts. Creation order is the chunks table's rowid.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-backed store at the given path. Creates parent
// directories if needed. Enables WAL mode, foreign keys, and a busy timeout.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewSQLiteInMemory creates an in-memory SQLite store for testing. Uses a
// shared cache so multiple connections see the same database.
func NewSQLiteInMemory(ctx context.Context) (*SQLiteStore, error) {
	return openSQLite(ctx, "file::memory:?mode=memory&cache=shared")
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite doesn't honor _foreign_keys in the connection
	// string, so enable it via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for dependency subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt TEXT,
		status TEXT NOT NULL,
		total_chunks INTEGER NOT NULL,
		completed_chunks INTEGER NOT NULL DEFAULT 0,
		failed_chunks INTEGER NOT NULL DEFAULT 0,
		current_chunk_id TEXT,
		parallelism INTEGER NOT NULL,
		stop_on_error INTEGER NOT NULL,
		auto_retry INTEGER NOT NULL,
		max_context_tokens INTEGER NOT NULL,
		total_tokens_used INTEGER NOT NULL DEFAULT 0,
		total_files_generated INTEGER NOT NULL DEFAULT 0,
		total_lines_generated INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		type TEXT,
		prompt TEXT,
		targets TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		files_created TEXT,
		files_modified TEXT,
		errors TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_pipeline ON chunks(pipeline_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_pipeline_status ON chunks(pipeline_id, status);

	CREATE TABLE IF NOT EXISTS chunk_dependencies (
		chunk_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (chunk_id, depends_on_id),
		FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES chunks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunk_dependencies_chunk_id ON chunk_dependencies(chunk_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Timestamps cross the storage boundary as epoch milliseconds; zero means
// unset.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Paths are comma-joined; errors newline-joined (error text may contain
// commas).

func joinPaths(paths []string) string { return strings.Join(paths, ",") }
func joinErrors(errs []string) string { return strings.Join(errs, "\n") }

func splitPaths(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func splitErrors(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// CreatePipeline inserts a new pipeline record.
func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (
			id, project_id, name, prompt, status,
			total_chunks, completed_chunks, failed_chunks, current_chunk_id,
			parallelism, stop_on_error, auto_retry, max_context_tokens,
			total_tokens_used, total_files_generated, total_lines_generated, duration_ms,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.ProjectID, p.Name, p.Prompt, string(p.Status),
		p.TotalChunks, p.CompletedChunks, p.FailedChunks, p.CurrentChunkID,
		p.Config.Parallelism, boolToInt(p.Config.StopOnError), boolToInt(p.Config.AutoRetry), p.Config.MaxContextTokens,
		p.Stats.TotalTokensUsed, p.Stats.TotalFilesGenerated, p.Stats.TotalLinesGenerated, p.Stats.DurationMs,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt), toMillis(p.StartedAt), toMillis(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline loads one pipeline record.
func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	p := &pipeline.Pipeline{}
	var status string
	var stopOnError, autoRetry int
	var createdAt, updatedAt, startedAt, completedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, prompt, status,
			total_chunks, completed_chunks, failed_chunks, current_chunk_id,
			parallelism, stop_on_error, auto_retry, max_context_tokens,
			total_tokens_used, total_files_generated, total_lines_generated, duration_ms,
			created_at, updated_at, started_at, completed_at
		FROM pipelines
		WHERE id = ?
	`, id).Scan(
		&p.ID, &p.ProjectID, &p.Name, &p.Prompt, &status,
		&p.TotalChunks, &p.CompletedChunks, &p.FailedChunks, &p.CurrentChunkID,
		&p.Config.Parallelism, &stopOnError, &autoRetry, &p.Config.MaxContextTokens,
		&p.Stats.TotalTokensUsed, &p.Stats.TotalFilesGenerated, &p.Stats.TotalLinesGenerated, &p.Stats.DurationMs,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline: %w", err)
	}

	p.Status = pipeline.PipelineStatus(status)
	p.Config.StopOnError = stopOnError != 0
	p.Config.AutoRetry = autoRetry != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	p.StartedAt = fromMillis(startedAt)
	p.CompletedAt = fromMillis(completedAt)
	return p, nil
}

// UpdatePipeline overwrites the mutable fields of a pipeline record.
func (s *SQLiteStore) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET
			status = ?,
			total_chunks = ?, completed_chunks = ?, failed_chunks = ?, current_chunk_id = ?,
			parallelism = ?, stop_on_error = ?, auto_retry = ?, max_context_tokens = ?,
			total_tokens_used = ?, total_files_generated = ?, total_lines_generated = ?, duration_ms = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(p.Status),
		p.TotalChunks, p.CompletedChunks, p.FailedChunks, p.CurrentChunkID,
		p.Config.Parallelism, boolToInt(p.Config.StopOnError), boolToInt(p.Config.AutoRetry), p.Config.MaxContextTokens,
		p.Stats.TotalTokensUsed, p.Stats.TotalFilesGenerated, p.Stats.TotalLinesGenerated, p.Stats.DurationMs,
		toMillis(p.UpdatedAt), toMillis(p.StartedAt), toMillis(p.CompletedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pipeline not found: %s", p.ID)
	}
	return nil
}

// CreateChunk inserts a chunk and its dependency edges in one transaction.
func (s *SQLiteStore) CreateChunk(ctx context.Context, c *pipeline.Chunk) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (
			id, pipeline_id, project_id, title, type, prompt, targets,
			status, retry_count, max_retries,
			files_created, files_modified, errors,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.PipelineID, c.ProjectID, c.Title, c.Type, c.Prompt, joinPaths(c.Targets),
		string(c.Status), c.RetryCount, c.MaxRetries,
		joinPaths(c.FilesCreated), joinPaths(c.FilesModified), joinErrors(c.Errors),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	for _, depID := range c.DependsOn {
		// The scheduler creates chunks in topological order, so every
		// dependency row must already exist.
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency chunk %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunk_dependencies (chunk_id, depends_on_id)
			VALUES (?, ?)
		`, c.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", c.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const chunkColumns = `id, pipeline_id, project_id, title, type, prompt, targets,
	status, retry_count, max_retries, files_created, files_modified, errors,
	created_at, updated_at`

func (s *SQLiteStore) scanChunk(ctx context.Context, row interface {
	Scan(dest ...any) error
}) (*pipeline.Chunk, error) {
	c := &pipeline.Chunk{}
	var status, targets, filesCreated, filesModified, errorsStr string
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.ID, &c.PipelineID, &c.ProjectID, &c.Title, &c.Type, &c.Prompt, &targets,
		&status, &c.RetryCount, &c.MaxRetries, &filesCreated, &filesModified, &errorsStr,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = pipeline.ChunkStatus(status)
	c.Targets = splitPaths(targets)
	c.FilesCreated = splitPaths(filesCreated)
	c.FilesModified = splitPaths(filesModified)
	c.Errors = splitErrors(errorsStr)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)

	// Load dependency edges.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM chunk_dependencies
		WHERE chunk_id = ?
	`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for chunk %s: %w", c.ID, err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var depID string
		if err := depRows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		c.DependsOn = append(c.DependsOn, depID)
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return c, nil
}

// GetChunk loads one chunk with its dependencies.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*pipeline.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := s.scanChunk(ctx, row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]*pipeline.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	// Fetch full rows one by one to keep the dependency subquery off the
	// primary result set (only two connections are available).
	chunks := make([]*pipeline.Chunk, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// GetPipelineChunks returns all chunks of a pipeline in creation order.
func (s *SQLiteStore) GetPipelineChunks(ctx context.Context, pipelineID string) ([]*pipeline.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT id FROM chunks
		WHERE pipeline_id = ?
		ORDER BY rowid
	`, pipelineID)
}

// readyChunkQuery selects pending chunks whose every dependency is
// completed, in creation (rowid) order.
const readyChunkQuery = `
	SELECT c.id FROM chunks c
	WHERE c.pipeline_id = ? AND c.status = 'pending'
	AND NOT EXISTS (
		SELECT 1 FROM chunk_dependencies d
		JOIN chunks dep ON dep.id = d.depends_on_id
		WHERE d.chunk_id = c.id AND dep.status != 'completed'
	)
	ORDER BY c.rowid
	LIMIT ?`

// GetNextPendingChunk returns the first ready chunk or nil when none.
func (s *SQLiteStore) GetNextPendingChunk(ctx context.Context, pipelineID string) (*pipeline.Chunk, error) {
	chunks, err := s.queryChunks(ctx, readyChunkQuery, pipelineID, 1)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// GetParallelReadyChunks returns up to limit ready chunks in creation order.
func (s *SQLiteStore) GetParallelReadyChunks(ctx context.Context, pipelineID string, limit int) ([]*pipeline.Chunk, error) {
	return s.queryChunks(ctx, readyChunkQuery, pipelineID, limit)
}

// UpdateChunkStatus sets the status and applies the update. File lists
// replace the stored values when non-nil; errors are appended.
func (s *SQLiteStore) UpdateChunkStatus(ctx context.Context, chunkID string, status pipeline.ChunkStatus, update pipeline.ChunkUpdate) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var filesCreated, filesModified, errorsStr string
	err = tx.QueryRowContext(ctx, `
		SELECT files_created, files_modified, errors FROM chunks WHERE id = ?
	`, chunkID).Scan(&filesCreated, &filesModified, &errorsStr)
	if err == sql.ErrNoRows {
		return fmt.Errorf("chunk not found: %s", chunkID)
	}
	if err != nil {
		return fmt.Errorf("failed to query chunk: %w", err)
	}

	if update.FilesCreated != nil {
		filesCreated = joinPaths(update.FilesCreated)
	}
	if update.FilesModified != nil {
		filesModified = joinPaths(update.FilesModified)
	}
	if len(update.Errors) > 0 {
		existing := splitErrors(errorsStr)
		errorsStr = joinErrors(append(existing, update.Errors...))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chunks
		SET status = ?, files_created = ?, files_modified = ?, errors = ?, updated_at = ?
		WHERE id = ?
	`, string(status), filesCreated, filesModified, errorsStr, time.Now().UnixMilli(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to update chunk status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IncrementRetry bumps the chunk's retry counter.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UnixMilli(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chunk not found: %s", chunkID)
	}
	return nil
}
