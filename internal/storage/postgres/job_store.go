// Package postgres provides the Postgres-backed job store. It is the
// substitutable durable backend; the memory store remains the default.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/puretext/puretext/internal/check"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs in a Postgres table. It enforces the same status
// graph and progress monotonicity as the memory store, with compare-and-
// swap updates so concurrent stage handlers cannot race each other past
// an illegal transition.
type JobStore struct {
	pool  querier
	table string
	clock check.Clock
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, clock check.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobs.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "check_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, table: table, clock: clock}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing with pgxmock).
func NewJobStoreWithPool(pool querier, table string, clock check.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "check_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job check.Job) error {
	if job.Status != check.StatusCreated {
		return fmt.Errorf("new job must be %q, got %q: %w",
			check.StatusCreated, job.Status, check.ErrIllegalTransition)
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, progress, content, phrases, sources, result, error_text, archive_uri, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.Progress, job.Content,
		mustJSON(job.Phrases), mustJSON(job.Sources), nil,
		job.ErrorText, job.ArchiveURI, now, now,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns the stored job.
func (s *JobStore) Get(ctx context.Context, jobID string) (check.Job, error) {
	query := fmt.Sprintf(`
SELECT id, status, progress, content, phrases, sources, result, error_text, archive_uri, created_at, updated_at
FROM %s WHERE id = $1`, s.table)

	var (
		job                      check.Job
		status                   string
		phrases, sources, result []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &status, &job.Progress, &job.Content,
		&phrases, &sources, &result,
		&job.ErrorText, &job.ArchiveURI, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return check.Job{}, check.ErrNotFound
	}
	if err != nil {
		return check.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = check.Status(status)
	if err := fromJSON(phrases, &job.Phrases); err != nil {
		return check.Job{}, fmt.Errorf("decode phrases: %w", err)
	}
	if err := fromJSON(sources, &job.Sources); err != nil {
		return check.Job{}, fmt.Errorf("decode sources: %w", err)
	}
	if len(result) > 0 {
		job.Result = &check.Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return check.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return job, nil
}

// Advance moves the job along the status graph with a compare-and-swap on
// the previous status and progress.
func (s *JobStore) Advance(ctx context.Context, jobID string, status check.Status, progress int) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	sameRun := current.Status == status && !current.Status.IsTerminal()
	if !check.CanTransition(current.Status, status) && !sameRun {
		return fmt.Errorf("%s -> %s: %w", current.Status, status, check.ErrIllegalTransition)
	}
	restart := current.Status == check.StatusAnalyzed && status == check.StatusProcessing
	if progress < current.Progress && !restart {
		return fmt.Errorf("progress %d -> %d: %w", current.Progress, progress, check.ErrIllegalTransition)
	}

	query := fmt.Sprintf(`
UPDATE %s SET status = $1, progress = $2, updated_at = $3
WHERE id = $4 AND status = $5 AND progress = $6`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(status), progress, s.clock.Now(),
		jobID, string(current.Status), current.Progress,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s moved concurrently: %w", jobID, check.ErrIllegalTransition)
	}
	return nil
}

// AttachPhrases records the extracted search phrases.
func (s *JobStore) AttachPhrases(ctx context.Context, jobID string, phrases []string) error {
	query := fmt.Sprintf(`
UPDATE %s SET phrases = $1, updated_at = $2
WHERE id = $3 AND status NOT IN ('completed', 'failed')`, s.table)
	return s.execLive(ctx, jobID, query, mustJSON(phrases), s.clock.Now(), jobID)
}

// AttachSources records the acquired sources.
func (s *JobStore) AttachSources(ctx context.Context, jobID string, sources []check.Source) error {
	query := fmt.Sprintf(`
UPDATE %s SET sources = $1, updated_at = $2
WHERE id = $3 AND status NOT IN ('completed', 'failed')`, s.table)
	return s.execLive(ctx, jobID, query, mustJSON(sources), s.clock.Now(), jobID)
}

// SetArchiveURI records where the evidence bundle was archived.
func (s *JobStore) SetArchiveURI(ctx context.Context, jobID string, uri string) error {
	query := fmt.Sprintf(`
UPDATE %s SET archive_uri = $1, updated_at = $2
WHERE id = $3 AND status NOT IN ('completed', 'failed')`, s.table)
	return s.execLive(ctx, jobID, query, uri, s.clock.Now(), jobID)
}

// Complete stores the result and finishes the job.
func (s *JobStore) Complete(ctx context.Context, jobID string, result check.Result) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'completed', progress = 100, result = $1, error_text = '', updated_at = $2
WHERE id = $3 AND status = 'processing'`, s.table)
	return s.execLive(ctx, jobID, query, mustJSON(result), s.clock.Now(), jobID)
}

// Fail finishes the job with an error message.
func (s *JobStore) Fail(ctx context.Context, jobID string, reason string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'failed', result = NULL, error_text = $1, updated_at = $2
WHERE id = $3 AND status NOT IN ('completed', 'failed')`, s.table)
	return s.execLive(ctx, jobID, query, reason, s.clock.Now(), jobID)
}

// Sweep removes terminal jobs untouched for longer than maxAge.
func (s *JobStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	query := fmt.Sprintf(`
DELETE FROM %s WHERE status IN ('completed', 'failed') AND updated_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// execLive runs an update that only applies to non-terminal rows, then
// distinguishes a missing job from an illegal late mutation.
func (s *JobStore) execLive(ctx context.Context, jobID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s is terminal or in the wrong state: %w", jobID, check.ErrIllegalTransition)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All inputs are plain structs and slices; marshal cannot fail.
		panic(err)
	}
	return data
}

func fromJSON[T any](data []byte, dst *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
