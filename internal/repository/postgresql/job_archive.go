package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelgen-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// JobArchive persists terminal jobs for inspection across restarts. The
// in-memory store stays authoritative for the live job; this table only
// ever sees done/error records.
type JobArchive struct {
	pool *pgxpool.Pool
}

func NewJobArchive(pool *pgxpool.Pool) *JobArchive {
	return &JobArchive{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id             UUID PRIMARY KEY,
    state          TEXT NOT NULL,
    prompt         TEXT NOT NULL DEFAULT '',
    script         TEXT NOT NULL DEFAULT '',
    error_cause    TEXT,
    error_message  TEXT,
    exported_files TEXT[] NOT NULL DEFAULT '{}',
    preview_name   TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the archive table when missing.
func (r *JobArchive) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *JobArchive) Archive(ctx context.Context, job *entity.Job) error {
	const q = `
INSERT INTO generation_jobs (id, state, prompt, script, error_cause, error_message, exported_files, preview_name, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    error_cause = EXCLUDED.error_cause,
    error_message = EXCLUDED.error_message,
    exported_files = EXCLUDED.exported_files,
    preview_name = EXCLUDED.preview_name,
    finished_at = EXCLUDED.finished_at;
`
	var cause, message *string
	if job.Error != nil {
		c := string(job.Error.Cause)
		m := job.Error.Message
		cause, message = &c, &m
	}
	files := job.ExportedFiles
	if files == nil {
		files = []string{}
	}

	_, err := r.pool.Exec(ctx, q,
		job.ID,
		string(job.State),
		job.Prompt,
		job.Script,
		cause,
		message,
		files,
		job.PreviewName,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (r *JobArchive) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, state, prompt, script, error_cause, error_message, exported_files, preview_name, created_at, finished_at
FROM generation_jobs
WHERE id = $1;
`
	var (
		job        entity.Job
		stateText  string
		cause      *string
		message    *string
		finishedAt time.Time
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&stateText,
		&job.Prompt,
		&job.Script,
		&cause,
		&message,
		&job.ExportedFiles,
		&job.PreviewName,
		&job.CreatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.State = entity.JobState(stateText)
	if cause != nil {
		job.Error = &entity.FailureInfo{Cause: entity.FailureCause(*cause)}
		if message != nil {
			job.Error.Message = *message
		}
	}
	job.UpdatedAt = finishedAt

	return &job, nil
}
