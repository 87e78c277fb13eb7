package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"murmur/internal/model"
)

// Postgres mirrors job records into the transcription_jobs table.
type Postgres struct {
	DB *sql.DB
}

// OpenPostgres opens a pooled handle using the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

const upsertJob = `
INSERT INTO transcription_jobs (
    id, status, progress, created_at, started_at, completed_at,
    input_name, input_format, input_bytes, model, language, output_formats,
    result, error, attempts, cancel_requested
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    progress = EXCLUDED.progress,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    result = EXCLUDED.result,
    error = EXCLUDED.error,
    attempts = EXCLUDED.attempts,
    cancel_requested = EXCLUDED.cancel_requested`

const selectJobs = `
SELECT id, status, progress, created_at, started_at, completed_at,
       input_name, input_format, input_bytes, model, language, output_formats,
       result, error, attempts, cancel_requested
FROM transcription_jobs
ORDER BY created_at, id`

// Save upserts the record of job.
func (p *Postgres) Save(ctx context.Context, job model.Job) error {
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	outputs, err := json.Marshal(job.Options.OutputFormats)
	if err != nil {
		return err
	}
	result, err := nullJSON(job.Result)
	if err != nil {
		return err
	}
	jobErr, err := nullJSON(job.Error)
	if err != nil {
		return err
	}

	_, err = p.DB.ExecContext(ctx, upsertJob,
		id, string(job.Status), job.Progress, job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.Input.Name, job.Input.DeclaredFormat, job.Input.Bytes, job.Options.Model, job.Options.Language, string(outputs),
		result, jobErr, job.Attempts, job.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes the record of id. Missing rows are not an error.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM transcription_jobs WHERE id = $1`, uid); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored record ordered by creation time.
func (p *Postgres) LoadAll(ctx context.Context) ([]model.Job, error) {
	rows, err := p.DB.QueryContext(ctx, selectJobs)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var (
			job         model.Job
			id          uuid.UUID
			status      string
			startedAt   sql.NullTime
			completedAt sql.NullTime
			outputs     []byte
			result      pqtype.NullRawMessage
			jobErr      pqtype.NullRawMessage
		)
		if err := rows.Scan(
			&id, &status, &job.Progress, &job.CreatedAt, &startedAt, &completedAt,
			&job.Input.Name, &job.Input.DeclaredFormat, &job.Input.Bytes, &job.Options.Model, &job.Options.Language, &outputs,
			&result, &jobErr, &job.Attempts, &job.CancelRequested,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		job.ID = id.String()
		job.Status = model.Status(status)
		job.CreatedAt = job.CreatedAt.UTC()
		if startedAt.Valid {
			t := startedAt.Time.UTC()
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			job.CompletedAt = &t
		}
		if err := json.Unmarshal(outputs, &job.Options.OutputFormats); err != nil {
			return nil, fmt.Errorf("decode output formats of %s: %w", job.ID, err)
		}
		if result.Valid {
			job.Result = &model.Result{}
			if err := json.Unmarshal(result.RawMessage, job.Result); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", job.ID, err)
			}
		}
		if jobErr.Valid {
			job.Error = &model.Error{}
			if err := json.Unmarshal(jobErr.RawMessage, job.Error); err != nil {
				return nil, fmt.Errorf("decode error of %s: %w", job.ID, err)
			}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks connectivity for the deep health check.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}

func nullJSON[T any](v *T) (pqtype.NullRawMessage, error) {
	if v == nil {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
