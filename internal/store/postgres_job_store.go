package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS thumbnail_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	raw_file_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	upload_url TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	options JSONB NOT NULL,
	result JSONB NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	pixels_decoded BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure thumbnail_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.ThumbnailJob) error {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO thumbnail_jobs
		 (id, status, source, raw_file_url, object_key, upload_url, webhook_url, options, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		job.Status,
		job.Source,
		job.RawFileURL,
		job.ObjectKey,
		job.UploadURL,
		job.WebhookURL,
		optionsJSON,
		resultJSON,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thumbnail job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.ThumbnailJob, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, source, raw_file_url, object_key, upload_url, webhook_url, options, result, error, created_at, updated_at
		 FROM thumbnail_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		job         domain.ThumbnailJob
		optionsJSON []byte
		resultJSON  []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Source,
		&job.RawFileURL,
		&job.ObjectKey,
		&job.UploadURL,
		&job.WebhookURL,
		&optionsJSON,
		&resultJSON,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.ThumbnailJob{}, false, nil
		}
		return domain.ThumbnailJob{}, false, fmt.Errorf("query thumbnail job: %w", err)
	}

	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return domain.ThumbnailJob{}, false, fmt.Errorf("unmarshal job options: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
		return domain.ThumbnailJob{}, false, fmt.Errorf("unmarshal job result: %w", err)
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.ThumbnailJob, error) {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE thumbnail_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.ThumbnailJob{}, fmt.Errorf("update job status: %w", err)
	}
	return s.mustGet(ctx, id)
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id, message string) (domain.ThumbnailJob, error) {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE thumbnail_jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		domain.JobStatusFailed,
		message,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.ThumbnailJob{}, fmt.Errorf("mark job failed: %w", err)
	}
	return s.mustGet(ctx, id)
}

func (s *PostgresJobStore) SetResult(ctx context.Context, id string, result domain.JobResult) (domain.ThumbnailJob, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return domain.ThumbnailJob{}, fmt.Errorf("marshal job result: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE thumbnail_jobs SET status = $1, result = $2, error = '', updated_at = $3 WHERE id = $4`,
		domain.JobStatusSucceeded,
		resultJSON,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.ThumbnailJob{}, fmt.Errorf("set job result: %w", err)
	}
	return s.mustGet(ctx, id)
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (job_id, pixels_decoded, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		usage.JobID,
		usage.PixelsDecoded,
		usage.OutputBytes,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) mustGet(ctx context.Context, id string) (domain.ThumbnailJob, error) {
	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.ThumbnailJob{}, err
	}
	if !ok {
		return domain.ThumbnailJob{}, ErrJobNotFound
	}
	return job, nil
}
