package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackvault/internal/domain"
	"trackvault/internal/repository"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	source_label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	destination_path TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	completed_chunks INTEGER NOT NULL DEFAULT 0,
	failed_chunk INTEGER NOT NULL DEFAULT -1,
	error_category TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_item ON jobs(item_id)`); err != nil {
		return fmt.Errorf("create jobs item index: %w", err)
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, item_id, source_kind, source_id, source_label, status, destination_path, total_size, total_chunks, completed_chunks, failed_chunk, error_category, error_message, archive_location, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Item.ID,
		string(job.Item.SourceKind),
		job.Item.SourceID,
		job.Item.SourceLabel,
		string(job.Status),
		job.DestinationPath,
		job.TotalSize,
		job.TotalChunks,
		job.CompletedChunks,
		job.FailedChunk,
		job.ErrorCategory,
		job.ErrorMessage,
		job.ArchiveLocation,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errCategory, errMessage string, failedChunk int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, error_category=?, error_message=?, failed_chunk=?, updated_at=?
WHERE id=?`,
		string(status),
		errCategory,
		errMessage,
		failedChunk,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (r *JobRepository) UpdatePlan(ctx context.Context, id string, totalSize int64, totalChunks int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET total_size=?, total_chunks=?, updated_at=?
WHERE id=?`,
		totalSize,
		totalChunks,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update job plan: %w", err)
	}
	return nil
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id string, completedChunks int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET completed_chunks=?, updated_at=?
WHERE id=?`,
		completedChunks,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, completed_chunks=total_chunks, completed_at=?, updated_at=?
WHERE id=?`,
		string(domain.JobStatusCompleted),
		completedAt.UTC(),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

func (r *JobRepository) SetArchiveLocation(ctx context.Context, id string, location string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET archive_location=?, updated_at=?
WHERE id=?`,
		location,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("set job archive location: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJobColumns+`WHERE id=?`, id)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, selectJobColumns+`ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *JobRepository) ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return []domain.Job{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := selectJobColumns + fmt.Sprintf(`WHERE status IN (%s) ORDER BY created_at ASC`, strings.Join(placeholders, ","))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("job %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

const selectJobColumns = `
SELECT id, item_id, source_kind, source_id, source_label, status, destination_path, total_size, total_chunks, completed_chunks, failed_chunk, error_category, error_message, archive_location, created_at, updated_at, completed_at
FROM jobs
`

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		job         domain.Job
		sourceKind  string
		status      string
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.Item.ID,
		&sourceKind,
		&job.Item.SourceID,
		&job.Item.SourceLabel,
		&status,
		&job.DestinationPath,
		&job.TotalSize,
		&job.TotalChunks,
		&job.CompletedChunks,
		&job.FailedChunk,
		&job.ErrorCategory,
		&job.ErrorMessage,
		&job.ArchiveLocation,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Item.SourceKind = domain.SourceKind(sourceKind)
	job.Status = domain.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
