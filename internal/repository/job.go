package repository

import (
	"context"
	"time"

	"trackvault/internal/domain"
)

// JobRepository exposes persistence operations for job records.
type JobRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job *domain.Job) error
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errCategory, errMessage string, failedChunk int) error
	UpdatePlan(ctx context.Context, id string, totalSize int64, totalChunks int) error
	UpdateProgress(ctx context.Context, id string, completedChunks int) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	SetArchiveLocation(ctx context.Context, id string, location string) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error)
	Delete(ctx context.Context, id string) error
}

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}
