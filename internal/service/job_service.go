package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"trackvault/internal/domain"
	"trackvault/internal/repository"
)

// JobService coordinates job-record operations backed by the repository.
// The live download aggregate belongs to the downloader; this service only
// maintains the persisted operational view.
type JobService interface {
	CreateJob(ctx context.Context, item domain.Item, destinationPath string) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errCategory, errMessage string, failedChunk int) error
	UpdatePlan(ctx context.Context, id string, totalSize int64, totalChunks int) error
	UpdateProgress(ctx context.Context, id string, completedChunks int) error
	MarkCompleted(ctx context.Context, id string) error
	SetArchiveLocation(ctx context.Context, id, location string) error
	DeleteJob(ctx context.Context, id string) error
}

type jobService struct {
	jobs repository.JobRepository
}

func NewJobService(jobs repository.JobRepository) JobService {
	return &jobService{jobs: jobs}
}

func (s *jobService) CreateJob(ctx context.Context, item domain.Item, destinationPath string) (*domain.Job, error) {
	if item.ID == "" {
		return nil, errors.New("item id is required")
	}
	if destinationPath == "" {
		return nil, errors.New("destination path is required")
	}
	if item.SourceKind == "" {
		item.SourceKind = domain.SourceKindManual
	}

	job := &domain.Job{
		ID:              uuid.NewString(),
		Item:            item,
		Status:          domain.JobStatusPending,
		DestinationPath: destinationPath,
		FailedChunk:     -1,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *jobService) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.jobs.List(ctx)
}

func (s *jobService) ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	return s.jobs.ListByStatuses(ctx, statuses...)
}

func (s *jobService) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errCategory, errMessage string, failedChunk int) error {
	return s.jobs.UpdateStatus(ctx, id, status, errCategory, errMessage, failedChunk)
}

func (s *jobService) UpdatePlan(ctx context.Context, id string, totalSize int64, totalChunks int) error {
	return s.jobs.UpdatePlan(ctx, id, totalSize, totalChunks)
}

func (s *jobService) UpdateProgress(ctx context.Context, id string, completedChunks int) error {
	return s.jobs.UpdateProgress(ctx, id, completedChunks)
}

func (s *jobService) MarkCompleted(ctx context.Context, id string) error {
	return s.jobs.MarkCompleted(ctx, id, time.Now())
}

func (s *jobService) SetArchiveLocation(ctx context.Context, id, location string) error {
	return s.jobs.SetArchiveLocation(ctx, id, location)
}

func (s *jobService) DeleteJob(ctx context.Context, id string) error {
	return s.jobs.Delete(ctx, id)
}
