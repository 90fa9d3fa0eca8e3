package domain

import "time"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSkipped, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the persisted record of a single download attempt. The live
// aggregate (manifest, chunk bookkeeping, abort signal) is owned by the
// coordinator for the job's lifetime; this row is the operational view
// served by the API.
type Job struct {
	ID              string
	Item            Item
	Status          JobStatus
	DestinationPath string
	TotalSize       int64
	TotalChunks     int
	CompletedChunks int
	FailedChunk     int
	ErrorCategory   string
	ErrorMessage    string
	ArchiveLocation string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// JobEventKind labels coordinator notifications.
type JobEventKind string

const (
	JobEventStarted   JobEventKind = "started"
	JobEventSkipped   JobEventKind = "skipped"
	JobEventProgress  JobEventKind = "progress"
	JobEventCompleted JobEventKind = "completed"
	JobEventFailed    JobEventKind = "failed"
	JobEventCancelled JobEventKind = "cancelled"
)

// JobEvent is posted by the coordinator onto its events channel whenever a
// job changes state, so interested layers react without being called from
// worker goroutines.
type JobEvent struct {
	Kind            JobEventKind
	JobID           string
	ItemID          string
	CompletedChunks int
	TotalChunks     int
	Err             error
}
