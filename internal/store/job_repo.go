// Package store provides the JobRepo interface and model for durable job scheduling.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending means the job waits in the durable store for promotion.
	JobStatusPending JobStatus = "pending"
	// JobStatusPromoted means the job has been handed to the fast dispatch
	// layer for near-term execution.
	JobStatusPromoted JobStatus = "promoted"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "completed"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends the job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job represents a durable job record. The record, not the in-memory timer
// holding it, is the authority on whether the work still needs to run.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	Priority    int        `json:"priority"` // higher runs sooner among equal-time jobs
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new pending job. If dedupeKey is non-empty and an
	// outstanding (pending or promoted) job with that key already exists, the
	// existing job is returned with skipped=true and nothing is inserted. A
	// partial unique index backs the check, so a concurrent identical
	// submission also collapses to skipped instead of inserting twice. A job
	// that is already executing does not hold the key: that is what lets a
	// handler enqueue its own successor.
	EnqueueJob(kind string, payloadJSON string, dedupeKey string, runAt time.Time, priority, maxAttempts int) (*Job, bool, error)

	// PromoteDueJobs marks up to limit pending jobs whose run_at falls at or
	// before horizon as promoted and returns them, ordered by priority
	// descending then run_at ascending.
	PromoteDueJobs(horizon time.Time, limit int) ([]Job, error)

	// PromoteJob transitions a single pending job to promoted. Returns false
	// without mutation if the job is no longer pending.
	PromoteJob(id string) (bool, error)

	// MarkJobRunning transitions a promoted job to running. Returns false
	// without mutation if the job is no longer promoted (e.g. cancelled or
	// already claimed by another worker).
	MarkJobRunning(id string) (bool, error)

	// CompleteJob marks a job as completed.
	CompleteJob(id string) error

	// FailJob records a failed attempt. If attempts remain the job returns to
	// pending with run_at = nextRunAt; otherwise it is marked failed
	// terminally.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// FailJobPermanently marks a job failed regardless of remaining attempts.
	// Used for data-integrity failures that no retry can heal.
	FailJobPermanently(id string, errMsg string) error

	// CancelJob marks a job as cancelled.
	CancelJob(id string) error

	// CancelJobByDedupeKey cancels the non-terminal job carrying the given
	// dedupe key, if any. Returns true if a job was cancelled.
	CancelJobByDedupeKey(dedupeKey string) (bool, error)

	// RequeueStaleJobs resets promoted or running jobs whose lock is older
	// than staleBefore and whose run_at has passed back to pending (crash
	// recovery). A stale job superseded by a newer outstanding job with the
	// same dedupe key is failed instead of requeued.
	RequeueStaleJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID. Returns nil if not found.
	GetJob(id string) (*Job, error)

	// GetActiveJobByDedupeKey retrieves the outstanding (pending or promoted)
	// job carrying the given dedupe key. Returns nil if none exists.
	GetActiveJobByDedupeKey(dedupeKey string) (*Job, error)
}
