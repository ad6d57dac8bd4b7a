package schedule

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/willowmind/BookPipe/internal/store"
)

// Scheduler defaults.
const (
	// DefaultPromotionHorizon is how far ahead a job may run and still be
	// handed to the fast dispatch layer directly.
	DefaultPromotionHorizon = time.Hour
	// DefaultMaxAttempts is used when the caller does not set one.
	DefaultMaxAttempts = 3
)

// SkipReasonDuplicate is reported when an enqueue collapsed into an existing
// outstanding job carrying the same dedupe key.
const SkipReasonDuplicate = "duplicate"

// EnqueueOptions tunes a single enqueue. Zero values apply the defaults:
// run now, priority 0, DefaultMaxAttempts.
type EnqueueOptions struct {
	RunAt       time.Time
	Priority    int
	MaxAttempts int
}

// EnqueueResult reports the outcome of an enqueue. Skipped means an identical
// job was already pending and nothing was inserted; this is expected
// behavior, not an error.
type EnqueueResult struct {
	Job     *store.Job
	Skipped bool
	Reason  string
}

// Scheduler is the scheduling API surface exposed to callers. It persists
// every job durably first, then opportunistically hands near-term work to the
// fast dispatcher. Persistence failure is the only enqueue-time hard error;
// dispatch problems degrade to deferred execution via the promotion scan.
type Scheduler struct {
	jobs       store.JobRepo
	dispatcher *Dispatcher
	horizon    time.Duration
}

// NewScheduler creates a Scheduler on top of the durable job repo and the
// fast dispatcher.
func NewScheduler(jobs store.JobRepo, dispatcher *Dispatcher) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		dispatcher: dispatcher,
		horizon:    DefaultPromotionHorizon,
	}
}

// Enqueue persists a job for the given kind and payload. The payload is
// marshaled to JSON and also determines the dedupe key: submitting an
// identical (kind, payload) while one is outstanding (pending or promoted)
// returns Skipped=true without inserting a duplicate. A job that is already
// executing does not suppress a new submission, so a handler can enqueue its
// own successor mid-run.
func (s *Scheduler) Enqueue(kind string, payload interface{}, opts EnqueueOptions) (EnqueueResult, error) {
	payloadJSON := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("marshal payload for %s: %w", kind, err)
		}
		payloadJSON = string(data)
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	dedupeKey := DedupeKey(kind, payloadJSON)
	job, skipped, err := s.jobs.EnqueueJob(kind, payloadJSON, dedupeKey, runAt, opts.Priority, maxAttempts)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if skipped {
		slog.Info("Scheduler.Enqueue: duplicate submission skipped", "kind", kind, "existingID", job.ID)
		return EnqueueResult{Job: job, Skipped: true, Reason: SkipReasonDuplicate}, nil
	}

	s.submitForNearTermExecution(job)
	return EnqueueResult{Job: job}, nil
}

// submitForNearTermExecution hands the job to the fast dispatcher when it is
// due within the promotion horizon. Any degradation here leaves the pending
// record for the promotion scan; it is never a job failure.
func (s *Scheduler) submitForNearTermExecution(job *store.Job) {
	if s.dispatcher == nil || !s.dispatcher.Running() {
		slog.Debug("Scheduler.submitForNearTermExecution: dispatcher unavailable, deferring", "id", job.ID)
		return
	}
	if time.Until(job.RunAt) > s.horizon {
		return
	}

	promoted, err := s.jobs.PromoteJob(job.ID)
	if err != nil {
		slog.Warn("Scheduler.submitForNearTermExecution: promote failed, deferring to scan", "id", job.ID, "error", err)
		return
	}
	if !promoted {
		return
	}
	job.Status = store.JobStatusPromoted
	if !s.dispatcher.Submit(*job) {
		// Timer not armed; the promoted record goes stale and the requeue
		// scan reclaims it.
		slog.Warn("Scheduler.submitForNearTermExecution: dispatch degraded", "id", job.ID)
	}
}

// Cancel cancels the outstanding job matching (kind, payload), if any.
// The durable status transition is the real guard; an already-armed timer
// notices the cancelled status before executing.
func (s *Scheduler) Cancel(kind string, payload interface{}) (bool, error) {
	payloadJSON := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("marshal payload for %s: %w", kind, err)
		}
		payloadJSON = string(data)
	}

	dedupeKey := DedupeKey(kind, payloadJSON)
	job, err := s.jobs.GetActiveJobByDedupeKey(dedupeKey)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	cancelled, err := s.jobs.CancelJobByDedupeKey(dedupeKey)
	if err != nil {
		return false, err
	}
	if cancelled && s.dispatcher != nil {
		s.dispatcher.CancelTimer(job.ID)
	}
	if cancelled {
		slog.Info("Scheduler.Cancel: job cancelled", "kind", kind, "id", job.ID)
	}
	return cancelled, nil
}

// Horizon returns the promotion horizon in use.
func (s *Scheduler) Horizon() time.Duration {
	return s.horizon
}
