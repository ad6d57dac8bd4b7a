package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/willowmind/BookPipe/internal/util"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueJob(kind string, payloadJSON string, dedupeKey string, runAt time.Time, priority, maxAttempts int) (*Job, bool, error) {
	now := time.Now()

	if dedupeKey != "" {
		existing, err := s.GetActiveJobByDedupeKey(dedupeKey)
		if err != nil {
			return nil, false, fmt.Errorf("dedupe check failed: %w", err)
		}
		if existing != nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing.ID)
			return existing, true, nil
		}
	}

	job := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		Priority:    priority,
		PayloadJSON: payloadJSON,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, priority, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $9)`,
		job.ID, kind, runAt, priority, payloadJSON, maxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		// Lost a race with a concurrent identical submission: the partial
		// unique index on outstanding dedupe keys rejected the insert.
		if dedupeKey != "" && isUniqueViolation(err) {
			existing, lookupErr := s.GetActiveJobByDedupeKey(dedupeKey)
			if lookupErr == nil && existing != nil {
				slog.Debug("PostgresStore.EnqueueJob: dedupe race", "dedupeKey", dedupeKey, "existingID", existing.ID)
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", job.ID, "kind", kind, "runAt", runAt, "priority", priority)
	return job, false, nil
}

func (s *PostgresStore) PromoteDueJobs(horizon time.Time, limit int) ([]Job, error) {
	now := time.Now()
	rows, err := s.db.Query(
		`UPDATE jobs SET status = 'promoted', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'pending' AND run_at <= $2
		   ORDER BY priority DESC, run_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, horizon, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("promote due jobs failed: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) PromoteJob(id string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'promoted', locked_at = $1, updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("promote job failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) MarkJobRunning(id string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1 WHERE id = $2 AND status = 'promoted'`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark job running failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'completed', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = $1`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'failed', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'pending', attempt = $1, last_error = $2, run_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempt, errMsg, nextRunAt, now, id,
		)
		// An outstanding job with the same dedupe key was enqueued while this
		// one ran; the retry is redundant.
		if isUniqueViolation(err) {
			_, err = s.db.Exec(
				`UPDATE jobs SET status = 'failed', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
				attempt, errMsg+" (superseded by a newer job with the same dedupe key)", now, id,
			)
		}
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJobPermanently(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job permanently failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'cancelled', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJobByDedupeKey(dedupeKey string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'cancelled', locked_at = NULL, updated_at = $1
		 WHERE dedupe_key = $2 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		now, dedupeKey,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job by dedupe key failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.CancelJobByDedupeKey", "dedupeKey", dedupeKey, "cancelled", n)
	}
	return n > 0, nil
}

func (s *PostgresStore) RequeueStaleJobs(staleBefore time.Time) (int, error) {
	now := time.Now()

	// A stale running job whose dedupe key already has an outstanding
	// successor was superseded mid-run; requeueing it would collide with the
	// successor on the dedupe index.
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', last_error = 'superseded by a newer job with the same dedupe key', locked_at = NULL, updated_at = $1
		 WHERE status = 'running' AND locked_at < $2 AND dedupe_key IS NOT NULL
		   AND EXISTS (SELECT 1 FROM jobs AS newer WHERE newer.dedupe_key = jobs.dedupe_key
		               AND newer.id != jobs.id AND newer.status IN ('pending', 'promoted'))`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("fail superseded stale jobs failed: %w", err)
	}

	// Promoted jobs not yet due still have a live timer under a healthy
	// process; only reclaim once run_at has passed.
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = $1
		 WHERE status IN ('promoted', 'running') AND locked_at < $2 AND run_at <= $3`,
		now, staleBefore, now,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) GetActiveJobByDedupeKey(dedupeKey string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE dedupe_key = $1 AND status IN ('pending', 'promoted')`,
		dedupeKey,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job by dedupe key failed: %w", err)
	}
	return &j, nil
}
