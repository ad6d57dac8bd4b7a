package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/willowmind/BookPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a unique constraint violation from
// either backend.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job from a row or rows cursor.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &j.Priority, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobs collects all jobs from a rows cursor.
func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows iteration failed: %w", err)
	}
	return jobs, nil
}

// scanSeriesRow scans a RecurringSeries from a row or rows cursor.
func scanSeriesRow(row rowScanner) (models.RecurringSeries, error) {
	var s models.RecurringSeries
	var location sql.NullString
	var dayOfWeek int
	var nextRefresh sql.NullTime
	err := row.Scan(
		&s.ID, &s.UserID, &s.Interval, &dayOfWeek, &s.TimeOfDay, &location,
		&s.AccountType, &s.SessionMinutes, &s.Active, &nextRefresh, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	s.DayOfWeek = time.Weekday(dayOfWeek)
	s.Location = location.String
	if nextRefresh.Valid {
		s.NextBufferRefresh = &nextRefresh.Time
	}
	return s, nil
}

// scanBooking scans a BookingSlot from a row or rows cursor.
func scanBooking(row rowScanner) (models.BookingSlot, error) {
	var b models.BookingSlot
	var seriesID, location, googleEventID sql.NullString
	err := row.Scan(
		&b.ID, &seriesID, &b.UserID, &b.EventStartTime, &b.EventEndTime, &location,
		&b.Status, &b.SyncStatus, &googleEventID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return b, err
	}
	b.SeriesID = seriesID.String
	b.Location = location.String
	b.GoogleEventID = googleEventID.String
	return b, nil
}
