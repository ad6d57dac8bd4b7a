// Package store provides storage backends for BookPipe.
//
// It persists durable job records, recurring series, booking slots, and
// payment records in SQLite or PostgreSQL. The job table is the single
// source of truth for all scheduled work; the in-memory dispatch layer only
// ever holds near-term copies of what lives here.
package store

import (
	"strings"
	"time"

	"github.com/willowmind/BookPipe/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". PostgreSQL DSNs
// come as URLs or key=value connection strings; anything else is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// SeriesRepo defines the interface for recurring series persistence.
type SeriesRepo interface {
	// CreateSeries inserts a new recurring series. Returns
	// models.ErrDuplicateSeries if the user already has an active series.
	CreateSeries(series *models.RecurringSeries) error

	// GetSeries retrieves a series by ID. Returns nil if not found.
	GetSeries(id string) (*models.RecurringSeries, error)

	// GetActiveSeriesForUser retrieves the user's active series.
	// Returns nil if the user has no active series.
	GetActiveSeriesForUser(userID string) (*models.RecurringSeries, error)

	// SetSeriesNextRefresh persists the next buffer refresh timestamp.
	SetSeriesNextRefresh(id string, at time.Time) error

	// DeactivateSeries marks a series inactive. Callers must also cancel the
	// series' outstanding refresh job.
	DeactivateSeries(id string) error
}

// BookingRepo defines the interface for booking slot persistence.
type BookingRepo interface {
	// CreateBookingIfFree atomically checks the candidate interval against
	// all non-cancelled bookings system-wide and inserts the slot only if no
	// conflict exists. Returns false if a conflicting booking was present.
	CreateBookingIfFree(slot *models.BookingSlot) (bool, error)

	// HasBookingConflict reports whether any non-cancelled booking overlaps
	// the half-open interval [start, end).
	HasBookingConflict(start, end time.Time) (bool, error)

	// GetBooking retrieves a booking slot by ID. Returns nil if not found.
	GetBooking(id string) (*models.BookingSlot, error)

	// LastActiveBookingForSeries returns the chronologically last
	// non-cancelled booking in the series, or nil if none exists.
	LastActiveBookingForSeries(seriesID string) (*models.BookingSlot, error)

	// ListBookingsForSeries returns all bookings belonging to the series,
	// ordered by start time ascending.
	ListBookingsForSeries(seriesID string) ([]models.BookingSlot, error)

	// UpdateBookingSyncState records the calendar sync outcome for a booking.
	UpdateBookingSyncState(id string, syncStatus models.SyncStatus, googleEventID string) error

	// CancelFutureBookingsForSeries cancels all active bookings in the series
	// starting at or after the given time. Returns the number cancelled.
	CancelFutureBookingsForSeries(seriesID string, from time.Time) (int, error)
}

// PaymentRepo defines the interface for payment record persistence.
type PaymentRepo interface {
	// CreatePayment inserts a new payment record linked to a booking.
	CreatePayment(p *models.PaymentRecord) error

	// GetPaymentForBooking retrieves the payment linked to a booking.
	// Returns nil if not found.
	GetPaymentForBooking(bookingID string) (*models.PaymentRecord, error)
}

// Store aggregates all repository interfaces implemented by a backend.
type Store interface {
	JobRepo
	SeriesRepo
	BookingRepo
	PaymentRepo

	// Close releases the underlying database connection.
	Close() error
}
