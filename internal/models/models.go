// Package models defines the core data structures for BookPipe.
//
// It includes the recurring series configuration, booking slots, and payment
// records shared across the scheduling and refresh modules.
package models

import (
	"errors"
	"time"
)

// RecurrenceInterval defines how far apart consecutive occurrences of a
// recurring series are.
type RecurrenceInterval string

const (
	// IntervalWeekly advances occurrences by 7 days.
	IntervalWeekly RecurrenceInterval = "weekly"
	// IntervalBiweekly advances occurrences by 14 days.
	IntervalBiweekly RecurrenceInterval = "biweekly"
	// IntervalMonthly advances occurrences by one calendar month.
	IntervalMonthly RecurrenceInterval = "monthly"
)

// IsValidInterval checks if the given recurrence interval is supported.
func IsValidInterval(iv RecurrenceInterval) bool {
	switch iv {
	case IntervalWeekly, IntervalBiweekly, IntervalMonthly:
		return true
	default:
		return false
	}
}

// BookingStatus represents the lifecycle state of a booking slot.
type BookingStatus string

const (
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// SyncStatus tracks a booking's calendar synchronization state.
type SyncStatus string

const (
	SyncStatusNotSynced SyncStatus = "not_synced"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusFailed    SyncStatus = "sync_failed"
)

// PaymentStatus represents the lifecycle state of a payment record.
type PaymentStatus string

const (
	PaymentStatusNotInitiated PaymentStatus = "Not Initiated"
	PaymentStatusPaid         PaymentStatus = "Paid"
	PaymentStatusRefunded     PaymentStatus = "Refunded"
)

// Validation constants for series configuration.
const (
	// DefaultSessionMinutes is the session length used when a series does not
	// specify one.
	DefaultSessionMinutes = 60
	// MaxSessionMinutes bounds configurable session length.
	MaxSessionMinutes = 240
)

// Error variables for better error handling and testability.
var (
	ErrEmptyUserID       = errors.New("user ID cannot be empty")
	ErrInvalidInterval   = errors.New("invalid recurrence interval")
	ErrInvalidDayOfWeek  = errors.New("day of week must be between Sunday and Saturday")
	ErrInvalidTimeOfDay  = errors.New("time of day must be in HH:MM 24-hour format")
	ErrInvalidSessionLen = errors.New("session length out of range")
	ErrEmptyAccountType  = errors.New("account type cannot be empty")
	ErrSeriesNotFound    = errors.New("recurring series not found")
	ErrBookingNotFound   = errors.New("booking slot not found")
	ErrSlotConflict      = errors.New("booking slot conflicts with an existing booking")
	ErrDuplicateSeries   = errors.New("user already has an active recurring series")
)

// RecurringSeries identifies one recurring schedule for a user. A user has at
// most one active series at a time.
type RecurringSeries struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	Interval          RecurrenceInterval `json:"interval"`
	DayOfWeek         time.Weekday       `json:"day_of_week"`
	TimeOfDay         string             `json:"time_of_day"` // "HH:MM", practice-local wall clock
	Location          string             `json:"location"`
	AccountType       string             `json:"account_type"`
	SessionMinutes    int                `json:"session_minutes"`
	Active            bool               `json:"active"`
	NextBufferRefresh *time.Time         `json:"next_buffer_refresh,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Validate performs validation on a RecurringSeries configuration.
func (s *RecurringSeries) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidInterval(s.Interval) {
		return ErrInvalidInterval
	}
	if s.DayOfWeek < time.Sunday || s.DayOfWeek > time.Saturday {
		return ErrInvalidDayOfWeek
	}
	if _, err := ParseTimeOfDay(s.TimeOfDay); err != nil {
		return ErrInvalidTimeOfDay
	}
	if s.SessionMinutes < 0 || s.SessionMinutes > MaxSessionMinutes {
		return ErrInvalidSessionLen
	}
	if s.AccountType == "" {
		return ErrEmptyAccountType
	}
	return nil
}

// SessionLength returns the series session duration, applying the default
// when unset.
func (s *RecurringSeries) SessionLength() time.Duration {
	minutes := s.SessionMinutes
	if minutes <= 0 {
		minutes = DefaultSessionMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// TimeOfDay is a civil wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an "HH:MM" wall-clock string into hour and minute.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// BookingSlot is one concrete booked session, created by the buffer refresh
// engine and consumed by the rest of the application.
type BookingSlot struct {
	ID             string        `json:"id"`
	SeriesID       string        `json:"series_id,omitempty"` // empty for one-off bookings
	UserID         string        `json:"user_id"`
	EventStartTime time.Time     `json:"event_start_time"`
	EventEndTime   time.Time     `json:"event_end_time"`
	Location       string        `json:"location,omitempty"`
	Status         BookingStatus `json:"status"`
	SyncStatus     SyncStatus    `json:"sync_status"`
	GoogleEventID  string        `json:"google_event_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Overlaps reports whether the slot's [start, end) interval intersects the
// given half-open interval. Touching boundaries are not overlaps.
func (b *BookingSlot) Overlaps(start, end time.Time) bool {
	return b.EventStartTime.Before(end) && b.EventEndTime.After(start)
}

// PaymentRecord is one-to-one with a BookingSlot created by the same refresh
// pass.
type PaymentRecord struct {
	ID        string        `json:"id"`
	BookingID string        `json:"booking_id"`
	Amount    int64         `json:"amount"` // minor units (cents)
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
