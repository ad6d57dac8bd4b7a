// Package calendar defines the boundary to the external calendar provider
// and the durable jobs that keep bookings synchronized with it.
//
// The provider API itself lives outside the core; this package models only
// the job contract: a sync job carries a booking ID, reports transient
// failures into the normal retry mechanism, and treats an upstream "event
// not found" as terminal success.
package calendar

import (
	"context"
	"errors"

	"github.com/willowmind/BookPipe/internal/models"
)

// Job kinds consumed by this package's handlers.
const (
	JobKindEventSync     = "GoogleCalendarEventSync"
	JobKindEventDeletion = "GoogleCalendarEventDeletion"
)

// ErrEventNotFound is returned by Client implementations when the upstream
// event no longer exists. Handlers treat it as success: the desired end state
// (event absent or recreated upstream) cannot be reached by retrying.
var ErrEventNotFound = errors.New("calendar event not found")

// SyncPayload is the JSON payload for GoogleCalendarEventSync jobs.
type SyncPayload struct {
	BookingID string `json:"bookingId"`
}

// DeletionPayload is the JSON payload for GoogleCalendarEventDeletion jobs.
type DeletionPayload struct {
	BookingID     string `json:"bookingId"`
	GoogleEventID string `json:"googleEventId"`
}

// Client is the calendar provider boundary.
type Client interface {
	// CreateEvent pushes a booking to the calendar and returns the provider's
	// event ID.
	CreateEvent(ctx context.Context, slot *models.BookingSlot) (string, error)

	// DeleteEvent removes an event from the calendar. Returns
	// ErrEventNotFound if it was already gone.
	DeleteEvent(ctx context.Context, googleEventID string) error
}

// ConnectionStatus reports whether the practice's calendar account is
// connected. When disconnected, sync dispatch is skipped entirely — a
// deliberate no-op, not a failure.
type ConnectionStatus interface {
	IsCalendarConnected() bool
}

// StaticConnection is a fixed ConnectionStatus, used for configuration-driven
// setups and tests.
type StaticConnection bool

// IsCalendarConnected reports the fixed connection state.
func (s StaticConnection) IsCalendarConnected() bool { return bool(s) }
