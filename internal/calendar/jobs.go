package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/willowmind/BookPipe/internal/models"
	"github.com/willowmind/BookPipe/internal/schedule"
	"github.com/willowmind/BookPipe/internal/store"
)

// RegisterJobHandlers registers the calendar sync and deletion handlers with
// the given registry.
func RegisterJobHandlers(registry *schedule.Registry, bookings store.BookingRepo, client Client) {
	registry.Register(JobKindEventSync, makeEventSyncHandler(bookings, client))
	registry.Register(JobKindEventDeletion, makeEventDeletionHandler(bookings, client))
}

func makeEventSyncHandler(bookings store.BookingRepo, client Client) schedule.Handler {
	return func(ctx context.Context, payload string) error {
		var p SyncPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return schedule.Terminal(fmt.Errorf("invalid %s payload: %w", JobKindEventSync, err))
		}
		slog.Info("JobHandler.calendar_sync: executing", "bookingID", p.BookingID)

		booking, err := bookings.GetBooking(p.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %s: %w", p.BookingID, err)
		}
		if booking == nil {
			// Booking deleted since the job was enqueued. Expected, not an error.
			slog.Info("JobHandler.calendar_sync: booking gone, skipping", "bookingID", p.BookingID)
			return nil
		}
		if booking.Status == models.BookingStatusCancelled {
			slog.Info("JobHandler.calendar_sync: booking cancelled, skipping", "bookingID", p.BookingID)
			return nil
		}
		// Idempotency: a retried job whose previous attempt synced before
		// crashing must not create a second event.
		if booking.SyncStatus == models.SyncStatusSynced && booking.GoogleEventID != "" {
			slog.Info("JobHandler.calendar_sync: already synced, skipping", "bookingID", p.BookingID, "eventID", booking.GoogleEventID)
			return nil
		}

		eventID, err := client.CreateEvent(ctx, booking)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				// Upstream reports the target gone; retrying cannot converge.
				slog.Info("JobHandler.calendar_sync: upstream event gone, treating as success", "bookingID", p.BookingID)
				return nil
			}
			// Transient provider errors retry through the normal attempt counter.
			if uerr := bookings.UpdateBookingSyncState(p.BookingID, models.SyncStatusFailed, ""); uerr != nil {
				slog.Error("JobHandler.calendar_sync: record failure state", "bookingID", p.BookingID, "error", uerr)
			}
			return fmt.Errorf("calendar sync for booking %s: %w", p.BookingID, err)
		}

		if err := bookings.UpdateBookingSyncState(p.BookingID, models.SyncStatusSynced, eventID); err != nil {
			return fmt.Errorf("record sync state for booking %s: %w", p.BookingID, err)
		}
		slog.Info("JobHandler.calendar_sync: synced", "bookingID", p.BookingID, "eventID", eventID)
		return nil
	}
}

func makeEventDeletionHandler(bookings store.BookingRepo, client Client) schedule.Handler {
	return func(ctx context.Context, payload string) error {
		var p DeletionPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return schedule.Terminal(fmt.Errorf("invalid %s payload: %w", JobKindEventDeletion, err))
		}
		slog.Info("JobHandler.calendar_deletion: executing", "bookingID", p.BookingID, "eventID", p.GoogleEventID)

		if p.GoogleEventID == "" {
			slog.Info("JobHandler.calendar_deletion: no upstream event, skipping", "bookingID", p.BookingID)
			return nil
		}

		if err := client.DeleteEvent(ctx, p.GoogleEventID); err != nil {
			if errors.Is(err, ErrEventNotFound) {
				slog.Info("JobHandler.calendar_deletion: already deleted upstream", "bookingID", p.BookingID)
			} else {
				return fmt.Errorf("calendar deletion for booking %s: %w", p.BookingID, err)
			}
		}

		if err := bookings.UpdateBookingSyncState(p.BookingID, models.SyncStatusNotSynced, ""); err != nil {
			// Booking may itself be gone; deletion still succeeded upstream.
			slog.Debug("JobHandler.calendar_deletion: sync state not updated", "bookingID", p.BookingID, "error", err)
		}
		return nil
	}
}
