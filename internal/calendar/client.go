package calendar

import (
	"context"
	"log/slog"

	"github.com/willowmind/BookPipe/internal/models"
	"github.com/willowmind/BookPipe/internal/util"
)

// LogClient is a Client that records events locally instead of calling a
// provider API. Used in development and in deployments where the real
// provider integration runs elsewhere and only the job chain matters.
type LogClient struct{}

// NewLogClient creates a LogClient.
func NewLogClient() *LogClient {
	return &LogClient{}
}

// CreateEvent logs the booking and returns a locally generated event ID.
func (c *LogClient) CreateEvent(ctx context.Context, slot *models.BookingSlot) (string, error) {
	eventID := util.GenerateRandomID("local_", 24)
	slog.Info("LogClient.CreateEvent: recorded event locally",
		"bookingID", slot.ID, "start", slot.EventStartTime, "eventID", eventID)
	return eventID, nil
}

// DeleteEvent logs the deletion.
func (c *LogClient) DeleteEvent(ctx context.Context, googleEventID string) error {
	slog.Info("LogClient.DeleteEvent: recorded deletion locally", "eventID", googleEventID)
	return nil
}

var _ Client = (*LogClient)(nil)
