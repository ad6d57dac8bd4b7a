package recur

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/willowmind/BookPipe/internal/schedule"
)

// JobKindBufferRefresh is the job kind for self-scheduling buffer refresh
// passes.
const JobKindBufferRefresh = "refreshRecurringBuffer"

// BufferRefreshPayload is the payload for JobKindBufferRefresh jobs. It
// carries only the user ID; every refresh re-reads live state so it acts on
// current reality, not on a snapshot captured at scheduling time.
type BufferRefreshPayload struct {
	UserID string `json:"userId"`
}

// RegisterJobHandlers wires the engine's refresh pass into the job registry.
func RegisterJobHandlers(registry *schedule.Registry, engine *Engine) {
	registry.Register(JobKindBufferRefresh, func(ctx context.Context, payloadJSON string) error {
		var payload BufferRefreshPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return schedule.Terminal(fmt.Errorf("decode buffer refresh payload: %w", err))
		}
		if payload.UserID == "" {
			return schedule.Terminal(errors.New("buffer refresh payload missing userId"))
		}

		result, err := engine.Refresh(ctx, payload.UserID)
		if err != nil {
			// Data-integrity failures cannot be retried into success; mark
			// them terminal so the job fails once, visibly.
			if errors.Is(err, ErrNoActiveBookings) || errors.Is(err, ErrNoSessionPrice) {
				return schedule.Terminal(err)
			}
			return err
		}
		if result.Skipped {
			slog.Info("bufferRefreshHandler: skipped", "userID", payload.UserID, "reason", result.Reason)
		}
		return nil
	})
}
