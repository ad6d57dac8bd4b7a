// Package alert provides operator alerting for conditions that need human
// attention, such as a refresh pass that could not extend a booking buffer.
// Alerts are fire-and-forget: delivery failure is logged, never propagated.
package alert

import (
	"context"
	"log/slog"
)

// Alert kinds raised by the core.
const (
	// KindBufferAllConflicts fires when a refresh pass created zero slots
	// because every candidate conflicted; the series will stop extending
	// unless an operator intervenes.
	KindBufferAllConflicts = "buffer_all_conflicts"
	// KindNoActiveBookings fires when a refresh found an active series with
	// no bookings to extend from.
	KindNoActiveBookings = "no_active_bookings"
	// KindNoSessionPrice fires when no price is configured for a series'
	// account type.
	KindNoSessionPrice = "no_session_price"
)

// Alerter delivers operator alerts. Context carries the affected entities
// (user ID, series ID, counts).
type Alerter interface {
	RaiseOperatorAlert(ctx context.Context, kind string, context map[string]string)
}

// LogAlerter writes alerts to the structured log only. Used when no delivery
// channel is configured.
type LogAlerter struct{}

// NewLogAlerter creates a log-only alerter.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// RaiseOperatorAlert logs the alert at warning level.
func (a *LogAlerter) RaiseOperatorAlert(_ context.Context, kind string, alertCtx map[string]string) {
	args := []any{"kind", kind}
	for k, v := range alertCtx {
		args = append(args, k, v)
	}
	slog.Warn("LogAlerter.RaiseOperatorAlert", args...)
}
