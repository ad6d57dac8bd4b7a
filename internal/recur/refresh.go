package recur

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/willowmind/BookPipe/internal/alert"
	"github.com/willowmind/BookPipe/internal/calendar"
	"github.com/willowmind/BookPipe/internal/models"
	"github.com/willowmind/BookPipe/internal/pricing"
	"github.com/willowmind/BookPipe/internal/schedule"
	"github.com/willowmind/BookPipe/internal/store"
)

// Engine defaults.
const (
	// DefaultBufferTargetMonths is how far ahead of now the booking buffer is
	// extended.
	DefaultBufferTargetMonths = 2
	// DefaultRefreshLeadWeeks is how long before the buffer's last booking
	// the next refresh runs.
	DefaultRefreshLeadWeeks = 6
	// syncJobMaxAttempts gives calendar sync jobs extra retries since the
	// provider API is the flakiest dependency in the system.
	syncJobMaxAttempts = 5
)

// Skip reasons reported in RefreshResult.
const (
	// SkipReasonNotRecurring means the user's series was absent or disabled
	// by the time the refresh ran. Expected: a series can be cancelled
	// between scheduling and execution.
	SkipReasonNotRecurring = "user_not_recurring"
)

// Fatal data-integrity failures. These do not retry themselves: re-running
// against the same corrupt state cannot converge, so they surface to an
// operator instead.
var (
	// ErrNoActiveBookings means an active series has no booking to extend
	// from.
	ErrNoActiveBookings = errors.New("no active bookings for recurring series")
	// ErrNoSessionPrice means no price is configured for the series' account
	// type.
	ErrNoSessionPrice = errors.New("no session price configured")
	// ErrNoFreeOccurrence means enrollment found no conflict-free occurrence
	// within the whole buffer window.
	ErrNoFreeOccurrence = errors.New("no conflict-free occurrence within buffer window")
)

// RefreshResult reports the outcome of one refresh pass. Partial success is
// success: a pass that created some slots and skipped others over conflicts
// reports both counts. Callers must not infer success from Created alone.
type RefreshResult struct {
	// Skipped is true when the pass ended without doing anything for an
	// expected reason (see Reason).
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Created counts booking slots created by this pass.
	Created int `json:"created"`
	// Conflicts counts candidate occurrences skipped over conflicts. The
	// requested time is never shifted; conflicts are surfaced, not resolved.
	Conflicts int `json:"skipped_conflicts"`
}

// EnrollmentConfig describes a new recurring series.
type EnrollmentConfig struct {
	UserID         string
	Interval       models.RecurrenceInterval
	DayOfWeek      time.Weekday
	TimeOfDay      string // "HH:MM" practice-local
	Location       string
	AccountType    string
	SessionMinutes int
}

// Engine maintains the rolling booking buffer for recurring clients. Each
// refresh pass extends one user's buffer and, as its final act, schedules its
// own next invocation — an indefinite chain of self-scheduling jobs with no
// central loop. Enqueue deduplication makes that chain safe against
// double-firing.
type Engine struct {
	series    store.SeriesRepo
	bookings  store.BookingRepo
	payments  store.PaymentRepo
	scheduler *schedule.Scheduler
	calc      *OccurrenceCalculator
	prices    pricing.Lookup
	calConn   calendar.ConnectionStatus
	alerter   alert.Alerter

	bufferTargetMonths int
	refreshLead        time.Duration
	now                func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBufferTargetMonths sets how many months ahead the buffer extends.
func WithBufferTargetMonths(months int) EngineOption {
	return func(e *Engine) {
		if months > 0 {
			e.bufferTargetMonths = months
		}
	}
}

// WithRefreshLead sets how long before the last booking the next refresh runs.
func WithRefreshLead(lead time.Duration) EngineOption {
	return func(e *Engine) {
		if lead > 0 {
			e.refreshLead = lead
		}
	}
}

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates the buffer refresh engine.
func NewEngine(
	st store.Store,
	scheduler *schedule.Scheduler,
	calc *OccurrenceCalculator,
	prices pricing.Lookup,
	calConn calendar.ConnectionStatus,
	alerter alert.Alerter,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		series:             st,
		bookings:           st,
		payments:           st,
		scheduler:          scheduler,
		calc:               calc,
		prices:             prices,
		calConn:            calConn,
		alerter:            alerter,
		bufferTargetMonths: DefaultBufferTargetMonths,
		refreshLead:        DefaultRefreshLeadWeeks * 7 * 24 * time.Hour,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh extends the user's booking buffer to the target window, allocates
// payments for each new slot, dispatches calendar sync jobs, and schedules
// its own next invocation.
//
// Expected-skip outcomes (disabled series) return Skipped=true with a nil
// error. Fatal data-integrity failures (ErrNoActiveBookings,
// ErrNoSessionPrice) return an error; they are not retryable.
func (e *Engine) Refresh(ctx context.Context, userID string) (RefreshResult, error) {
	now := e.now()
	slog.Debug("Engine.Refresh: starting", "userID", userID)

	// VerifyActive: the series may have been cancelled between scheduling
	// and execution. That is expected, not an error.
	series, err := e.series.GetActiveSeriesForUser(userID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("load series for user %s: %w", userID, err)
	}
	if series == nil {
		slog.Info("Engine.Refresh: user not recurring, nothing to do", "userID", userID)
		return RefreshResult{Skipped: true, Reason: SkipReasonNotRecurring}, nil
	}

	// LocateLastBooking: an active series with no bookings is corrupt state
	// that no retry will heal.
	last, err := e.bookings.LastActiveBookingForSeries(series.ID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("locate last booking for series %s: %w", series.ID, err)
	}
	if last == nil {
		e.alerter.RaiseOperatorAlert(ctx, alert.KindNoActiveBookings, map[string]string{
			"userID":   userID,
			"seriesID": series.ID,
		})
		return RefreshResult{}, fmt.Errorf("series %s: %w", series.ID, ErrNoActiveBookings)
	}

	// Resolve the price before any slot is created so a missing price aborts
	// the whole pass without mutation.
	price := e.prices.GetSessionPrice(series.AccountType)
	if price == nil {
		e.alerter.RaiseOperatorAlert(ctx, alert.KindNoSessionPrice, map[string]string{
			"userID":      userID,
			"seriesID":    series.ID,
			"accountType": series.AccountType,
		})
		return RefreshResult{}, fmt.Errorf("account type %q: %w", series.AccountType, ErrNoSessionPrice)
	}

	// ComputeOccurrences + CreateSlot/SkipConflict: strictly sequential so
	// each candidate sees the cumulative effect of slots created earlier in
	// this same pass.
	horizon := now.AddDate(0, e.bufferTargetMonths, 0)
	var created []models.BookingSlot
	conflicts := 0

	for cursor := e.calc.Next(last.EventStartTime, series.Interval); !cursor.After(horizon); cursor = e.calc.Next(cursor, series.Interval) {
		slot, err := e.createSlot(series, cursor, price)
		if err != nil {
			return RefreshResult{Created: len(created), Conflicts: conflicts},
				fmt.Errorf("create slot at %s: %w", cursor, err)
		}
		if slot == nil {
			conflicts++
			continue
		}
		created = append(created, *slot)
	}

	// SyncDispatch: fire-and-forget relative to this pass.
	e.dispatchSync(created)

	// ScheduleNext: the tail-scheduling step keeping the chain alive.
	if len(created) > 0 {
		if err := e.scheduleNext(series); err != nil {
			return RefreshResult{Created: len(created), Conflicts: conflicts}, err
		}
	} else if conflicts > 0 {
		// Every candidate conflicted. Without a successor the series stops
		// extending silently, so this must reach an operator.
		slog.Warn("Engine.Refresh: all candidates conflicted, not rescheduling", "userID", userID, "seriesID", series.ID, "conflicts", conflicts)
		e.alerter.RaiseOperatorAlert(ctx, alert.KindBufferAllConflicts, map[string]string{
			"userID":    userID,
			"seriesID":  series.ID,
			"conflicts": fmt.Sprintf("%d", conflicts),
		})
	} else {
		// No candidates at all: the buffer already covers the target window
		// (e.g. a manual re-trigger). Rescheduling from the existing last
		// booking is safe because enqueue dedup collapses doubles.
		if err := e.scheduleNext(series); err != nil {
			return RefreshResult{}, err
		}
	}

	slog.Info("Engine.Refresh: pass complete", "userID", userID, "seriesID", series.ID, "created", len(created), "conflicts", conflicts)
	return RefreshResult{Created: len(created), Conflicts: conflicts}, nil
}

// createSlot atomically checks-and-inserts one booking slot and its linked
// payment. Returns (nil, nil) when the candidate conflicted.
func (e *Engine) createSlot(series *models.RecurringSeries, start time.Time, price *pricing.Price) (*models.BookingSlot, error) {
	slot := &models.BookingSlot{
		ID:             uuid.NewString(),
		SeriesID:       series.ID,
		UserID:         series.UserID,
		EventStartTime: start,
		EventEndTime:   start.Add(series.SessionLength()),
		Location:       series.Location,
		Status:         models.BookingStatusActive,
		SyncStatus:     models.SyncStatusNotSynced,
	}

	free, err := e.bookings.CreateBookingIfFree(slot)
	if err != nil {
		return nil, err
	}
	if !free {
		slog.Debug("Engine.createSlot: conflict, skipping occurrence", "seriesID", series.ID, "start", start)
		return nil, nil
	}

	payment := &models.PaymentRecord{
		ID:        uuid.NewString(),
		BookingID: slot.ID,
		Amount:    price.Amount,
		Currency:  price.Currency,
		Status:    models.PaymentStatusNotInitiated,
	}
	if err := e.payments.CreatePayment(payment); err != nil {
		return nil, fmt.Errorf("payment for booking %s: %w", slot.ID, err)
	}
	return slot, nil
}

// dispatchSync enqueues one calendar sync job per new slot. Skipped entirely
// when the calendar is disconnected; enqueue failures are logged, never
// propagated — sync problems must not fail a refresh.
func (e *Engine) dispatchSync(created []models.BookingSlot) {
	if len(created) == 0 {
		return
	}
	if !e.calConn.IsCalendarConnected() {
		slog.Info("Engine.dispatchSync: calendar disconnected, skipping sync dispatch", "slots", len(created))
		return
	}
	for _, slot := range created {
		_, err := e.scheduler.Enqueue(calendar.JobKindEventSync, calendar.SyncPayload{BookingID: slot.ID}, schedule.EnqueueOptions{
			MaxAttempts: syncJobMaxAttempts,
		})
		if err != nil {
			slog.Error("Engine.dispatchSync: enqueue failed", "bookingID", slot.ID, "error", err)
		}
	}
}

// scheduleNext enqueues the engine's own next invocation, dated to when the
// buffer will run low, and persists that date onto the series.
func (e *Engine) scheduleNext(series *models.RecurringSeries) error {
	last, err := e.bookings.LastActiveBookingForSeries(series.ID)
	if err != nil {
		return fmt.Errorf("locate last booking for reschedule: %w", err)
	}
	if last == nil {
		return fmt.Errorf("series %s: %w", series.ID, ErrNoActiveBookings)
	}

	nextAt := last.EventStartTime.Add(-e.refreshLead)
	result, err := e.scheduler.Enqueue(JobKindBufferRefresh, BufferRefreshPayload{UserID: series.UserID}, schedule.EnqueueOptions{
		RunAt: nextAt,
	})
	if err != nil {
		return fmt.Errorf("schedule next refresh: %w", err)
	}
	if result.Skipped {
		slog.Debug("Engine.scheduleNext: refresh already scheduled", "seriesID", series.ID, "jobID", result.Job.ID)
	}

	if err := e.series.SetSeriesNextRefresh(series.ID, nextAt); err != nil {
		return fmt.Errorf("persist next refresh date: %w", err)
	}
	slog.Debug("Engine.scheduleNext: next refresh scheduled", "seriesID", series.ID, "at", nextAt)
	return nil
}

// Enroll creates a recurring series for the user, seeds its first booking at
// the first free occurrence, then runs a refresh pass to build the initial
// buffer and schedule the first self-refresh.
func (e *Engine) Enroll(ctx context.Context, cfg EnrollmentConfig) (*models.RecurringSeries, RefreshResult, error) {
	series := &models.RecurringSeries{
		ID:             uuid.NewString(),
		UserID:         cfg.UserID,
		Interval:       cfg.Interval,
		DayOfWeek:      cfg.DayOfWeek,
		TimeOfDay:      cfg.TimeOfDay,
		Location:       cfg.Location,
		AccountType:    cfg.AccountType,
		SessionMinutes: cfg.SessionMinutes,
		Active:         true,
	}
	if err := series.Validate(); err != nil {
		return nil, RefreshResult{}, err
	}

	// Abort before any mutation when no price is configured.
	price := e.prices.GetSessionPrice(series.AccountType)
	if price == nil {
		return nil, RefreshResult{}, fmt.Errorf("account type %q: %w", series.AccountType, ErrNoSessionPrice)
	}

	if err := e.series.CreateSeries(series); err != nil {
		return nil, RefreshResult{}, err
	}

	// Seed the first booking so the refresh pass has an anchor to extend
	// from. Conflicting occurrences are skipped, never shifted.
	tod, err := models.ParseTimeOfDay(series.TimeOfDay)
	if err != nil {
		return nil, RefreshResult{}, err
	}
	now := e.now()
	horizon := now.AddDate(0, e.bufferTargetMonths, 0)
	seeded := false
	for cursor := e.calc.FirstOnOrAfter(now, series.DayOfWeek, tod); !cursor.After(horizon); cursor = e.calc.Next(cursor, series.Interval) {
		slot, err := e.createSlot(series, cursor, price)
		if err != nil {
			return nil, RefreshResult{}, fmt.Errorf("seed booking: %w", err)
		}
		if slot != nil {
			e.dispatchSync([]models.BookingSlot{*slot})
			seeded = true
			break
		}
	}
	if !seeded {
		return nil, RefreshResult{}, fmt.Errorf("series %s: %w", series.ID, ErrNoFreeOccurrence)
	}

	result, err := e.Refresh(ctx, cfg.UserID)
	if err != nil {
		return series, result, err
	}
	slog.Info("Engine.Enroll: series enrolled", "userID", cfg.UserID, "seriesID", series.ID, "created", result.Created+1)
	return series, result, nil
}

// CancelSeries deactivates the user's series, cancels its outstanding refresh
// job, cancels all future bookings, and enqueues calendar deletions for
// bookings that had synced upstream. Cancelling the refresh job is a hard
// invariant: a future refresh must never run for a user who opted out.
func (e *Engine) CancelSeries(ctx context.Context, userID string) error {
	series, err := e.series.GetActiveSeriesForUser(userID)
	if err != nil {
		return fmt.Errorf("load series for user %s: %w", userID, err)
	}
	if series == nil {
		return models.ErrSeriesNotFound
	}
	now := e.now()

	// Collect synced future bookings before cancelling them so their
	// upstream events can be deleted.
	bookings, err := e.bookings.ListBookingsForSeries(series.ID)
	if err != nil {
		return fmt.Errorf("list bookings for series %s: %w", series.ID, err)
	}

	if err := e.series.DeactivateSeries(series.ID); err != nil {
		return err
	}
	if _, err := e.scheduler.Cancel(JobKindBufferRefresh, BufferRefreshPayload{UserID: userID}); err != nil {
		return fmt.Errorf("cancel refresh job for user %s: %w", userID, err)
	}
	cancelled, err := e.bookings.CancelFutureBookingsForSeries(series.ID, now)
	if err != nil {
		return err
	}

	for _, b := range bookings {
		if b.Status != models.BookingStatusActive || b.EventStartTime.Before(now) || b.GoogleEventID == "" {
			continue
		}
		_, err := e.scheduler.Enqueue(calendar.JobKindEventDeletion, calendar.DeletionPayload{
			BookingID:     b.ID,
			GoogleEventID: b.GoogleEventID,
		}, schedule.EnqueueOptions{MaxAttempts: syncJobMaxAttempts})
		if err != nil {
			slog.Error("Engine.CancelSeries: deletion enqueue failed", "bookingID", b.ID, "error", err)
		}
	}

	slog.Info("Engine.CancelSeries: series cancelled", "userID", userID, "seriesID", series.ID, "bookingsCancelled", cancelled)
	return nil
}
