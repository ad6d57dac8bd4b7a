package recur

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/willowmind/BookPipe/internal/alert"
	"github.com/willowmind/BookPipe/internal/calendar"
	"github.com/willowmind/BookPipe/internal/models"
	"github.com/willowmind/BookPipe/internal/pricing"
	"github.com/willowmind/BookPipe/internal/schedule"
	"github.com/willowmind/BookPipe/internal/store"
)

// recordingAlerter captures raised alerts for assertions.
type recordingAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerter) RaiseOperatorAlert(_ context.Context, kind string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func (a *recordingAlerter) raised(kind string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type engineFixture struct {
	store     *store.SQLiteStore
	scheduler *schedule.Scheduler
	alerter   *recordingAlerter
	engine    *Engine
	now       time.Time
	loc       *time.Location
}

// newEngineFixture builds an engine over a real SQLite store with a fixed
// clock (Tuesday 2026-09-01 10:00 Toronto), a pricebook for the standard
// account type, and the calendar connected.
func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	calc, err := NewOccurrenceCalculator("America/Toronto")
	if err != nil {
		t.Fatalf("NewOccurrenceCalculator failed: %v", err)
	}

	now := time.Date(2026, time.September, 1, 10, 0, 0, 0, calc.Location())
	sched := schedule.NewScheduler(st, nil)
	alerter := &recordingAlerter{}
	prices := pricing.NewStaticPricebook(map[string]pricing.Price{
		"standard": {Amount: 15000, Currency: "CAD"},
	})

	allOpts := append([]EngineOption{WithClock(func() time.Time { return now })}, opts...)
	engine := NewEngine(st, sched, calc, prices, calendar.StaticConnection(true), alerter, allOpts...)

	return &engineFixture{
		store:     st,
		scheduler: sched,
		alerter:   alerter,
		engine:    engine,
		now:       now,
		loc:       calc.Location(),
	}
}

func weeklyEnrollment(userID string) EnrollmentConfig {
	return EnrollmentConfig{
		UserID:         userID,
		Interval:       models.IntervalWeekly,
		DayOfWeek:      time.Monday,
		TimeOfDay:      "14:00",
		Location:       "Room 2",
		AccountType:    "standard",
		SessionMinutes: 60,
	}
}

func (f *engineFixture) refreshJob(t *testing.T, userID string) *store.Job {
	t.Helper()
	key := schedule.DedupeKey(JobKindBufferRefresh, `{"userId":"`+userID+`"}`)
	job, err := f.store.GetActiveJobByDedupeKey(key)
	if err != nil {
		t.Fatalf("GetActiveJobByDedupeKey failed: %v", err)
	}
	return job
}

func TestEnrollBuildsInitialBuffer(t *testing.T) {
	f := newEngineFixture(t)

	series, result, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// Two months from Tue Sep 1 reaches Nov 1; Mondays 14:00 from Sep 7
	// through Oct 26 fit: Sep 7 seeded plus 7 extensions.
	if result.Created != 7 {
		t.Errorf("refresh created %d slots, want 7", result.Created)
	}
	bookings, err := f.store.ListBookingsForSeries(series.ID)
	if err != nil {
		t.Fatalf("ListBookingsForSeries failed: %v", err)
	}
	if len(bookings) != 8 {
		t.Fatalf("total bookings = %d, want 8", len(bookings))
	}

	first := bookings[0]
	wantStart := time.Date(2026, time.September, 7, 14, 0, 0, 0, f.loc)
	if !first.EventStartTime.Equal(wantStart) {
		t.Errorf("first booking starts %v, want %v", first.EventStartTime, wantStart)
	}
	if got := first.EventEndTime.Sub(first.EventStartTime); got != time.Hour {
		t.Errorf("session length = %v, want 1h", got)
	}

	// Every slot carries a payment
	for _, b := range bookings {
		p, err := f.store.GetPaymentForBooking(b.ID)
		if err != nil {
			t.Fatalf("GetPaymentForBooking failed: %v", err)
		}
		if p == nil {
			t.Fatalf("booking %s has no payment", b.ID)
		}
		if p.Amount != 15000 || p.Status != models.PaymentStatusNotInitiated {
			t.Errorf("payment = %d %q, want 15000 %q", p.Amount, p.Status, models.PaymentStatusNotInitiated)
		}
	}

	// Calendar connected: one sync job per slot
	for _, b := range bookings {
		key := schedule.DedupeKey(calendar.JobKindEventSync, `{"bookingId":"`+b.ID+`"}`)
		job, err := f.store.GetActiveJobByDedupeKey(key)
		if err != nil {
			t.Fatalf("sync job lookup failed: %v", err)
		}
		if job == nil {
			t.Errorf("booking %s has no sync job", b.ID)
		}
	}

	// Next refresh scheduled six weeks before the last booking (Oct 26)
	job := f.refreshJob(t, "user-1")
	if job == nil {
		t.Fatal("no next refresh job scheduled")
	}
	wantNext := time.Date(2026, time.October, 26, 14, 0, 0, 0, f.loc).Add(-6 * 7 * 24 * time.Hour)
	if !job.RunAt.Equal(wantNext) {
		t.Errorf("next refresh at %v, want %v", job.RunAt, wantNext)
	}
	got, err := f.store.GetSeries(series.ID)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if got.NextBufferRefresh == nil || !got.NextBufferRefresh.Equal(wantNext) {
		t.Errorf("series next refresh = %v, want %v", got.NextBufferRefresh, wantNext)
	}
}

func TestRefreshSkipsConflictingOccurrences(t *testing.T) {
	f := newEngineFixture(t)

	series, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// Cancel the series' own bookings after Sep 7 so the buffer must be
	// rebuilt from scratch.
	if _, err := f.store.CancelFutureBookingsForSeries(series.ID, f.now.AddDate(0, 0, 8)); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := f.scheduler.Cancel(JobKindBufferRefresh, BufferRefreshPayload{UserID: "user-1"}); err != nil {
		t.Fatalf("cancel refresh job failed: %v", err)
	}

	// Another client grabs Monday Sep 28 14:30, overlapping the 14:00 hour.
	blocker := &models.BookingSlot{
		ID:             "blocker-1",
		SeriesID:       "other-series",
		UserID:         "user-2",
		EventStartTime: time.Date(2026, time.September, 28, 14, 30, 0, 0, f.loc),
		EventEndTime:   time.Date(2026, time.September, 28, 15, 30, 0, 0, f.loc),
		Status:         models.BookingStatusActive,
		SyncStatus:     models.SyncStatusNotSynced,
	}
	if created, err := f.store.CreateBookingIfFree(blocker); err != nil || !created {
		t.Fatalf("blocker insert = (%v, %v), want created", created, err)
	}

	result, err := f.engine.Refresh(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Mondays Sep 14 through Oct 26 are re-created except the blocked
	// Sep 28. The blocked occurrence is skipped, not shifted.
	if result.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", result.Conflicts)
	}
	if result.Created != 6 {
		t.Errorf("created = %d, want 6", result.Created)
	}
	conflict, err := f.store.HasBookingConflict(
		time.Date(2026, time.September, 28, 14, 0, 0, 0, f.loc),
		time.Date(2026, time.September, 28, 15, 0, 0, 0, f.loc))
	if err != nil {
		t.Fatalf("HasBookingConflict failed: %v", err)
	}
	if !conflict {
		t.Error("expected the blocker to still own the slot")
	}
}

func TestRefreshNotRecurringUserSkips(t *testing.T) {
	f := newEngineFixture(t)

	result, err := f.engine.Refresh(context.Background(), "user-unknown")
	if err != nil {
		t.Fatalf("Refresh for non-recurring user must not error: %v", err)
	}
	if !result.Skipped || result.Reason != SkipReasonNotRecurring {
		t.Errorf("result = %+v, want skipped with reason %q", result, SkipReasonNotRecurring)
	}
}

func TestRefreshNoActiveBookingsIsFatal(t *testing.T) {
	f := newEngineFixture(t)

	// An active series with zero bookings is corrupt state
	series := &models.RecurringSeries{
		ID:             "series-corrupt",
		UserID:         "user-1",
		Interval:       models.IntervalWeekly,
		DayOfWeek:      time.Monday,
		TimeOfDay:      "14:00",
		AccountType:    "standard",
		SessionMinutes: 60,
		Active:         true,
	}
	if err := f.store.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}

	_, err := f.engine.Refresh(context.Background(), "user-1")
	if !errors.Is(err, ErrNoActiveBookings) {
		t.Fatalf("err = %v, want ErrNoActiveBookings", err)
	}
	if !f.alerter.raised(alert.KindNoActiveBookings) {
		t.Error("expected operator alert for missing bookings")
	}
}

func TestRefreshNoSessionPriceAbortsBeforeMutation(t *testing.T) {
	f := newEngineFixture(t)

	series, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// Reconfigure the engine with an empty pricebook
	f.engine.prices = pricing.NewStaticPricebook(nil)

	before, _ := f.store.ListBookingsForSeries(series.ID)
	_, err = f.engine.Refresh(context.Background(), "user-1")
	if !errors.Is(err, ErrNoSessionPrice) {
		t.Fatalf("err = %v, want ErrNoSessionPrice", err)
	}
	if !f.alerter.raised(alert.KindNoSessionPrice) {
		t.Error("expected operator alert for missing price")
	}
	after, _ := f.store.ListBookingsForSeries(series.ID)
	if len(after) != len(before) {
		t.Errorf("bookings changed from %d to %d despite price abort", len(before), len(after))
	}
}

func TestRefreshAllConflictsAlertsWithoutReschedule(t *testing.T) {
	f := newEngineFixture(t)

	series, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// Wipe the buffer down to the seed booking, then occupy every future
	// Monday 14:00 with other clients.
	if _, err := f.store.CancelFutureBookingsForSeries(series.ID, f.now.AddDate(0, 0, 8)); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := f.scheduler.Cancel(JobKindBufferRefresh, BufferRefreshPayload{UserID: "user-1"}); err != nil {
		t.Fatalf("cancel refresh job failed: %v", err)
	}
	for i := 1; i <= 7; i++ {
		start := time.Date(2026, time.September, 7, 14, 0, 0, 0, f.loc).AddDate(0, 0, 7*i)
		blocker := &models.BookingSlot{
			ID:             "blocker-" + start.Format("0102"),
			SeriesID:       "other-series",
			UserID:         "user-2",
			EventStartTime: start,
			EventEndTime:   start.Add(time.Hour),
			Status:         models.BookingStatusActive,
			SyncStatus:     models.SyncStatusNotSynced,
		}
		if created, err := f.store.CreateBookingIfFree(blocker); err != nil || !created {
			t.Fatalf("blocker insert = (%v, %v), want created", created, err)
		}
	}

	result, err := f.engine.Refresh(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Created != 0 {
		t.Errorf("created = %d, want 0", result.Created)
	}
	if result.Conflicts != 7 {
		t.Errorf("conflicts = %d, want 7", result.Conflicts)
	}
	if !f.alerter.raised(alert.KindBufferAllConflicts) {
		t.Error("expected operator alert when every candidate conflicts")
	}
	if job := f.refreshJob(t, "user-1"); job != nil {
		t.Errorf("expected no rescheduled refresh job, found %+v", job)
	}
}

func TestRefreshWithFullBufferReschedules(t *testing.T) {
	f := newEngineFixture(t)

	if _, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1")); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// A manual re-trigger against an already-full buffer creates nothing but
	// still keeps the refresh chain alive.
	result, err := f.engine.Refresh(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Created != 0 || result.Conflicts != 0 {
		t.Errorf("result = %+v, want zero created and zero conflicts", result)
	}
	if job := f.refreshJob(t, "user-1"); job == nil {
		t.Error("refresh chain broken: no outstanding refresh job")
	}
}

func TestEnrollRejectsInvalidConfig(t *testing.T) {
	f := newEngineFixture(t)

	cfg := weeklyEnrollment("user-1")
	cfg.Interval = "daily"
	if _, _, err := f.engine.Enroll(context.Background(), cfg); !errors.Is(err, models.ErrInvalidInterval) {
		t.Errorf("err = %v, want ErrInvalidInterval", err)
	}

	cfg = weeklyEnrollment("")
	if _, _, err := f.engine.Enroll(context.Background(), cfg); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("err = %v, want ErrEmptyUserID", err)
	}

	cfg = weeklyEnrollment("user-2")
	cfg.AccountType = "unpriced"
	if _, _, err := f.engine.Enroll(context.Background(), cfg); !errors.Is(err, ErrNoSessionPrice) {
		t.Errorf("err = %v, want ErrNoSessionPrice", err)
	}
}

func TestEnrollRejectsSecondActiveSeries(t *testing.T) {
	f := newEngineFixture(t)

	if _, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1")); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if _, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1")); !errors.Is(err, models.ErrDuplicateSeries) {
		t.Errorf("err = %v, want ErrDuplicateSeries", err)
	}
}

func TestCancelSeries(t *testing.T) {
	f := newEngineFixture(t)

	series, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// Mark one future booking as synced so cancellation must clean it up
	// upstream.
	bookings, _ := f.store.ListBookingsForSeries(series.ID)
	synced := bookings[len(bookings)-1]
	if err := f.store.UpdateBookingSyncState(synced.ID, models.SyncStatusSynced, "evt-99"); err != nil {
		t.Fatalf("UpdateBookingSyncState failed: %v", err)
	}

	if err := f.engine.CancelSeries(context.Background(), "user-1"); err != nil {
		t.Fatalf("CancelSeries failed: %v", err)
	}

	// Series inactive
	if got, _ := f.store.GetActiveSeriesForUser("user-1"); got != nil {
		t.Error("series still active after cancellation")
	}

	// The outstanding refresh job must be gone: a future refresh for an
	// opted-out user is the one thing this flow must prevent.
	if job := f.refreshJob(t, "user-1"); job != nil {
		t.Errorf("refresh job still active: %+v", job)
	}

	// All future bookings cancelled
	bookings, _ = f.store.ListBookingsForSeries(series.ID)
	for _, b := range bookings {
		if b.EventStartTime.After(f.now) && b.Status != models.BookingStatusCancelled {
			t.Errorf("future booking %s status = %q, want cancelled", b.ID, b.Status)
		}
	}

	// Deletion job enqueued for the synced booking
	key := schedule.DedupeKey(calendar.JobKindEventDeletion,
		`{"bookingId":"`+synced.ID+`","googleEventId":"evt-99"}`)
	job, err := f.store.GetActiveJobByDedupeKey(key)
	if err != nil {
		t.Fatalf("deletion job lookup failed: %v", err)
	}
	if job == nil {
		t.Error("no deletion job for the synced booking")
	}

	// Cancelling again reports the series missing
	if err := f.engine.CancelSeries(context.Background(), "user-1"); !errors.Is(err, models.ErrSeriesNotFound) {
		t.Errorf("err = %v, want ErrSeriesNotFound", err)
	}
}

func TestCalendarDisconnectedSkipsSyncDispatch(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.calConn = calendar.StaticConnection(false)

	series, _, err := f.engine.Enroll(context.Background(), weeklyEnrollment("user-1"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	bookings, _ := f.store.ListBookingsForSeries(series.ID)
	for _, b := range bookings {
		key := schedule.DedupeKey(calendar.JobKindEventSync, `{"bookingId":"`+b.ID+`"}`)
		job, err := f.store.GetActiveJobByDedupeKey(key)
		if err != nil {
			t.Fatalf("sync job lookup failed: %v", err)
		}
		if job != nil {
			t.Errorf("sync job enqueued for %s despite disconnected calendar", b.ID)
		}
	}
}
