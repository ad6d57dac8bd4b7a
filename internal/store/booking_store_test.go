package store

import (
	"testing"
	"time"

	"github.com/willowmind/BookPipe/internal/models"
)

func testSeries(userID string) *models.RecurringSeries {
	return &models.RecurringSeries{
		ID:             "series-" + userID,
		UserID:         userID,
		Interval:       models.IntervalWeekly,
		DayOfWeek:      time.Monday,
		TimeOfDay:      "14:00",
		Location:       "Room 2",
		AccountType:    "standard",
		SessionMinutes: 60,
		Active:         true,
	}
}

func testSlot(id, seriesID, userID string, start time.Time) *models.BookingSlot {
	return &models.BookingSlot{
		ID:             id,
		SeriesID:       seriesID,
		UserID:         userID,
		EventStartTime: start,
		EventEndTime:   start.Add(time.Hour),
		Location:       "Room 2",
		Status:         models.BookingStatusActive,
		SyncStatus:     models.SyncStatusNotSynced,
	}
}

// --- Series repo tests ---

func TestSQLiteStore_SeriesRepo_CreateAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	series := testSeries("user-1")
	if err := s.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}

	got, err := s.GetActiveSeriesForUser("user-1")
	if err != nil {
		t.Fatalf("GetActiveSeriesForUser failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetActiveSeriesForUser returned nil")
	}
	if got.Interval != models.IntervalWeekly {
		t.Errorf("Expected weekly interval, got %q", got.Interval)
	}
	if got.TimeOfDay != "14:00" {
		t.Errorf("Expected time of day 14:00, got %q", got.TimeOfDay)
	}
	if !got.Active {
		t.Error("Expected series active")
	}

	none, err := s.GetActiveSeriesForUser("user-2")
	if err != nil {
		t.Fatalf("GetActiveSeriesForUser failed: %v", err)
	}
	if none != nil {
		t.Error("Expected nil series for unknown user")
	}
}

func TestSQLiteStore_SeriesRepo_DuplicateActiveSeries(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.CreateSeries(testSeries("user-1")); err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}

	dup := testSeries("user-1")
	dup.ID = "series-user-1-dup"
	if err := s.CreateSeries(dup); err != models.ErrDuplicateSeries {
		t.Errorf("Expected ErrDuplicateSeries, got %v", err)
	}
}

func TestSQLiteStore_SeriesRepo_DeactivateAllowsReenrollment(t *testing.T) {
	s := newTestSQLiteStore(t)

	first := testSeries("user-1")
	if err := s.CreateSeries(first); err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}
	if err := s.DeactivateSeries(first.ID); err != nil {
		t.Fatalf("DeactivateSeries failed: %v", err)
	}

	got, err := s.GetActiveSeriesForUser("user-1")
	if err != nil {
		t.Fatalf("GetActiveSeriesForUser failed: %v", err)
	}
	if got != nil {
		t.Fatal("Expected no active series after deactivation")
	}

	second := testSeries("user-1")
	second.ID = "series-user-1-second"
	if err := s.CreateSeries(second); err != nil {
		t.Errorf("Re-enrollment after deactivation should succeed: %v", err)
	}
}

func TestSQLiteStore_SeriesRepo_SetNextRefresh(t *testing.T) {
	s := newTestSQLiteStore(t)

	series := testSeries("user-1")
	if err := s.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}

	at := time.Now().Add(6 * 7 * 24 * time.Hour).Truncate(time.Second)
	if err := s.SetSeriesNextRefresh(series.ID, at); err != nil {
		t.Fatalf("SetSeriesNextRefresh failed: %v", err)
	}

	got, err := s.GetSeries(series.ID)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if got.NextBufferRefresh == nil {
		t.Fatal("Expected next_buffer_refresh set")
	}
	if !got.NextBufferRefresh.Equal(at) {
		t.Errorf("next_buffer_refresh = %v, want %v", got.NextBufferRefresh, at)
	}
}

// --- Booking repo tests ---

func TestSQLiteStore_BookingRepo_CreateBookingIfFree(t *testing.T) {
	s := newTestSQLiteStore(t)

	start := time.Date(2026, time.September, 7, 14, 0, 0, 0, time.UTC)
	created, err := s.CreateBookingIfFree(testSlot("b-1", "series-1", "user-1", start))
	if err != nil {
		t.Fatalf("CreateBookingIfFree failed: %v", err)
	}
	if !created {
		t.Fatal("Expected first booking to be created")
	}

	// Overlapping slot for a different user must be rejected: conflicts are
	// checked system-wide.
	overlapping := testSlot("b-2", "series-2", "user-2", start.Add(30*time.Minute))
	created, err = s.CreateBookingIfFree(overlapping)
	if err != nil {
		t.Fatalf("CreateBookingIfFree overlap failed: %v", err)
	}
	if created {
		t.Error("Expected overlapping booking to be rejected")
	}
	if got, _ := s.GetBooking("b-2"); got != nil {
		t.Error("Rejected booking must not be persisted")
	}

	// Back-to-back is not a conflict: intervals are half-open
	adjacent := testSlot("b-3", "series-2", "user-2", start.Add(time.Hour))
	created, err = s.CreateBookingIfFree(adjacent)
	if err != nil {
		t.Fatalf("CreateBookingIfFree adjacent failed: %v", err)
	}
	if !created {
		t.Error("Expected back-to-back booking to be created")
	}
}

func TestSQLiteStore_BookingRepo_CancelledBookingsDoNotConflict(t *testing.T) {
	s := newTestSQLiteStore(t)

	start := time.Date(2026, time.September, 7, 14, 0, 0, 0, time.UTC)
	slot := testSlot("b-1", "series-1", "user-1", start)
	slot.Status = models.BookingStatusCancelled
	if _, err := s.CreateBookingIfFree(slot); err != nil {
		t.Fatalf("CreateBookingIfFree failed: %v", err)
	}

	conflict, err := s.HasBookingConflict(start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("HasBookingConflict failed: %v", err)
	}
	if conflict {
		t.Error("Cancelled bookings must not count as conflicts")
	}
}

func TestSQLiteStore_BookingRepo_LastActiveBookingForSeries(t *testing.T) {
	s := newTestSQLiteStore(t)

	base := time.Date(2026, time.September, 7, 14, 0, 0, 0, time.UTC)
	for i, id := range []string{"b-1", "b-2", "b-3"} {
		slot := testSlot(id, "series-1", "user-1", base.AddDate(0, 0, 7*i))
		if _, err := s.CreateBookingIfFree(slot); err != nil {
			t.Fatalf("CreateBookingIfFree %s failed: %v", id, err)
		}
	}

	last, err := s.LastActiveBookingForSeries("series-1")
	if err != nil {
		t.Fatalf("LastActiveBookingForSeries failed: %v", err)
	}
	if last == nil || last.ID != "b-3" {
		t.Fatalf("Expected b-3 as last booking, got %+v", last)
	}

	none, err := s.LastActiveBookingForSeries("series-unknown")
	if err != nil {
		t.Fatalf("LastActiveBookingForSeries failed: %v", err)
	}
	if none != nil {
		t.Error("Expected nil for unknown series")
	}
}

func TestSQLiteStore_BookingRepo_UpdateSyncState(t *testing.T) {
	s := newTestSQLiteStore(t)

	start := time.Date(2026, time.September, 7, 14, 0, 0, 0, time.UTC)
	if _, err := s.CreateBookingIfFree(testSlot("b-1", "series-1", "user-1", start)); err != nil {
		t.Fatalf("CreateBookingIfFree failed: %v", err)
	}

	if err := s.UpdateBookingSyncState("b-1", models.SyncStatusSynced, "evt-123"); err != nil {
		t.Fatalf("UpdateBookingSyncState failed: %v", err)
	}
	got, err := s.GetBooking("b-1")
	if err != nil {
		t.Fatalf("GetBooking failed: %v", err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected synced, got %q", got.SyncStatus)
	}
	if got.GoogleEventID != "evt-123" {
		t.Errorf("Expected event ID recorded, got %q", got.GoogleEventID)
	}

	// Clearing the event ID after upstream deletion
	if err := s.UpdateBookingSyncState("b-1", models.SyncStatusNotSynced, ""); err != nil {
		t.Fatalf("UpdateBookingSyncState clear failed: %v", err)
	}
	got, _ = s.GetBooking("b-1")
	if got.GoogleEventID != "" {
		t.Errorf("Expected event ID cleared, got %q", got.GoogleEventID)
	}
}

func TestSQLiteStore_BookingRepo_CancelFutureBookings(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	pastSlot := testSlot("b-past", "series-1", "user-1", now.AddDate(0, 0, -7))
	futureSlot1 := testSlot("b-f1", "series-1", "user-1", now.AddDate(0, 0, 7))
	futureSlot2 := testSlot("b-f2", "series-1", "user-1", now.AddDate(0, 0, 14))
	for _, slot := range []*models.BookingSlot{pastSlot, futureSlot1, futureSlot2} {
		if _, err := s.CreateBookingIfFree(slot); err != nil {
			t.Fatalf("CreateBookingIfFree %s failed: %v", slot.ID, err)
		}
	}

	n, err := s.CancelFutureBookingsForSeries("series-1", now)
	if err != nil {
		t.Fatalf("CancelFutureBookingsForSeries failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 cancelled bookings, got %d", n)
	}

	// Past bookings stay untouched
	got, err := s.GetBooking("b-past")
	if err != nil {
		t.Fatalf("GetBooking failed: %v", err)
	}
	if got.Status != models.BookingStatusActive {
		t.Errorf("Past booking status = %q, want active", got.Status)
	}
	got, _ = s.GetBooking("b-f1")
	if got.Status != models.BookingStatusCancelled {
		t.Errorf("Future booking status = %q, want cancelled", got.Status)
	}
}

// --- Payment repo tests ---

func TestSQLiteStore_PaymentRepo_CreateAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	start := time.Date(2026, time.September, 7, 14, 0, 0, 0, time.UTC)
	if _, err := s.CreateBookingIfFree(testSlot("b-1", "series-1", "user-1", start)); err != nil {
		t.Fatalf("CreateBookingIfFree failed: %v", err)
	}

	payment := &models.PaymentRecord{
		ID:        "pay-1",
		BookingID: "b-1",
		Amount:    15000,
		Currency:  "CAD",
		Status:    models.PaymentStatusNotInitiated,
	}
	if err := s.CreatePayment(payment); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	got, err := s.GetPaymentForBooking("b-1")
	if err != nil {
		t.Fatalf("GetPaymentForBooking failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetPaymentForBooking returned nil")
	}
	if got.Amount != 15000 || got.Currency != "CAD" {
		t.Errorf("Payment = %d %s, want 15000 CAD", got.Amount, got.Currency)
	}
	if got.Status != models.PaymentStatusNotInitiated {
		t.Errorf("Payment status = %q, want %q", got.Status, models.PaymentStatusNotInitiated)
	}

	none, err := s.GetPaymentForBooking("b-unknown")
	if err != nil {
		t.Fatalf("GetPaymentForBooking failed: %v", err)
	}
	if none != nil {
		t.Error("Expected nil payment for unknown booking")
	}
}
