package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/willowmind/BookPipe/internal/models"
)

// Compile-time checks that SQLiteStore implements the booking repositories.
var (
	_ BookingRepo = (*SQLiteStore)(nil)
	_ PaymentRepo = (*SQLiteStore)(nil)
)

const bookingColumns = `id, series_id, user_id, event_start_time, event_end_time, location, status, sync_status, google_event_id, created_at, updated_at`

// conflictQuery matches any non-cancelled booking overlapping the half-open
// interval [start, end). Touching boundaries are not conflicts.
const conflictQuery = `SELECT COUNT(*) FROM bookings WHERE status != 'cancelled' AND event_start_time < ? AND event_end_time > ?`

func (s *SQLiteStore) CreateBookingIfFree(slot *models.BookingSlot) (bool, error) {
	now := time.Now()

	// Check-and-insert inside one transaction so two concurrent refreshes
	// cannot both claim the same instant.
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin booking transaction failed: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(conflictQuery, slot.EventEndTime, slot.EventStartTime).Scan(&count); err != nil {
		return false, fmt.Errorf("booking conflict check failed: %w", err)
	}
	if count > 0 {
		slog.Debug("SQLiteStore.CreateBookingIfFree: conflict", "start", slot.EventStartTime, "end", slot.EventEndTime)
		return false, nil
	}

	slot.CreatedAt = now
	slot.UpdatedAt = now
	_, err = tx.Exec(
		`INSERT INTO bookings (id, series_id, user_id, event_start_time, event_end_time, location, status, sync_status, google_event_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, nilIfEmpty(slot.SeriesID), slot.UserID, slot.EventStartTime, slot.EventEndTime,
		nilIfEmpty(slot.Location), string(slot.Status), string(slot.SyncStatus), nilIfEmpty(slot.GoogleEventID), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert booking failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit booking failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateBookingIfFree: created", "id", slot.ID, "start", slot.EventStartTime)
	return true, nil
}

func (s *SQLiteStore) HasBookingConflict(start, end time.Time) (bool, error) {
	var count int
	if err := s.db.QueryRow(conflictQuery, end, start).Scan(&count); err != nil {
		return false, fmt.Errorf("booking conflict check failed: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) GetBooking(id string) (*models.BookingSlot, error) {
	row := s.db.QueryRow(`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking failed: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) LastActiveBookingForSeries(seriesID string) (*models.BookingSlot, error) {
	row := s.db.QueryRow(
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE series_id = ? AND status != 'cancelled'
		 ORDER BY event_start_time DESC LIMIT 1`,
		seriesID,
	)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last active booking failed: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBookingsForSeries(seriesID string) ([]models.BookingSlot, error) {
	rows, err := s.db.Query(
		`SELECT `+bookingColumns+` FROM bookings WHERE series_id = ? ORDER BY event_start_time ASC`,
		seriesID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bookings failed: %w", err)
	}
	defer rows.Close()

	var bookings []models.BookingSlot
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking failed: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking rows iteration failed: %w", err)
	}
	return bookings, nil
}

func (s *SQLiteStore) UpdateBookingSyncState(id string, syncStatus models.SyncStatus, googleEventID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE bookings SET sync_status = ?, google_event_id = ?, updated_at = ? WHERE id = ?`,
		string(syncStatus), nilIfEmpty(googleEventID), now, id,
	)
	if err != nil {
		return fmt.Errorf("update booking sync state failed: %w", err)
	}
	slog.Debug("SQLiteStore.UpdateBookingSyncState", "id", id, "syncStatus", syncStatus)
	return nil
}

func (s *SQLiteStore) CancelFutureBookingsForSeries(seriesID string, from time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE bookings SET status = 'cancelled', updated_at = ?
		 WHERE series_id = ? AND status = 'active' AND event_start_time >= ?`,
		now, seriesID, from,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel future bookings failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.CancelFutureBookingsForSeries", "seriesID", seriesID, "cancelled", n)
	}
	return int(n), nil
}

// --- PaymentRepo ---

func (s *SQLiteStore) CreatePayment(p *models.PaymentRecord) error {
	now := time.Now()
	p.CreatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO payments (id, booking_id, amount, currency, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.BookingID, p.Amount, p.Currency, string(p.Status), now,
	)
	if err != nil {
		return fmt.Errorf("create payment failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreatePayment", "id", p.ID, "bookingID", p.BookingID, "amount", p.Amount, "currency", p.Currency)
	return nil
}

func (s *SQLiteStore) GetPaymentForBooking(bookingID string) (*models.PaymentRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, booking_id, amount, currency, status, created_at FROM payments WHERE booking_id = ?`,
		bookingID,
	)
	var p models.PaymentRecord
	err := row.Scan(&p.ID, &p.BookingID, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment failed: %w", err)
	}
	return &p, nil
}
