// Package store provides storage backends for BookPipe.
//
// This file implements the SQLite-backed store setup and the recurring
// series repository.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/willowmind/BookPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids database-locked
	// errors under concurrent handler execution.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// --- SeriesRepo ---

func (s *SQLiteStore) CreateSeries(series *models.RecurringSeries) error {
	existing, err := s.GetActiveSeriesForUser(series.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return models.ErrDuplicateSeries
	}

	now := time.Now()
	series.CreatedAt = now
	series.UpdatedAt = now
	_, err = s.db.Exec(
		`INSERT INTO recurring_series (id, user_id, interval, day_of_week, time_of_day, location, account_type, session_minutes, active, next_buffer_refresh, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		series.ID, series.UserID, string(series.Interval), int(series.DayOfWeek), series.TimeOfDay,
		nilIfEmpty(series.Location), series.AccountType, series.SessionMinutes, series.Active,
		series.NextBufferRefresh, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateSeries failed", "error", err, "userID", series.UserID)
		return fmt.Errorf("create series failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateSeries", "id", series.ID, "userID", series.UserID, "interval", series.Interval)
	return nil
}

func (s *SQLiteStore) GetSeries(id string) (*models.RecurringSeries, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, interval, day_of_week, time_of_day, location, account_type, session_minutes, active, next_buffer_refresh, created_at, updated_at
		 FROM recurring_series WHERE id = ?`, id,
	)
	series, err := scanSeriesRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get series failed: %w", err)
	}
	return &series, nil
}

func (s *SQLiteStore) GetActiveSeriesForUser(userID string) (*models.RecurringSeries, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, interval, day_of_week, time_of_day, location, account_type, session_minutes, active, next_buffer_refresh, created_at, updated_at
		 FROM recurring_series WHERE user_id = ? AND active = 1`, userID,
	)
	series, err := scanSeriesRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active series failed: %w", err)
	}
	return &series, nil
}

func (s *SQLiteStore) SetSeriesNextRefresh(id string, at time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE recurring_series SET next_buffer_refresh = ?, updated_at = ? WHERE id = ?`,
		at, now, id,
	)
	if err != nil {
		return fmt.Errorf("set series next refresh failed: %w", err)
	}
	slog.Debug("SQLiteStore.SetSeriesNextRefresh", "id", id, "at", at)
	return nil
}

func (s *SQLiteStore) DeactivateSeries(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE recurring_series SET active = 0, next_buffer_refresh = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate series failed: %w", err)
	}
	slog.Debug("SQLiteStore.DeactivateSeries", "id", id)
	return nil
}
