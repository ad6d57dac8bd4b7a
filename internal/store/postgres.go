// Package store provides storage backends for BookPipe.
//
// This file implements the PostgreSQL-backed store setup and the recurring
// series repository.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/willowmind/BookPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// bookingsAdvisoryLockID serializes check-and-insert on the bookings table.
// The practice has a single calendar, so one transaction-scoped lock key is
// sufficient.
const bookingsAdvisoryLockID = 7201

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// --- SeriesRepo ---

func (s *PostgresStore) CreateSeries(series *models.RecurringSeries) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		series.ID, series.UserID, string(series.Interval), int(series.DayOfWeek), series.TimeOfDay,
		nilIfEmpty(series.Location), series.AccountType, series.SessionMinutes, series.Active,
		series.NextBufferRefresh, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateSeries failed", "error", err, "userID", series.UserID)
		return fmt.Errorf("create series failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateSeries", "id", series.ID, "userID", series.UserID, "interval", series.Interval)
	return nil
}

func (s *PostgresStore) GetSeries(id string) (*models.RecurringSeries, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, interval, day_of_week, time_of_day, location, account_type, session_minutes, active, next_buffer_refresh, created_at, updated_at
		 FROM recurring_series WHERE id = $1`, id,
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

func (s *PostgresStore) GetActiveSeriesForUser(userID string) (*models.RecurringSeries, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, interval, day_of_week, time_of_day, location, account_type, session_minutes, active, next_buffer_refresh, created_at, updated_at
		 FROM recurring_series WHERE user_id = $1 AND active`, userID,
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

func (s *PostgresStore) SetSeriesNextRefresh(id string, at time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE recurring_series SET next_buffer_refresh = $1, updated_at = $2 WHERE id = $3`,
		at, now, id,
	)
	if err != nil {
		return fmt.Errorf("set series next refresh failed: %w", err)
	}
	slog.Debug("PostgresStore.SetSeriesNextRefresh", "id", id, "at", at)
	return nil
}

func (s *PostgresStore) DeactivateSeries(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE recurring_series SET active = FALSE, next_buffer_refresh = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate series failed: %w", err)
	}
	slog.Debug("PostgresStore.DeactivateSeries", "id", id)
	return nil
}
