package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/willowmind/BookPipe/internal/alert"
	"github.com/willowmind/BookPipe/internal/calendar"
	"github.com/willowmind/BookPipe/internal/lockfile"
	"github.com/willowmind/BookPipe/internal/pricing"
	"github.com/willowmind/BookPipe/internal/recur"
	"github.com/willowmind/BookPipe/internal/schedule"
	"github.com/willowmind/BookPipe/internal/store"
	"github.com/willowmind/BookPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BookPipe state data
	DefaultStateDir = "/var/lib/bookpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bookpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping BookPipe")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "timezone", *flags.timezone, "scan_schedule", *flags.scanSchedule)
	if err := run(flags); err != nil {
		slog.Error("BookPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BookPipe exited successfully")
}

// run wires the modules together and blocks until a termination signal.
func run(flags Flags) error {
	// Exclusive state directory lock. Two schedulers over the same job table
	// would double-fire timers.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	calc, err := recur.NewOccurrenceCalculator(*flags.timezone)
	if err != nil {
		return err
	}

	alerter := buildAlerter()

	pricebook := pricing.NewStaticPricebook(parsePricebook(os.Getenv("SESSION_PRICES"), os.Getenv("PRICE_CURRENCY")))

	calConn := calendar.StaticConnection(util.ParseBoolEnv("CALENDAR_CONNECTED", false))

	registry := schedule.NewRegistry()
	dispatcher := schedule.NewDispatcher(st, registry)
	scheduler := schedule.NewScheduler(st, dispatcher)

	engine := recur.NewEngine(st, scheduler, calc, pricebook, calConn, alerter)

	recur.RegisterJobHandlers(registry, engine)
	calendar.RegisterJobHandlers(registry, st, calendar.NewLogClient())

	if err := registry.Validate(recur.JobKindBufferRefresh, calendar.JobKindEventSync, calendar.JobKindEventDeletion); err != nil {
		return err
	}

	promoter := schedule.NewPromoter(st, dispatcher)
	if err := promoter.RecoverStaleJobs(); err != nil {
		return err
	}
	if err := promoter.Start(*flags.scanSchedule); err != nil {
		return err
	}

	slog.Info("BookPipe running", "kinds", registry.Kinds())

	// Block until SIGINT or SIGTERM, then drain in reverse start order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	promoter.Stop()
	dispatcher.Stop()
	return nil
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	Timezone     string
	ScanSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	timezone     *string
	scanSchedule *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("BOOKPIPE_STATE_DIR"),
		Timezone:     os.Getenv("BOOKPIPE_TIMEZONE"),
		ScanSchedule: os.Getenv("SCAN_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOOKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("BOOKPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.Timezone == "" {
		config.Timezone = recur.DefaultTimezone
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"BOOKPIPE_STATE_DIR", config.StateDir,
		"BOOKPIPE_TIMEZONE", config.Timezone,
		"SCAN_SCHEDULE", config.ScanSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for BookPipe data (overrides $BOOKPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		timezone:     flag.String("timezone", config.Timezone, "IANA timezone for occurrence arithmetic (overrides $BOOKPIPE_TIMEZONE)"),
		scanSchedule: flag.String("scan-schedule", config.ScanSchedule, "cron schedule for the promotion scan (overrides $SCAN_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"timezone", *flags.timezone,
		"scanSchedule", *flags.scanSchedule)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// openStore selects the store backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildAlerter uses Twilio SMS alerts when credentials are configured and
// falls back to log-only alerts otherwise.
func buildAlerter() alert.Alerter {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Info("No Twilio credentials configured, operator alerts go to the log only")
		return alert.NewLogAlerter()
	}
	alerter, err := alert.NewTwilioAlerter()
	if err != nil {
		slog.Warn("Twilio alerter misconfigured, falling back to log-only alerts", "error", err)
		return alert.NewLogAlerter()
	}
	return alerter
}

// parsePricebook parses $SESSION_PRICES, a comma-separated list of
// accountType=amountInCents pairs (e.g. "standard=15000,student=10000").
// Currency applies to all entries and defaults to CAD.
func parsePricebook(raw, currency string) map[string]pricing.Price {
	if currency == "" {
		currency = "CAD"
	}
	prices := make(map[string]pricing.Price)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			slog.Warn("parsePricebook: skipping malformed entry", "entry", pair)
			continue
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || amount < 0 {
			slog.Warn("parsePricebook: skipping entry with invalid amount", "entry", pair)
			continue
		}
		prices[strings.TrimSpace(key)] = pricing.Price{Amount: amount, Currency: currency}
	}
	slog.Debug("parsePricebook: pricebook loaded", "entries", len(prices), "currency", currency)
	return prices
}
