package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text comparison orders instants correctly
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store is a SQLite-backed wind store. All writes go through a single
// connection, so the change log ids follow commit order.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
	wake   chan struct{}
}

// Open opens (or creates) the database at dbPath and applies the schema
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "journal mode"},
		{"PRAGMA synchronous=NORMAL", "synchronous mode"},
		{"PRAGMA busy_timeout=5000", "busy timeout"},
		{"PRAGMA cache_size=10000", "cache size"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.what, err)
		}
	}

	if err := initSchema(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		logger: storageLogger,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Listen returns the channel signalled after every committed change log
// append. The signal is a hint; the relay still reads the log itself.
func (s *Store) Listen(ctx context.Context) <-chan struct{} {
	return s.wake
}

func (s *Store) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func initSchema(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []struct{ stmt, what string }{
		{`CREATE TABLE IF NOT EXISTS stations (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			source_timezone TEXT NOT NULL,
			local_timezone TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, "stations table"},
		{`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station TEXT NOT NULL,
			observed_at TEXT NOT NULL,
			direction REAL,
			speed REAL,
			gust REAL,
			UNIQUE (station, observed_at)
		)`, "observations table"},
		{`CREATE TABLE IF NOT EXISTS station_status (
			station TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_success TEXT,
			last_attempt TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`, "station_status table"},
		{`CREATE TABLE IF NOT EXISTS change_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`, "change_log table"},
		{`CREATE INDEX IF NOT EXISTS idx_change_log_created_at ON change_log(created_at)`, "change_log index"},
	}
	for _, s := range statements {
		if _, err := db.Exec(s.stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.what, err)
		}
	}
	return nil
}

// RegisterStations upserts the station registry
func (s *Store) RegisterStations(ctx context.Context, stations []wind.StationInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, st := range stations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stations (name, url, source_timezone, local_timezone, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				url = excluded.url,
				source_timezone = excluded.source_timezone,
				local_timezone = excluded.local_timezone,
				updated_at = excluded.updated_at`,
			st.Name, st.URL, st.SourceTimezone, st.LocalTimezone, now)
		if err != nil {
			return fmt.Errorf("failed to register station %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// Stations returns the station registry ordered by name
func (s *Store) Stations(ctx context.Context) ([]wind.StationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, source_timezone, local_timezone FROM stations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var out []wind.StationInfo
	for rows.Next() {
		var st wind.StationInfo
		if err := rows.Scan(&st.Name, &st.URL, &st.SourceTimezone, &st.LocalTimezone); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return wind.NormalizeTime(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Accept rows written by other tools in plain RFC 3339
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return wind.Float(v.Float64)
}
