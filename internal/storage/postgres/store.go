package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Channel is the LISTEN/NOTIFY channel signalled on every change log append
const Channel = "windburglr_changes"

// changeLogLock serializes change log appends so ids are assigned in commit order
const changeLogLock = 0x77696e64

// Store is a Postgres-backed wind store
type Store struct {
	pool     *pgxpool.Pool
	logger   *logger.Logger
	listener *Listener
}

// Open connects to Postgres and applies the schema
func Open(ctx context.Context, dsn string, maxConns int, log *logger.Logger) (*Store, error) {
	storeLogger := log.Named("postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	storeLogger.Info("Connected to Postgres",
		logger.String("host", cfg.ConnConfig.Host),
		logger.String("database", cfg.ConnConfig.Database),
		logger.Int("max_conns", maxConns),
	)

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:     pool,
		logger:   storeLogger,
		listener: NewListener(cfg.ConnConfig, storeLogger),
	}, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Listen starts the notification listener bound to ctx and returns its
// wake-up channel
func (s *Store) Listen(ctx context.Context) <-chan struct{} {
	s.listener.Start(ctx)
	return s.listener.C()
}

// ListenerConnected reports whether the notification connection is up
func (s *Store) ListenerConnected() bool {
	return s.listener.Connected()
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []struct{ stmt, what string }{
		{`CREATE TABLE IF NOT EXISTS stations (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			source_timezone TEXT NOT NULL,
			local_timezone TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, "stations table"},
		{`CREATE TABLE IF NOT EXISTS observations (
			id BIGSERIAL PRIMARY KEY,
			station TEXT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			direction DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			gust DOUBLE PRECISION,
			UNIQUE (station, observed_at)
		)`, "observations table"},
		{`CREATE TABLE IF NOT EXISTS station_status (
			station TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_success TIMESTAMPTZ,
			last_attempt TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, "station_status table"},
		{`CREATE TABLE IF NOT EXISTS change_log (
			id BIGSERIAL PRIMARY KEY,
			station TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, "change_log table"},
		{`CREATE INDEX IF NOT EXISTS idx_change_log_created_at ON change_log(created_at)`, "change_log index"},
	}
	for _, s := range statements {
		if _, err := pool.Exec(ctx, s.stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.what, err)
		}
	}
	return nil
}

// RegisterStations upserts the station registry
func (s *Store) RegisterStations(ctx context.Context, stations []wind.StationInfo) error {
	b := &pgx.Batch{}
	for _, st := range stations {
		b.Queue(`
			INSERT INTO stations (name, url, source_timezone, local_timezone, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (name) DO UPDATE SET
				url = EXCLUDED.url,
				source_timezone = EXCLUDED.source_timezone,
				local_timezone = EXCLUDED.local_timezone,
				updated_at = now()`,
			st.Name, st.URL, st.SourceTimezone, st.LocalTimezone)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to register stations: %w", err)
	}
	return nil
}

// Stations returns the station registry ordered by name
func (s *Store) Stations(ctx context.Context) ([]wind.StationInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, url, source_timezone, local_timezone FROM stations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (wind.StationInfo, error) {
		var st wind.StationInfo
		err := row.Scan(&st.Name, &st.URL, &st.SourceTimezone, &st.LocalTimezone)
		return st, err
	})
}

// StoreObservation inserts obs unless (station, observed_at) already exists.
// A new row and its change log entry are committed together.
func (s *Store) StoreObservation(ctx context.Context, obs wind.Observation) (wind.StoreResult, error) {
	payload, err := wind.EncodeObservation(obs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode observation: %w", err)
	}

	result := wind.AlreadyExists
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO observations (station, observed_at, direction, speed, gust)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (station, observed_at) DO NOTHING`,
			obs.Station, wind.NormalizeTime(obs.ObservedAt), obs.Direction, obs.Speed, obs.Gust)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		result = wind.Inserted
		return appendChange(ctx, tx, obs.Station, wind.KindObservation, payload)
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// QueryObservations returns observations with from <= observed_at <= to,
// oldest first
func (s *Store) QueryObservations(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT observed_at, direction, speed, gust
		FROM observations
		WHERE station = $1 AND observed_at >= $2 AND observed_at <= $3
		ORDER BY observed_at ASC`,
		station, wind.NormalizeTime(from), wind.NormalizeTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	out, err := pgx.CollectRows(rows, observationRow(station))
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	if out == nil {
		out = []wind.Observation{}
	}
	return out, nil
}

// LatestObservation returns the newest observation of a station. ok is
// false when the station has none.
func (s *Store) LatestObservation(ctx context.Context, station string) (wind.Observation, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT observed_at, direction, speed, gust
		FROM observations
		WHERE station = $1
		ORDER BY observed_at DESC
		LIMIT 1`, station)
	if err != nil {
		return wind.Observation{}, false, fmt.Errorf("failed to query latest observation: %w", err)
	}
	obs, err := pgx.CollectOneRow(rows, observationRow(station))
	if errors.Is(err, pgx.ErrNoRows) {
		return wind.Observation{}, false, nil
	}
	if err != nil {
		return wind.Observation{}, false, fmt.Errorf("failed to read latest observation: %w", err)
	}
	return obs, true, nil
}

func observationRow(station string) pgx.RowToFunc[wind.Observation] {
	return func(row pgx.CollectableRow) (wind.Observation, error) {
		obs := wind.Observation{Station: station}
		err := row.Scan(&obs.ObservedAt, &obs.Direction, &obs.Speed, &obs.Gust)
		obs.ObservedAt = obs.ObservedAt.UTC()
		return obs, err
	}
}

// SaveStatus upserts the latest status of a station. When transitioned is
// true a change log entry is appended in the same transaction.
func (s *Store) SaveStatus(ctx context.Context, st wind.StationStatus, transitioned bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO station_status (station, status, last_success, last_attempt, error_message, retry_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (station) DO UPDATE SET
				status = EXCLUDED.status,
				last_success = EXCLUDED.last_success,
				last_attempt = EXCLUDED.last_attempt,
				error_message = EXCLUDED.error_message,
				retry_count = EXCLUDED.retry_count,
				updated_at = now()`,
			st.Station, string(st.Status), nullTime(st.LastSuccess), nullTime(st.LastAttempt),
			st.ErrorMessage, st.RetryCount)
		if err != nil {
			return fmt.Errorf("failed to save status for %s: %w", st.Station, err)
		}
		if !transitioned {
			return nil
		}
		payload, err := wind.EncodeStatus(st)
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return appendChange(ctx, tx, st.Station, wind.KindStatus, payload)
	})
}

// ListStatuses returns the stored status of every station
func (s *Store) ListStatuses(ctx context.Context) ([]wind.StationStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT station, status, last_success, last_attempt, error_message, retry_count
		FROM station_status
		ORDER BY station`)
	if err != nil {
		return nil, fmt.Errorf("failed to query station status: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (wind.StationStatus, error) {
		var (
			st                       wind.StationStatus
			status                   string
			lastSuccess, lastAttempt *time.Time
		)
		if err := row.Scan(&st.Station, &status, &lastSuccess, &lastAttempt, &st.ErrorMessage, &st.RetryCount); err != nil {
			return st, err
		}
		st.Status = wind.Status(status)
		if lastSuccess != nil {
			st.LastSuccess = lastSuccess.UTC()
		}
		if lastAttempt != nil {
			st.LastAttempt = lastAttempt.UTC()
		}
		return st, nil
	})
}

func appendChange(ctx context.Context, tx pgx.Tx, station string, kind wind.EventKind, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(changeLogLock)); err != nil {
		return fmt.Errorf("failed to lock change log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO change_log (station, kind, payload) VALUES ($1, $2, $3)`,
		station, string(kind), string(payload)); err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, station); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}
	return nil
}

// LatestChangeID returns the id of the newest change log row, or 0
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM change_log`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read change log head: %w", err)
	}
	return id, nil
}

// ChangesSince returns up to limit changes with id > after, in id order
func (s *Store) ChangesSince(ctx context.Context, after int64, limit int) ([]wind.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, station, kind, payload::text, created_at
		FROM change_log
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (wind.Change, error) {
		var (
			c             wind.Change
			kind, payload string
		)
		if err := row.Scan(&c.ID, &c.Station, &kind, &payload, &c.CreatedAt); err != nil {
			return c, err
		}
		c.Kind = wind.EventKind(kind)
		c.Payload = []byte(payload)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, nil
	})
}

// PruneChanges deletes change log rows created before cutoff
func (s *Store) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM change_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := wind.NormalizeTime(t)
	return &u
}
