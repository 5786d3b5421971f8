package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/wind"
)

// StoreObservation inserts obs unless (station, observed_at) already exists.
// A new row and its change log entry are committed together.
func (s *Store) StoreObservation(ctx context.Context, obs wind.Observation) (wind.StoreResult, error) {
	payload, err := wind.EncodeObservation(obs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode observation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO observations (station, observed_at, direction, speed, gust)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (station, observed_at) DO NOTHING`,
		obs.Station,
		formatTime(obs.ObservedAt),
		nullFloat(obs.Direction),
		nullFloat(obs.Speed),
		nullFloat(obs.Gust),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert observation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return wind.AlreadyExists, nil
	}

	if err := appendChange(ctx, tx, obs.Station, wind.KindObservation, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit observation: %w", err)
	}

	s.notify()
	return wind.Inserted, nil
}

// QueryObservations returns observations with from <= observed_at <= to,
// oldest first
func (s *Store) QueryObservations(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observed_at, direction, speed, gust
		FROM observations
		WHERE station = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC`,
		station, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	out := []wind.Observation{}
	for rows.Next() {
		obs, err := scanObservation(rows, station)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	return out, nil
}

// LatestObservation returns the newest observation of a station. ok is
// false when the station has none.
func (s *Store) LatestObservation(ctx context.Context, station string) (obs wind.Observation, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT observed_at, direction, speed, gust
		FROM observations
		WHERE station = ?
		ORDER BY observed_at DESC
		LIMIT 1`, station)

	obs, err = scanObservation(row, station)
	if errors.Is(err, sql.ErrNoRows) {
		return wind.Observation{}, false, nil
	}
	if err != nil {
		return wind.Observation{}, false, err
	}
	return obs, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner, station string) (wind.Observation, error) {
	var (
		observedAt       string
		dir, speed, gust sql.NullFloat64
	)
	if err := row.Scan(&observedAt, &dir, &speed, &gust); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wind.Observation{}, err
		}
		return wind.Observation{}, fmt.Errorf("failed to scan observation: %w", err)
	}
	t, err := parseTime(observedAt)
	if err != nil {
		return wind.Observation{}, err
	}
	return wind.Observation{
		Station:    station,
		ObservedAt: t,
		Direction:  floatPtr(dir),
		Speed:      floatPtr(speed),
		Gust:       floatPtr(gust),
	}, nil
}
