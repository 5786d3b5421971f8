package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/wind"
)

// SaveStatus upserts the latest status of a station. When transitioned is
// true a change log entry is appended in the same transaction.
func (s *Store) SaveStatus(ctx context.Context, st wind.StationStatus, transitioned bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO station_status (station, status, last_success, last_attempt, error_message, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station) DO UPDATE SET
			status = excluded.status,
			last_success = excluded.last_success,
			last_attempt = excluded.last_attempt,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		st.Station,
		string(st.Status),
		nullTime(st.LastSuccess),
		nullTime(st.LastAttempt),
		st.ErrorMessage,
		st.RetryCount,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save status for %s: %w", st.Station, err)
	}

	if transitioned {
		payload, err := wind.EncodeStatus(st)
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		if err := appendChange(ctx, tx, st.Station, wind.KindStatus, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status: %w", err)
	}
	if transitioned {
		s.notify()
	}
	return nil
}

// ListStatuses returns the stored status of every station
func (s *Store) ListStatuses(ctx context.Context) ([]wind.StationStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station, status, last_success, last_attempt, error_message, retry_count
		FROM station_status
		ORDER BY station`)
	if err != nil {
		return nil, fmt.Errorf("failed to query station status: %w", err)
	}
	defer rows.Close()

	var out []wind.StationStatus
	for rows.Next() {
		var (
			st                       wind.StationStatus
			status                   string
			lastSuccess, lastAttempt sql.NullString
		)
		if err := rows.Scan(&st.Station, &status, &lastSuccess, &lastAttempt, &st.ErrorMessage, &st.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan station status: %w", err)
		}
		st.Status = wind.Status(status)
		if lastSuccess.Valid {
			if st.LastSuccess, err = parseTime(lastSuccess.String); err != nil {
				return nil, err
			}
		}
		if lastAttempt.Valid {
			if st.LastAttempt, err = parseTime(lastAttempt.String); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
