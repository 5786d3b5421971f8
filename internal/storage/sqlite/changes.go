package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/wind"
)

func appendChange(ctx context.Context, tx *sql.Tx, station string, kind wind.EventKind, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (station, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		station, string(kind), string(payload), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}

// LatestChangeID returns the id of the newest change log row, or 0
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM change_log`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read change log head: %w", err)
	}
	return id.Int64, nil
}

// ChangesSince returns up to limit changes with id > after, in id order
func (s *Store) ChangesSince(ctx context.Context, after int64, limit int) ([]wind.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station, kind, payload, created_at
		FROM change_log
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var out []wind.Change
	for rows.Next() {
		var (
			c                 wind.Change
			kind, payload, at string
		)
		if err := rows.Scan(&c.ID, &c.Station, &kind, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Kind = wind.EventKind(kind)
		c.Payload = []byte(payload)
		if c.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneChanges deletes change log rows created before cutoff
func (s *Store) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_log WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	return res.RowsAffected()
}
