// Package storage selects and opens the configured wind store backend.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/storage/postgres"
	"github.com/yegors/windburglr/internal/storage/sqlite"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Store is implemented by every storage backend
type Store interface {
	RegisterStations(ctx context.Context, stations []wind.StationInfo) error
	Stations(ctx context.Context) ([]wind.StationInfo, error)

	StoreObservation(ctx context.Context, obs wind.Observation) (wind.StoreResult, error)
	QueryObservations(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error)
	LatestObservation(ctx context.Context, station string) (wind.Observation, bool, error)

	SaveStatus(ctx context.Context, status wind.StationStatus, transitioned bool) error
	ListStatuses(ctx context.Context) ([]wind.StationStatus, error)

	LatestChangeID(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, after int64, limit int) ([]wind.Change, error)
	PruneChanges(ctx context.Context, cutoff time.Time) (int64, error)
	Listen(ctx context.Context) <-chan struct{}

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open opens the backend named by cfg.Driver
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, log)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresURL, cfg.PostgresMaxConn, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// StationInfos builds registry rows from the station configuration
func StationInfos(stations []config.StationConfig) []wind.StationInfo {
	out := make([]wind.StationInfo, 0, len(stations))
	for _, st := range stations {
		out = append(out, wind.StationInfo{
			Name:           st.Name,
			URL:            st.URL,
			SourceTimezone: st.SourceTimezone,
			LocalTimezone:  st.LocalTimezone,
		})
	}
	return out
}
