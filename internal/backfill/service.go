package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// ErrInvalidRange is returned when from is after to, or hours is not positive
var ErrInvalidRange = errors.New("invalid time range")

// Querier reads stored observations, oldest first, bounds inclusive
type Querier interface {
	QueryObservations(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error)
}

// Service answers historical range queries, from the cache when it covers
// the range and from the store otherwise
type Service struct {
	store   Querier
	cache   *Cache
	timeout time.Duration
	logger  *logger.Logger
	now     func() time.Time
}

// NewService creates a backfill service. cache may be nil.
func NewService(store Querier, cache *Cache, timeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		timeout: timeout,
		logger:  log.Named("backfill"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Query returns the observations of station with from <= observed_at <= to
// in ascending order. No matches yields an empty slice.
func (s *Service) Query(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error) {
	from, to = wind.NormalizeTime(from), wind.NormalizeTime(to)
	if from.After(to) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if s.cache != nil {
		if rows, ok := s.cache.Get(station, from, to); ok {
			return rows, nil
		}
	}
	return s.fromStore(ctx, station, from, to)
}

func (s *Service) fromStore(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := s.store.QueryObservations(ctx, station, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", station, err)
	}
	s.logger.Debug("Served range from store",
		logger.String("station", station),
		logger.Time("from", from),
		logger.Time("to", to),
		logger.Int("rows", len(rows)),
		logger.Duration("took", time.Since(start)),
	)
	if rows == nil {
		rows = []wind.Observation{}
	}
	return rows, nil
}

// QueryHours returns the last hours of observations
func (s *Service) QueryHours(ctx context.Context, station string, hours float64) ([]wind.Observation, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: hours must be positive", ErrInvalidRange)
	}
	now := s.now()
	from := now.Add(-time.Duration(hours * float64(time.Hour)))
	return s.Query(ctx, station, from, now)
}

// Since returns everything observed at or after last, for a reconnecting
// client. The bound is inclusive; clients dedup by observation key.
// It always reads the store: the cache only learns of a row after the relay
// hands it over, which may be after the live stream already has.
func (s *Service) Since(ctx context.Context, station string, last time.Time) ([]wind.Observation, error) {
	now := s.now()
	last = wind.NormalizeTime(last)
	if last.After(now) {
		return []wind.Observation{}, nil
	}
	return s.fromStore(ctx, station, last, wind.NormalizeTime(now))
}
