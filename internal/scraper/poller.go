package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Source performs one fetch attempt for a station
type Source interface {
	Fetch(ctx context.Context, st config.StationConfig) ([]byte, error)
}

// Store persists observations and station status
type Store interface {
	StoreObservation(ctx context.Context, obs wind.Observation) (wind.StoreResult, error)
	SaveStatus(ctx context.Context, status wind.StationStatus, transitioned bool) error
	ListStatuses(ctx context.Context) ([]wind.StationStatus, error)
}

// Policy holds the retry settings shared by all poll loops
type Policy struct {
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ShutdownTimeout time.Duration
}

// Poller runs the fetch, parse, store, status cycle for one station
type Poller struct {
	station config.StationConfig
	source  Source
	parser  *Parser
	store   Store
	policy  Policy
	logger  *logger.Logger
	now     func() time.Time

	tracker *StatusTracker
	// recorded is the last status value written with a transition
	recorded wind.Status

	mu       sync.RWMutex
	snapshot wind.StationStatus
}

// NewPoller creates the loop for one station. previous is the stored
// status from an earlier run, if any.
func NewPoller(st config.StationConfig, source Source, store Store, policy Policy, previous *wind.StationStatus, log *logger.Logger) (*Poller, error) {
	parser, err := NewParser(st)
	if err != nil {
		return nil, err
	}

	tracker := NewStatusTracker(st.Name, previous)
	p := &Poller{
		station:  st,
		source:   source,
		parser:   parser,
		store:    store,
		policy:   policy,
		logger:   log.Named("station").With(logger.String("station", st.Name)),
		now:      func() time.Time { return time.Now().UTC() },
		tracker:  tracker,
		recorded: tracker.Current().Status,
		snapshot: tracker.Current(),
	}
	return p, nil
}

// Status returns the latest status of this station
func (p *Poller) Status() wind.StationStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Run polls until ctx is cancelled, then records the stopped status
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting station poll loop",
		logger.String("url", p.station.URL),
		logger.Duration("poll_interval", p.station.PollInterval()),
		logger.Duration("stale_timeout", p.station.StaleTimeout()),
	)

	for {
		delay := p.cycle(ctx)
		if ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	p.stop()
}

// cycle runs one poll cycle and returns the delay before the next one
func (p *Poller) cycle(ctx context.Context) time.Duration {
	body, err := p.source.Fetch(ctx, p.station)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		status := wind.StatusNetworkError
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			status = fetchErr.Status()
		}
		return p.fail(ctx, status, err)
	}

	obs, err := p.parser.Parse(body)
	if err != nil {
		return p.fail(ctx, wind.StatusParseError, err)
	}

	now := p.now()
	age := now.Sub(obs.ObservedAt)
	stale := age > p.station.StaleTimeout()

	// Stale readings are stored anyway; the store may not have them yet
	result, err := p.store.StoreObservation(ctx, obs)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.logger.Error("Failed to store observation",
			logger.Error(err),
			logger.Time("observed_at", obs.ObservedAt),
		)
		p.tracker.StorageFailure(fmt.Sprintf("storage_error: %v", err), now)
		p.record(ctx)
		return Backoff(p.policy.BaseBackoff, p.policy.MaxBackoff, p.tracker.Current().RetryCount)
	}

	p.logger.Debug("Observation processed",
		logger.Time("observed_at", obs.ObservedAt),
		logger.String("result", result.String()),
	)

	message := ""
	if stale {
		message = fmt.Sprintf("data is %s old (limit %s)", age.Truncate(time.Second), p.station.StaleTimeout())
		p.logger.Warn("Station data is stale",
			logger.Time("observed_at", obs.ObservedAt),
			logger.Duration("age", age),
		)
	}
	p.tracker.Success(stale, message, now)
	p.record(ctx)

	return p.station.PollInterval()
}

func (p *Poller) fail(ctx context.Context, status wind.Status, err error) time.Duration {
	p.tracker.Failure(status, err.Error(), p.now())
	retries := p.tracker.Current().RetryCount
	delay := Backoff(p.policy.BaseBackoff, p.policy.MaxBackoff, retries)

	p.logger.Warn("Station poll failed",
		logger.String("status", string(status)),
		logger.Error(err),
		logger.Int("retry_count", retries),
		logger.Duration("backoff", delay),
	)

	p.record(ctx)
	return delay
}

// record persists the current status. A transition is flagged whenever the
// value differs from the last one written as a transition, so a failed
// write is retried on the next cycle instead of being lost.
func (p *Poller) record(ctx context.Context) {
	cur := p.tracker.Current()

	p.mu.Lock()
	p.snapshot = cur
	p.mu.Unlock()

	transitioned := cur.Status != p.recorded
	if err := p.store.SaveStatus(ctx, cur, transitioned); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to save station status",
				logger.String("status", string(cur.Status)),
				logger.Error(err),
			)
		}
		return
	}

	if transitioned {
		p.logger.Info("Station status changed",
			logger.String("from", string(p.recorded)),
			logger.String("to", string(cur.Status)),
		)
		p.recorded = cur.Status
	}
}

func (p *Poller) stop() {
	p.tracker.Stop()

	timeout := p.policy.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p.record(ctx)
	p.logger.Info("Station poll loop stopped")
}
