package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Log is the durable change log the relay tails
type Log interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, after int64, limit int) ([]wind.Change, error)
	// Listen returns a wake-up channel signalled after commits. Wake-ups
	// are hints only.
	Listen(ctx context.Context) <-chan struct{}
}

// Publisher receives every change event in commit order
type Publisher interface {
	Publish(event wind.ChangeEvent)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(event wind.ChangeEvent)

func (f PublisherFunc) Publish(event wind.ChangeEvent) { f(event) }

// Options configures the relay
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Relay tails the change log from a cursor and hands decoded events to its
// publishers. A failed read keeps the cursor, so nothing committed is
// skipped when the store comes back.
type Relay struct {
	log        Log
	publishers []Publisher
	opts       Options
	logger     *logger.Logger

	initOnce  sync.Once
	initErr   error
	cursor    atomic.Int64
	connected atomic.Bool
	published atomic.Int64
}

// New creates a relay
func New(log Log, opts Options, lg *logger.Logger, publishers ...Publisher) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Relay{
		log:        log,
		publishers: publishers,
		opts:       opts,
		logger:     lg.Named("relay"),
	}
}

// Init positions the cursor at the current head of the log. Changes
// committed after Init returns are relayed by Run.
func (r *Relay) Init(ctx context.Context) error {
	r.initOnce.Do(func() {
		head, err := r.log.LatestChangeID(ctx)
		if err != nil {
			r.initErr = fmt.Errorf("failed to read change log head: %w", err)
			return
		}
		r.cursor.Store(head)
		r.connected.Store(true)
		r.logger.Info("Relay positioned at change log head", logger.Int64("cursor", head))
	})
	return r.initErr
}

// Run relays changes until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Init(ctx); err != nil {
		return err
	}

	wake := r.log.Listen(ctx)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	backoff := r.opts.BaseBackoff
	for {
		if err := r.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if r.connected.Swap(false) {
				r.logger.Warn("Change log unavailable, relay disconnected", logger.Error(err))
			}
			r.logger.Debug("Retrying change log read",
				logger.Error(err),
				logger.Duration("backoff", backoff),
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff = min(backoff*2, r.opts.MaxBackoff)
			continue
		}

		if !r.connected.Swap(true) {
			r.logger.Info("Relay reconnected", logger.Int64("cursor", r.cursor.Load()))
		}
		backoff = r.opts.BaseBackoff

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain reads and publishes everything after the cursor
func (r *Relay) drain(ctx context.Context) error {
	for {
		batch, err := r.log.ChangesSince(ctx, r.cursor.Load(), r.opts.BatchSize)
		if err != nil {
			return err
		}

		for _, change := range batch {
			event, err := change.Event()
			if err != nil {
				r.logger.Error("Skipping undecodable change",
					logger.Int64("id", change.ID),
					logger.Error(err),
				)
			} else {
				r.published.Add(1)
				for _, p := range r.publishers {
					p.Publish(event)
				}
			}
			r.cursor.Store(change.ID)
		}

		if len(batch) < r.opts.BatchSize {
			return nil
		}
	}
}

// Connected reports whether the last change log read succeeded
func (r *Relay) Connected() bool {
	return r.connected.Load()
}

// Cursor returns the id of the last relayed change
func (r *Relay) Cursor() int64 {
	return r.cursor.Load()
}

// Published returns the number of events handed to publishers
func (r *Relay) Published() int64 {
	return r.published.Load()
}
