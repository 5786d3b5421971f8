package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// ErrClosed is returned by Subscribe after the broadcaster has been closed
var ErrClosed = errors.New("broadcaster closed")

// Defaults used when Options leaves a field at zero
const (
	DefaultBufferSize = 64
	DefaultHeartbeat  = 30 * time.Second
)

// Sink receives the events of one subscription. Send is only ever called
// from the subscription's delivery goroutine. A returned error ends the
// subscription.
type Sink interface {
	Send(event wind.ChangeEvent) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(event wind.ChangeEvent) error

func (f SinkFunc) Send(event wind.ChangeEvent) error { return f(event) }

// Options configures a Broadcaster
type Options struct {
	BufferSize int
	Heartbeat  time.Duration
}

// Broadcaster fans change events out to per-station subscribers. Publish
// never waits on a sink: every subscription buffers on its own and drops
// the oldest events when it falls behind.
type Broadcaster struct {
	opts   Options
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

// New creates a broadcaster
func New(opts Options, log *logger.Logger) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Broadcaster{
		opts:   opts,
		logger: log.Named("broadcast"),
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers sink for the events of station
func (b *Broadcaster) Subscribe(station string, sink Sink) (*Subscription, error) {
	s := &Subscription{
		id:          uuid.NewString(),
		station:     station,
		sink:        sink,
		broadcaster: b,
		queue:       newRing(b.opts.BufferSize),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[station] == nil {
		b.subs[station] = make(map[string]*Subscription)
	}
	b.subs[station][s.id] = s
	count := len(b.subs[station])
	b.mu.Unlock()

	b.logger.Debug("Subscriber added",
		logger.String("station", station),
		logger.String("subscription", s.id),
		logger.Int("subscribers", count),
	)

	go s.deliver(b.opts.Heartbeat)
	return s, nil
}

// Publish queues event for every subscriber of its station
func (b *Broadcaster) Publish(event wind.ChangeEvent) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[event.Station]))
	for _, s := range b.subs[event.Station] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(event)
	}
}

// Count returns the number of subscribers of station
func (b *Broadcaster) Count(station string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[station])
}

// Counts returns the number of subscribers per station
func (b *Broadcaster) Counts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.subs))
	for station, subs := range b.subs {
		out[station] = len(subs)
	}
	return out
}

// Close ends every subscription and rejects new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	b.logger.Info("Broadcaster closed", logger.Int("subscriptions", len(all)))
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.station]
	if subs == nil {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.subs, s.station)
	}
}
