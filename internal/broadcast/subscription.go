package broadcast

import (
	"sync"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Subscription is one registered sink
type Subscription struct {
	id          string
	station     string
	sink        Sink
	broadcaster *Broadcaster

	mu      sync.Mutex
	queue   *ring
	dropped int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscription identifier
func (s *Subscription) ID() string { return s.id }

// Station returns the subscribed station
func (s *Subscription) Station() string { return s.station }

// Done is closed when the subscription ends, for whatever reason
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broadcaster.remove(s)
	})
}

func (s *Subscription) enqueue(event wind.ChangeEvent) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	if s.queue.push(event) {
		s.dropped++
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event along with the number of events
// dropped since the previous pop
func (s *Subscription) next() (wind.ChangeEvent, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.queue.pop()
	if !ok {
		return wind.ChangeEvent{}, 0, false
	}
	dropped := s.dropped
	s.dropped = 0
	return event, dropped, true
}

func (s *Subscription) deliver(heartbeat time.Duration) {
	log := s.broadcaster.logger
	idle := time.NewTimer(heartbeat)
	defer idle.Stop()

	send := func(event wind.ChangeEvent) bool {
		if err := s.sink.Send(event); err != nil {
			log.Debug("Subscriber write failed, removing",
				logger.String("station", s.station),
				logger.String("subscription", s.id),
				logger.Error(err),
			)
			s.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-s.done:
			return

		case <-s.notify:
			for {
				event, dropped, ok := s.next()
				if !ok {
					break
				}
				if dropped > 0 {
					log.Warn("Subscriber fell behind, events dropped",
						logger.String("station", s.station),
						logger.String("subscription", s.id),
						logger.Int("dropped", dropped),
					)
					if !send(wind.ChangeEvent{Kind: wind.KindResync, Station: s.station, Dropped: dropped}) {
						return
					}
				}
				if !send(event) {
					return
				}
				select {
				case <-s.done:
					return
				default:
				}
			}

		case <-idle.C:
			if !send(wind.ChangeEvent{Kind: wind.KindHeartbeat, Station: s.station}) {
				return
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(heartbeat)
	}
}
