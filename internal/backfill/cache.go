package backfill

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Cache keeps the most recent window of observations per station in memory.
// A station's entry covers [coveredFrom, now]; anything older is served by
// the store.
type Cache struct {
	window time.Duration
	logger *logger.Logger
	now    func() time.Time

	mu       sync.RWMutex
	stations map[string]*stationWindow

	hits   atomic.Int64
	misses atomic.Int64
}

type stationWindow struct {
	coveredFrom  time.Time
	observations []wind.Observation
}

// CacheStats is a point-in-time view of cache usage
type CacheStats struct {
	Hits         int64          `json:"hits"`
	Misses       int64          `json:"misses"`
	HitRatio     float64        `json:"hit_ratio"`
	Stations     int            `json:"stations"`
	Observations int            `json:"observations"`
	PerStation   map[string]int `json:"per_station"`
	Window       string         `json:"window"`
}

// NewCache creates an empty cache that keeps window of data per station
func NewCache(window time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		window:   window,
		logger:   log.Named("backfill-cache"),
		now:      func() time.Time { return time.Now().UTC() },
		stations: make(map[string]*stationWindow),
	}
}

// Prime loads the last window of observations for each station from q
func (c *Cache) Prime(ctx context.Context, q Querier, stations []string) error {
	now := c.now()
	from := now.Add(-c.window)

	for _, station := range stations {
		rows, err := q.QueryObservations(ctx, station, from, now)
		if err != nil {
			return err
		}

		c.mu.Lock()
		w := c.entry(station)
		// keep anything the relay delivered while the query ran
		w.observations = merge(rows, w.observations)
		w.coveredFrom = from
		c.mu.Unlock()

		c.logger.Info("Cache primed",
			logger.String("station", station),
			logger.Int("observations", len(rows)),
			logger.Time("from", from),
		)
	}
	return nil
}

// Publish adds newly inserted observations to the cache. Other event kinds
// are ignored.
func (c *Cache) Publish(event wind.ChangeEvent) {
	if event.Kind != wind.KindObservation || event.Observation == nil {
		return
	}
	obs := *event.Observation

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.stations[obs.Station]
	if !ok {
		// not primed; nothing to keep consistent
		return
	}
	w.observations = merge(w.observations, []wind.Observation{obs})
	c.prune(w)
}

// Get returns the cached observations in [from, to]. ok is false when from
// lies before the covered window.
func (c *Cache) Get(station string, from, to time.Time) ([]wind.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, found := c.stations[station]
	if !found || from.Before(w.coveredFrom) {
		c.misses.Add(1)
		return nil, false
	}
	c.prune(w)
	if from.Before(w.coveredFrom) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	lo := sort.Search(len(w.observations), func(i int) bool {
		return !w.observations[i].ObservedAt.Before(from)
	})
	hi := sort.Search(len(w.observations), func(i int) bool {
		return w.observations[i].ObservedAt.After(to)
	})
	out := make([]wind.Observation, 0, max(hi-lo, 0))
	if lo < hi {
		out = append(out, w.observations[lo:hi]...)
	}
	return out, true
}

// Stats returns hit and miss counters plus per-station sizes
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Stations:   len(c.stations),
		PerStation: make(map[string]int, len(c.stations)),
		Window:     c.window.String(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(total)
	}
	for name, w := range c.stations {
		stats.PerStation[name] = len(w.observations)
		stats.Observations += len(w.observations)
	}
	return stats
}

func (c *Cache) entry(station string) *stationWindow {
	w, ok := c.stations[station]
	if !ok {
		w = &stationWindow{}
		c.stations[station] = w
	}
	return w
}

// prune drops observations that fell out of the window and moves
// coveredFrom forward to match
func (c *Cache) prune(w *stationWindow) {
	cutoff := c.now().Add(-c.window)
	if cutoff.After(w.coveredFrom) {
		w.coveredFrom = cutoff
	}
	i := sort.Search(len(w.observations), func(i int) bool {
		return !w.observations[i].ObservedAt.Before(w.coveredFrom)
	})
	if i > 0 {
		w.observations = append(w.observations[:0:0], w.observations[i:]...)
	}
}

// merge combines two ascending slices, dropping duplicate keys
func merge(a, b []wind.Observation) []wind.Observation {
	out := make([]wind.Observation, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var next wind.Observation
		switch {
		case j >= len(b):
			next = a[i]
			i++
		case i >= len(a):
			next = b[j]
			j++
		case b[j].ObservedAt.Before(a[i].ObservedAt):
			next = b[j]
			j++
		default:
			next = a[i]
			i++
		}
		if n := len(out); n > 0 && out[n-1].ObservedAt.Equal(next.ObservedAt) {
			continue
		}
		out = append(out, next)
	}
	return out
}
