package watchdog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// DefaultTimeout is how long a station may go without an attempt
const DefaultTimeout = 5 * time.Minute

// StatusSource lists the stored status of every station
type StatusSource interface {
	ListStatuses(ctx context.Context) ([]wind.StationStatus, error)
}

// SuspendedMessage is the error message of a synthetic suspended status
const SuspendedMessage = "No recent status update"

// Notifier receives the status events produced when a station is suspended
// or resumes
type Notifier interface {
	Publish(event wind.ChangeEvent)
}

// Report is a station status plus the watchdog's verdict
type Report struct {
	wind.StationStatus
	Suspended bool `json:"suspended"`
}

// Watchdog flags stations whose scraper stopped making attempts without
// recording a stopped status, e.g. a hung or crashed scraper process
type Watchdog struct {
	source  StatusSource
	timeout time.Duration
	logger  *logger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	notifier  Notifier
	statuses  map[string]wind.StationStatus
	suspended map[string]bool
}

// New creates a watchdog
func New(source StatusSource, timeout time.Duration, log *logger.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{
		source:    source,
		timeout:   timeout,
		logger:    log.Named("watchdog"),
		now:       func() time.Time { return time.Now().UTC() },
		statuses:  make(map[string]wind.StationStatus),
		suspended: make(map[string]bool),
	}
}

// Sweep reloads statuses from the store and re-evaluates every station
func (w *Watchdog) Sweep(ctx context.Context) {
	statuses, err := w.source.ListStatuses(ctx)
	if err != nil {
		w.logger.Error("Failed to load station statuses", logger.Error(err))
		return
	}

	w.mu.Lock()
	for _, st := range statuses {
		w.statuses[st.Station] = st
	}
	events := w.evaluate()
	notifier := w.notifier
	w.mu.Unlock()

	if notifier == nil {
		return
	}
	for _, event := range events {
		notifier.Publish(event)
	}
}

// SetNotifier sets where suspension changes found by Sweep are published
func (w *Watchdog) SetNotifier(n Notifier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notifier = n
}

// Publish records status transitions as they are relayed, so the verdict
// is current between sweeps. A resume found here is not re-published since
// subscribers receive the relayed status itself.
func (w *Watchdog) Publish(event wind.ChangeEvent) {
	if event.Kind != wind.KindStatus || event.Status == nil {
		return
	}
	w.mu.Lock()
	w.statuses[event.Station] = *event.Status
	events := w.evaluate()
	notifier := w.notifier
	w.mu.Unlock()

	if notifier == nil {
		return
	}
	for _, e := range events {
		if e.Status.Status == wind.StatusSuspended {
			notifier.Publish(e)
		}
	}
}

// evaluate must be called with mu held. It returns one status event per
// station whose verdict changed: a synthetic suspended status, or the
// stored status on resume.
func (w *Watchdog) evaluate() []wind.ChangeEvent {
	now := w.now()
	var events []wind.ChangeEvent
	for name, st := range w.statuses {
		suspended := w.isSuspended(st, now)
		if suspended == w.suspended[name] {
			continue
		}
		w.suspended[name] = suspended
		if suspended {
			w.logger.Warn("Scraper suspended",
				logger.String("station", name),
				logger.Time("last_attempt", st.LastAttempt),
				logger.Duration("timeout", w.timeout),
			)
			shown := st
			shown.Status = wind.StatusSuspended
			shown.ErrorMessage = SuspendedMessage
			events = append(events, wind.StatusChanged(shown))
		} else {
			w.logger.Info("Scraper resumed", logger.String("station", name))
			events = append(events, wind.StatusChanged(st))
		}
	}
	return events
}

func (w *Watchdog) isSuspended(st wind.StationStatus, now time.Time) bool {
	if st.Status == wind.StatusStopped || st.LastAttempt.IsZero() {
		return false
	}
	return now.Sub(st.LastAttempt) > w.timeout
}

// Suspended reports whether station is currently flagged
func (w *Watchdog) Suspended(station string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.suspended[station]
}

// Reports returns every known station, sorted by name
func (w *Watchdog) Reports() []Report {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Report, 0, len(w.statuses))
	for name, st := range w.statuses {
		out = append(out, Report{StationStatus: st, Suspended: w.suspended[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Station < out[j].Station })
	return out
}

// Timeout returns the suspension threshold
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
