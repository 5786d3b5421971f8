package scraper

import (
	"context"
	"fmt"
	"sync"

	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Service supervises one poll loop per configured station. Loops share a
// cancellation context but never wait on each other.
type Service struct {
	stations []config.StationConfig
	source   Source
	store    Store
	policy   Policy
	logger   *logger.Logger

	mu      sync.RWMutex
	pollers []*Poller
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates the scraper service
func NewService(stations []config.StationConfig, source Source, store Store, policy Policy, log *logger.Logger) *Service {
	return &Service{
		stations: stations,
		source:   source,
		store:    store,
		policy:   policy,
		logger:   log.Named("scraper"),
	}
}

// Start resumes stored statuses and launches every station loop
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting scraper service", logger.Int("stations", len(s.stations)))

	previous := make(map[string]wind.StationStatus)
	stored, err := s.store.ListStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load station statuses: %w", err)
	}
	for _, st := range stored {
		previous[st.Station] = st
	}

	pollers := make([]*Poller, 0, len(s.stations))
	for _, st := range s.stations {
		var prev *wind.StationStatus
		if p, ok := previous[st.Name]; ok {
			prev = &p
		}
		poller, err := NewPoller(st, s.source, s.store, s.policy, prev, s.logger)
		if err != nil {
			return err
		}
		pollers = append(pollers, poller)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.pollers = pollers
	s.cancel = cancel
	s.mu.Unlock()

	for _, p := range pollers {
		s.wg.Add(1)
		go func(p *Poller) {
			defer s.wg.Done()
			p.Run(runCtx)
		}(p)
	}

	return nil
}

// Stop cancels all loops and waits for them to record their stopped status
func (s *Service) Stop() {
	s.logger.Info("Stopping scraper service")

	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
	s.logger.Info("Scraper service stopped")
}

// Statuses returns the in-memory status of every running station loop
func (s *Service) Statuses() []wind.StationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]wind.StationStatus, 0, len(s.pollers))
	for _, p := range s.pollers {
		out = append(out, p.Status())
	}
	return out
}
