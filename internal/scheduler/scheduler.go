package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/yegors/windburglr/pkg/logger"
)

// Job is a periodic task. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler runs maintenance jobs (watchdog sweep, change log pruning) on
// fixed intervals. A job never overlaps with its own previous run.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      int
}

// New creates a stopped scheduler
func New(log *logger.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		logger:    log.Named("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Every registers job to run every interval, starting immediately once the
// scheduler is started
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	_, err := s.scheduler.Every(interval).Do(func() {
		start := time.Now()
		job(s.ctx)
		s.logger.Debug("Job finished",
			logger.String("job", name),
			logger.Duration("took", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.jobs++
	s.logger.Info("Job scheduled",
		logger.String("job", name),
		logger.Duration("interval", interval),
	)
	return nil
}

// Start runs the scheduled jobs in the background
func (s *Scheduler) Start() {
	if s.jobs == 0 {
		s.logger.Info("No jobs scheduled")
		return
	}
	s.scheduler.StartAsync()
}

// Stop cancels running jobs and stops future runs
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}
