package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yegors/windburglr/pkg/logger"
)

func TestEveryRunsUntilStop(t *testing.T) {
	s := New(logger.NewNop())

	var runs atomic.Int32
	if err := s.Every("count", 10*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want at least 2", runs.Load())
	}

	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() > stopped+1 {
		t.Errorf("job kept running after Stop: %d -> %d", stopped, runs.Load())
	}
}

func TestEveryRejectsZeroInterval(t *testing.T) {
	s := New(logger.NewNop())
	defer s.Stop()
	if err := s.Every("bad", 0, func(context.Context) {}); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(logger.NewNop())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	s.Every("block", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	s.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}
	go s.Stop()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled by Stop")
	}
}
