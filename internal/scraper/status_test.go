package scraper

import (
	"testing"
	"time"

	"github.com/yegors/windburglr/internal/wind"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(base, max, tt.retry); got != tt.want {
			t.Errorf("Backoff(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestStatusTrackerTransitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewStatusTracker("CYTZ", nil)

	if tr.Current().Status != wind.StatusUnknown {
		t.Fatalf("initial status = %s", tr.Current().Status)
	}

	if !tr.Failure(wind.StatusNetworkError, "timeout", now) {
		t.Error("unknown -> network_error should be a transition")
	}
	if tr.Failure(wind.StatusNetworkError, "timeout", now) {
		t.Error("repeated network_error should not be a transition")
	}
	if got := tr.Current().RetryCount; got != 2 {
		t.Errorf("retry count = %d, want 2", got)
	}

	if !tr.Success(true, "data is old", now) {
		t.Error("network_error -> stale_data should be a transition")
	}
	if got := tr.Current().RetryCount; got != 2 {
		t.Errorf("stale data changed retry count to %d", got)
	}
	if !tr.Current().LastSuccess.IsZero() {
		t.Error("stale data must not set last_success")
	}

	later := now.Add(time.Minute)
	if !tr.Success(false, "", later) {
		t.Error("stale_data -> healthy should be a transition")
	}
	cur := tr.Current()
	if cur.RetryCount != 0 || !cur.LastSuccess.Equal(later) || cur.ErrorMessage != "" {
		t.Errorf("healthy state not reset: %+v", cur)
	}

	if tr.StorageFailure("db down", later) {
		t.Error("storage failure should not change the status value")
	}
	if tr.Current().Status != wind.StatusHealthy || tr.Current().RetryCount != 1 {
		t.Errorf("after storage failure: %+v", tr.Current())
	}

	if !tr.Stop() {
		t.Error("healthy -> stopped should be a transition")
	}
	if tr.Stop() {
		t.Error("stopping twice should not be a transition")
	}
}

func TestStatusTrackerResumesStoredStatus(t *testing.T) {
	last := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	tr := NewStatusTracker("CYTZ", &wind.StationStatus{
		Station:     "CYTZ",
		Status:      wind.StatusStopped,
		LastSuccess: last,
		RetryCount:  7,
	})
	cur := tr.Current()
	if cur.Status != wind.StatusStopped || !cur.LastSuccess.Equal(last) || cur.RetryCount != 0 {
		t.Fatalf("unexpected resumed status %+v", cur)
	}
	if !tr.Success(false, "", last.Add(time.Hour)) {
		t.Error("stopped -> healthy after restart should be a transition")
	}
}
