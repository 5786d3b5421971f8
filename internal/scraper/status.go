package scraper

import (
	"time"

	"github.com/yegors/windburglr/internal/wind"
)

// Backoff returns min(base * 2^retryCount, max)
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount <= 0 {
		return min(base, max)
	}
	if retryCount >= 31 {
		return max
	}
	d := base << uint(retryCount)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// StatusTracker holds the latest status of one station and applies the
// outcome of each poll cycle to it. Every mutator reports whether the status
// value changed, which is what drives StatusChanged events.
type StatusTracker struct {
	current wind.StationStatus
}

// NewStatusTracker starts from a previously stored status, or unknown.
// The retry counter always starts at zero for a new process.
func NewStatusTracker(station string, previous *wind.StationStatus) *StatusTracker {
	st := wind.StationStatus{Station: station, Status: wind.StatusUnknown}
	if previous != nil {
		st.Status = previous.Status
		st.LastSuccess = previous.LastSuccess
		st.LastAttempt = previous.LastAttempt
		st.ErrorMessage = previous.ErrorMessage
	}
	return &StatusTracker{current: st}
}

// Current returns a copy of the latest status
func (t *StatusTracker) Current() wind.StationStatus {
	return t.current
}

// Failure records a failed fetch or parse
func (t *StatusTracker) Failure(status wind.Status, message string, now time.Time) bool {
	prev := t.current.Status
	t.current.Status = status
	t.current.LastAttempt = now
	t.current.ErrorMessage = message
	t.current.RetryCount++
	return prev != status
}

// Success records a successful fetch and parse. Stale data keeps the retry
// counter since retrying sooner cannot make the source any fresher.
func (t *StatusTracker) Success(stale bool, message string, now time.Time) bool {
	prev := t.current.Status
	t.current.LastAttempt = now
	if stale {
		t.current.Status = wind.StatusStaleData
		t.current.ErrorMessage = message
	} else {
		t.current.Status = wind.StatusHealthy
		t.current.LastSuccess = now
		t.current.ErrorMessage = ""
		t.current.RetryCount = 0
	}
	return prev != t.current.Status
}

// StorageFailure records a cycle whose observation could not be persisted.
// The status value is left alone; only the counters and message move.
func (t *StatusTracker) StorageFailure(message string, now time.Time) bool {
	t.current.LastAttempt = now
	t.current.ErrorMessage = message
	t.current.RetryCount++
	return false
}

// Stop marks the station as stopped on shutdown
func (t *StatusTracker) Stop() bool {
	prev := t.current.Status
	t.current.Status = wind.StatusStopped
	t.current.ErrorMessage = ""
	return prev != wind.StatusStopped
}
