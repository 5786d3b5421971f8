package wind

import (
	"fmt"
	"time"
)

// Status is the health state of a station's scraper
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusHealthy      Status = "healthy"
	StatusStaleData    Status = "stale_data"
	StatusHTTPError    Status = "http_error"
	StatusNetworkError Status = "network_error"
	StatusParseError   Status = "parse_error"
	StatusStopped      Status = "stopped"
	// StatusSuspended is sent live by the watchdog and never stored
	StatusSuspended Status = "suspended"
)

// IsFailure reports whether the status counts towards the retry counter
func (s Status) IsFailure() bool {
	switch s {
	case StatusHTTPError, StatusNetworkError, StatusParseError:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusHealthy, StatusStaleData, StatusHTTPError,
		StatusNetworkError, StatusParseError, StatusStopped, StatusSuspended:
		return true
	}
	return false
}

// Observation is one timestamped wind reading for a station.
// Direction is in degrees, speeds in knots. Missing values are nil.
type Observation struct {
	Station    string    `json:"station"`
	ObservedAt time.Time `json:"observed_at"`
	Direction  *float64  `json:"direction"`
	Speed      *float64  `json:"speed"`
	Gust       *float64  `json:"gust"`
}

// Key returns the natural key of the observation
func (o Observation) Key() Key {
	return Key{Station: o.Station, ObservedAt: o.ObservedAt.UnixMicro()}
}

// Key identifies an observation by station and instant (unix microseconds)
type Key struct {
	Station    string
	ObservedAt int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Station, time.UnixMicro(k.ObservedAt).UTC().Format(time.RFC3339Nano))
}

// NormalizeTime converts t to UTC at the precision every storage backend keeps
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StationStatus is the latest known scraper state of a station
type StationStatus struct {
	Station      string    `json:"station"`
	Status       Status    `json:"status"`
	LastSuccess  time.Time `json:"last_success"`
	LastAttempt  time.Time `json:"last_attempt"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
}

// StoreResult is the outcome of persisting an observation
type StoreResult int

const (
	Inserted StoreResult = iota + 1
	AlreadyExists
)

func (r StoreResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// StationInfo is the registry row kept for each configured station
type StationInfo struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	SourceTimezone string `json:"source_timezone"`
	LocalTimezone  string `json:"local_timezone"`
}
