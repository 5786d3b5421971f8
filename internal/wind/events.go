package wind

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventKind tags a ChangeEvent
type EventKind string

const (
	KindObservation EventKind = "observation"
	KindStatus      EventKind = "status"
	// KindHeartbeat and KindResync are produced by the distribution layer only
	KindHeartbeat EventKind = "heartbeat"
	KindResync    EventKind = "resync"
)

// ChangeEvent is a committed fact on its way to live subscribers
type ChangeEvent struct {
	Kind        EventKind
	Station     string
	Observation *Observation
	Status      *StationStatus
	// Dropped is the number of events discarded before a resync event
	Dropped int
}

// ObservationInserted builds the event announcing a newly stored observation
func ObservationInserted(o Observation) ChangeEvent {
	return ChangeEvent{Kind: KindObservation, Station: o.Station, Observation: &o}
}

// StatusChanged builds the event announcing a station status transition
func StatusChanged(s StationStatus) ChangeEvent {
	return ChangeEvent{Kind: KindStatus, Station: s.Station, Status: &s}
}

// Change is one row of the durable change log
type Change struct {
	ID        int64
	Station   string
	Kind      EventKind
	Payload   []byte
	CreatedAt time.Time
}

type observationPayload struct {
	Station    string   `json:"station"`
	Direction  *float64 `json:"direction"`
	Speed      *float64 `json:"speed"`
	Gust       *float64 `json:"gust"`
	ObservedAt float64  `json:"observed_at"`
}

type statusPayload struct {
	Station      string     `json:"station"`
	Status       Status     `json:"status"`
	LastSuccess  *time.Time `json:"last_success"`
	LastAttempt  *time.Time `json:"last_attempt"`
	ErrorMessage string     `json:"error_message"`
	RetryCount   int        `json:"retry_count"`
}

// EpochSeconds converts t to fractional unix seconds
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromEpochSeconds converts fractional unix seconds back to a UTC instant
func FromEpochSeconds(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6))).UTC()
}

// EncodeObservation renders the change-log payload for an inserted observation
func EncodeObservation(o Observation) ([]byte, error) {
	return json.Marshal(observationPayload{
		Station:    o.Station,
		Direction:  o.Direction,
		Speed:      o.Speed,
		Gust:       o.Gust,
		ObservedAt: EpochSeconds(o.ObservedAt),
	})
}

// EncodeStatus renders the change-log payload for a status transition
func EncodeStatus(s StationStatus) ([]byte, error) {
	return json.Marshal(statusPayload{
		Station:      s.Station,
		Status:       s.Status,
		LastSuccess:  timePtr(s.LastSuccess),
		LastAttempt:  timePtr(s.LastAttempt),
		ErrorMessage: s.ErrorMessage,
		RetryCount:   s.RetryCount,
	})
}

// Event decodes the change-log row into a ChangeEvent
func (c Change) Event() (ChangeEvent, error) {
	switch c.Kind {
	case KindObservation:
		var p observationPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to decode observation change %d: %w", c.ID, err)
		}
		return ObservationInserted(Observation{
			Station:    p.Station,
			ObservedAt: FromEpochSeconds(p.ObservedAt),
			Direction:  p.Direction,
			Speed:      p.Speed,
			Gust:       p.Gust,
		}), nil

	case KindStatus:
		var p statusPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to decode status change %d: %w", c.ID, err)
		}
		st := StationStatus{
			Station:      p.Station,
			Status:       p.Status,
			ErrorMessage: p.ErrorMessage,
			RetryCount:   p.RetryCount,
		}
		if p.LastSuccess != nil {
			st.LastSuccess = p.LastSuccess.UTC()
		}
		if p.LastAttempt != nil {
			st.LastAttempt = p.LastAttempt.UTC()
		}
		return StatusChanged(st), nil

	default:
		return ChangeEvent{}, fmt.Errorf("unknown change kind %q in change %d", c.Kind, c.ID)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
