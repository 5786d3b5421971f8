package wind

import (
	"encoding/json"
	"testing"
	"time"
)

func TestObservationPayloadShape(t *testing.T) {
	obs := Observation{
		Station:    "CYTZ",
		ObservedAt: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC),
		Direction:  Float(180),
		Speed:      Float(15.5),
	}

	payload, err := EncodeObservation(obs)
	if err != nil {
		t.Fatalf("EncodeObservation: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if raw["observed_at"] != float64(1704128400) {
		t.Errorf("observed_at = %v, want epoch seconds 1704128400", raw["observed_at"])
	}
	if raw["gust"] != nil {
		t.Errorf("gust = %v, want null", raw["gust"])
	}

	ev, err := Change{ID: 1, Station: "CYTZ", Kind: KindObservation, Payload: payload}.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Kind != KindObservation || ev.Observation == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Observation.Key() != obs.Key() {
		t.Errorf("key = %v, want %v", ev.Observation.Key(), obs.Key())
	}
}

func TestEpochSecondsKeepsMicroseconds(t *testing.T) {
	ts := time.Date(2024, 6, 30, 23, 59, 59, 123456000, time.UTC)
	if got := FromEpochSeconds(EpochSeconds(ts)); !got.Equal(ts) {
		t.Fatalf("got %v, want %v", got, ts)
	}
}

func TestStatusPayloadNullTimes(t *testing.T) {
	payload, err := EncodeStatus(StationStatus{Station: "CYTZ", Status: StatusNetworkError, RetryCount: 2, ErrorMessage: "timeout"})
	if err != nil {
		t.Fatalf("EncodeStatus: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, key := range []string{"station", "status", "last_success", "last_attempt", "error_message", "retry_count"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("payload missing key %q", key)
		}
	}

	ev, err := Change{Kind: KindStatus, Payload: payload}.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if !ev.Status.LastSuccess.IsZero() || ev.Status.RetryCount != 2 || ev.Status.Status != StatusNetworkError {
		t.Errorf("unexpected status %+v", ev.Status)
	}
}

func TestUnknownChangeKind(t *testing.T) {
	if _, err := (Change{ID: 7, Kind: "bogus", Payload: []byte(`{}`)}).Event(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
