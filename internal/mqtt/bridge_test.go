package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakePublisher) wait(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := append([]published(nil), f.msgs...)
		f.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestTopic(t *testing.T) {
	if got := Topic("windburglr", "CYTZ", wind.KindObservation); got != "windburglr/CYTZ/observation" {
		t.Errorf("Topic = %q", got)
	}
}

func TestBridgePublishesObservationsAndStatus(t *testing.T) {
	pub := &fakePublisher{}
	b := newBridge(pub, "wind", 1, logger.NewNop())
	defer b.Close()

	at := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	b.Publish(wind.ObservationInserted(wind.Observation{Station: "CYTZ", ObservedAt: at, Speed: wind.Float(15.5)}))
	b.Publish(wind.StatusChanged(wind.StationStatus{Station: "CYTZ", Status: wind.StatusHealthy, LastSuccess: at}))
	b.Publish(wind.ChangeEvent{Kind: wind.KindHeartbeat, Station: "CYTZ"})

	got := pub.wait(t, 2)
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}

	if got[0].topic != "wind/CYTZ/observation" || got[0].retained || got[0].qos != 1 {
		t.Errorf("observation message = %+v", got[0])
	}
	var obs map[string]any
	if err := json.Unmarshal(got[0].payload, &obs); err != nil {
		t.Fatalf("observation payload: %v", err)
	}
	if obs["speed"] != 15.5 || obs["observed_at"] != float64(at.Unix()) {
		t.Errorf("observation payload = %v", obs)
	}

	if got[1].topic != "wind/CYTZ/status" || !got[1].retained {
		t.Errorf("status message = %+v", got[1])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := newBridge(&fakePublisher{}, "wind", 0, logger.NewNop())
	b.Close()
	b.Close()
	if b.Connected() {
		t.Error("closed bridge reports connected")
	}
}
