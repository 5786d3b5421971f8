package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/yegors/windburglr/internal/backfill"
	"github.com/yegors/windburglr/internal/broadcast"
	"github.com/yegors/windburglr/internal/relay"
	"github.com/yegors/windburglr/internal/storage/sqlite"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// gate holds the relay while it hands over one observation
type gate struct {
	hold     time.Time
	entered  chan struct{}
	released chan struct{}
	once     sync.Once
}

func newGate(hold time.Time) *gate {
	return &gate{hold: hold, entered: make(chan struct{}), released: make(chan struct{})}
}

func (g *gate) Publish(event wind.ChangeEvent) {
	if event.Kind != wind.KindObservation || !event.Observation.ObservedAt.Equal(g.hold) {
		return
	}
	close(g.entered)
	<-g.released
}

func (g *gate) open() {
	g.once.Do(func() { close(g.released) })
}

// A client reconnecting while the relay is between publishers must still
// end up with every committed observation exactly once.
func TestReconnectDuringRelayHandoff(t *testing.T) {
	tests := []struct {
		name      string
		gateFirst bool
	}{
		{"held before broadcast", true},
		{"held after broadcast", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testReconnectDuringHandoff(t, tt.gateFirst)
		})
	}
}

func testReconnectDuringHandoff(t *testing.T, gateFirst bool) {
	ctx := context.Background()
	lg := logger.NewNop()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "wind.db"), lg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	start := time.Now().UTC().Truncate(time.Second).Add(-10 * time.Minute)
	first := wind.Observation{Station: "CYTZ", ObservedAt: start, Speed: wind.Float(5)}
	second := wind.Observation{Station: "CYTZ", ObservedAt: start.Add(time.Minute), Speed: wind.Float(6)}
	if _, err := store.StoreObservation(ctx, first); err != nil {
		t.Fatalf("store first: %v", err)
	}

	b := broadcast.New(broadcast.Options{BufferSize: 16, Heartbeat: time.Hour}, lg)
	cache := backfill.NewCache(time.Hour, lg)
	history := backfill.NewService(store, cache, time.Second, lg)

	g := newGate(second.ObservedAt)
	publishers := []relay.Publisher{cache}
	if gateFirst {
		publishers = append(publishers, g, b)
	} else {
		publishers = append(publishers, b, g)
	}
	r := relay.New(store, relay.Options{PollInterval: 10 * time.Millisecond}, lg, publishers...)
	if err := r.Init(ctx); err != nil {
		t.Fatalf("relay init: %v", err)
	}
	if err := cache.Prime(ctx, store, []string{"CYTZ"}); err != nil {
		t.Fatalf("prime: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(runCtx)
	}()
	t.Cleanup(func() {
		g.open()
		cancel()
		<-done
		b.Close()
	})

	s := NewServer(b, store, history, time.Second, lg)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.HandleConnection(w, req, "CYTZ")
	}))
	t.Cleanup(ts.Close)

	if _, err := store.StoreObservation(ctx, second); err != nil {
		t.Fatalf("store second: %v", err)
	}
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never reached the second observation")
	}

	conn := dial(t, ts, "?since="+strconv.FormatInt(first.ObservedAt.Unix(), 10))
	msg := read(t, conn)
	if msg.Type != MessageTypeBackfill {
		t.Fatalf("first message type = %s", msg.Type)
	}
	var data struct {
		WindData [][]float64 `json:"winddata"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode backfill: %v", err)
	}
	counts := make(map[float64]int)
	for _, row := range data.WindData {
		counts[row[0]]++
	}

	g.open()
	head, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatalf("LatestChangeID: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Cursor() < head && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Cursor() < head {
		t.Fatalf("relay cursor = %d, want %d", r.Cursor(), head)
	}

	// drain whatever arrived live
	for {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var live received
		if err := conn.ReadJSON(&live); err != nil {
			break
		}
		if live.Type == MessageTypeObservation {
			counts[observedAt(t, live)]++
		}
	}

	for _, o := range []wind.Observation{first, second} {
		if n := counts[wind.EpochSeconds(o.ObservedAt)]; n != 1 {
			t.Errorf("observation at %s reached the client %d times, want once", o.ObservedAt.Format(time.RFC3339), n)
		}
	}
	if len(counts) != 2 {
		t.Errorf("client saw %d distinct observations, want 2", len(counts))
	}
}
