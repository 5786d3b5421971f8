package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yegors/windburglr/internal/backfill"
	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	rows     []wind.Observation
	statuses []wind.StationStatus
	pingErr  error
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ListStatuses(ctx context.Context) ([]wind.StationStatus, error) {
	return f.statuses, nil
}

func (f *fakeStore) QueryObservations(ctx context.Context, station string, from, to time.Time) ([]wind.Observation, error) {
	out := []wind.Observation{}
	for _, o := range f.rows {
		if o.Station == station && !o.ObservedAt.Before(from) && !o.ObservedAt.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeWatchdog struct {
	suspended map[string]bool
}

func (f fakeWatchdog) Suspended(station string) bool { return f.suspended[station] }
func (f fakeWatchdog) Timeout() time.Duration        { return 5 * time.Minute }

type fakeRelay struct {
	connected bool
}

func (f fakeRelay) Connected() bool { return f.connected }
func (f fakeRelay) Cursor() int64   { return 42 }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{DefaultStation: "CYTZ"},
		Stations: []config.StationConfig{
			{Name: "CYTZ", SourceTimezone: "America/Toronto", LocalTimezone: "America/Toronto"},
			{Name: "CYYZ", SourceTimezone: "UTC", LocalTimezone: "UTC"},
		},
	}
}

func newTestRouter(store *fakeStore, mutate func(*Services)) http.Handler {
	svc := Services{
		Config:   testConfig(),
		Store:    store,
		History:  backfill.NewService(store, nil, time.Second, logger.NewNop()),
		Relay:    fakeRelay{connected: true},
		Watchdog: fakeWatchdog{},
	}
	if mutate != nil {
		mutate(&svc)
	}
	rt := NewRouter(svc, logger.NewNop())
	rt.handler.now = func() time.Time { return testNow }
	return rt.Routes()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func obs(station string, at time.Time, speed float64) wind.Observation {
	return wind.Observation{Station: station, ObservedAt: at, Direction: wind.Float(270), Speed: wind.Float(speed)}
}

func TestGetWindRange(t *testing.T) {
	store := &fakeStore{rows: []wind.Observation{
		obs("CYTZ", testNow.Add(-3*time.Hour), 1),
		obs("CYTZ", testNow.Add(-2*time.Hour), 2),
		obs("CYTZ", testNow.Add(-1*time.Hour), 3),
		obs("CYYZ", testNow.Add(-2*time.Hour), 9),
	}}
	h := newTestRouter(store, nil)

	rec := get(t, h, "/api/wind?stn=CYTZ&from_time=2024-06-01T10:00:00&to_time=2024-06-01T11:00:00")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Station  string       `json:"station"`
		WindData [][]*float64 `json:"winddata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Station != "CYTZ" || len(body.WindData) != 2 {
		t.Fatalf("body = %+v, want 2 rows for CYTZ", body)
	}
	if got := *body.WindData[0][0]; got != wind.EpochSeconds(testNow.Add(-2*time.Hour)) {
		t.Fatalf("first epoch = %v", got)
	}
	if body.WindData[0][3] != nil {
		t.Fatalf("missing gust should encode as null, got %v", *body.WindData[0][3])
	}
}

func TestGetWindDefaults(t *testing.T) {
	store := &fakeStore{rows: []wind.Observation{
		obs("CYTZ", testNow.Add(-30*time.Hour), 1),
		obs("CYTZ", testNow.Add(-1*time.Hour), 2),
	}}
	h := newTestRouter(store, nil)

	cases := []struct {
		query string
		rows  int
	}{
		{"/api/wind", 1},
		{"/api/wind?hours=48", 2},
		{"/api/wind?from_time=2024-06-01T00:00:00Z", 1},
		{"/api/wind?to_time=2024-05-31T07:00:00&hours=2", 1},
	}
	for _, tc := range cases {
		rec := get(t, h, tc.query)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", tc.query, rec.Code, rec.Body.String())
		}
		var body WindResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.query, err)
		}
		if body.Station != "CYTZ" || len(body.WindData) != tc.rows {
			t.Fatalf("%s: got %d rows for %s, want %d", tc.query, len(body.WindData), body.Station, tc.rows)
		}
	}
}

func TestGetWindRejectsBadParameters(t *testing.T) {
	h := newTestRouter(&fakeStore{}, nil)

	cases := map[string]int{
		"/api/wind?stn=NOPE":        http.StatusNotFound,
		"/api/wind?hours=abc":       http.StatusBadRequest,
		"/api/wind?hours=0":         http.StatusBadRequest,
		"/api/wind?hours=-1":        http.StatusBadRequest,
		"/api/wind?from_time=noon":  http.StatusBadRequest,
		"/api/wind?to_time=2024-13": http.StatusBadRequest,
		"/api/wind?from_time=2024-06-01T11:00:00&to_time=2024-06-01T10:00:00": http.StatusBadRequest,
	}
	for query, want := range cases {
		if rec := get(t, h, query); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", query, rec.Code, want)
		}
	}
}

func TestGetStations(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{}, nil), "/api/stations")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Default  string        `json:"default_station"`
		Stations []stationInfo `json:"stations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "CYTZ" || len(body.Stations) != 2 || body.Stations[1].Name != "CYYZ" {
		t.Fatalf("body = %+v", body)
	}
}

func TestScraperStatusMergesConfiguredStations(t *testing.T) {
	store := &fakeStore{statuses: []wind.StationStatus{
		{Station: "CYTZ", Status: wind.StatusNetworkError, LastAttempt: testNow, ErrorMessage: "timeout", RetryCount: 2},
		{Station: "GONE", Status: wind.StatusHealthy},
	}}
	h := newTestRouter(store, func(s *Services) {
		s.Watchdog = fakeWatchdog{suspended: map[string]bool{"CYTZ": true}}
	})

	rec := get(t, h, "/api/scraper-status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Stations []scraperStatus `json:"stations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Stations) != 2 {
		t.Fatalf("stations = %+v, want only configured ones", body.Stations)
	}
	cytz, cyyz := body.Stations[0], body.Stations[1]
	if cytz.Status != wind.StatusNetworkError || cytz.RetryCount != 2 || !cytz.Suspended {
		t.Fatalf("CYTZ = %+v", cytz)
	}
	if cytz.LastSuccess != nil || cytz.LastAttempt == nil || !cytz.LastAttempt.Equal(testNow) {
		t.Fatalf("CYTZ times = %v %v", cytz.LastSuccess, cytz.LastAttempt)
	}
	if cyyz.Status != wind.StatusUnknown || cyyz.Suspended {
		t.Fatalf("CYYZ = %+v", cyyz)
	}
}

func TestScraperHealth(t *testing.T) {
	healthy := &fakeStore{statuses: []wind.StationStatus{
		{Station: "CYTZ", Status: wind.StatusHealthy},
		{Station: "CYYZ", Status: wind.StatusHealthy},
	}}
	rec := get(t, newTestRouter(healthy, nil), "/api/scraper-health")
	var sum ScraperHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || sum.Status != "healthy" || sum.Healthy != 2 {
		t.Fatalf("healthy case: %d %+v", rec.Code, sum)
	}

	mixed := &fakeStore{statuses: []wind.StationStatus{
		{Station: "CYTZ", Status: wind.StatusHealthy},
		{Station: "CYYZ", Status: wind.StatusStaleData},
	}}
	rec = get(t, newTestRouter(mixed, nil), "/api/scraper-health")
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if rec.Code != http.StatusOK || sum.Status != "degraded" || sum.Stale != 1 {
		t.Fatalf("degraded case: %d %+v", rec.Code, sum)
	}

	failing := &fakeStore{statuses: []wind.StationStatus{
		{Station: "CYTZ", Status: wind.StatusHTTPError},
	}}
	rec = get(t, newTestRouter(failing, nil), "/api/scraper-health")
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if rec.Code != http.StatusServiceUnavailable || sum.Status != "unhealthy" || sum.Errors != 1 || sum.Unknown != 1 {
		t.Fatalf("unhealthy case: %d %+v", rec.Code, sum)
	}
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{}, nil), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["database"] != "connected" {
		t.Fatalf("body = %v", body)
	}

	rec = get(t, newTestRouter(&fakeStore{pingErr: errors.New("disk gone")}, nil), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with failed ping = %d", rec.Code)
	}

	rec = get(t, newTestRouter(&fakeStore{}, func(s *Services) { s.Relay = fakeRelay{} }), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with disconnected relay = %d", rec.Code)
	}
}

func TestWebSocketUnknownStation(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{}, nil), "/ws/NOPE")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
