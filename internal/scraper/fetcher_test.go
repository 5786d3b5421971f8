package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

func stationFor(url string) config.StationConfig {
	return config.StationConfig{Name: "TEST", URL: url, TimeoutSecs: 1}
}

func TestFetchSuccessSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	st := stationFor(srv.URL)
	st.Headers = map[string]string{"X-Api-Key": "secret"}

	f := NewFetcher(srv.Client(), BreakerSettings{}, logger.NewNop())
	body, err := f.Fetch(context.Background(), st)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %s", body)
	}
}

func TestFetchClassifiesFailures(t *testing.T) {
	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer errSrv.Close()

	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slowSrv.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name       string
		url        string
		kind       FailureKind
		status     wind.Status
		statusCode int
	}{
		{"http error", errSrv.URL, FailureHTTP, wind.StatusHTTPError, http.StatusBadGateway},
		{"timeout", slowSrv.URL, FailureTimeout, wind.StatusNetworkError, 0},
		{"connection refused", closedURL, FailureNetwork, wind.StatusNetworkError, 0},
	}

	f := NewFetcher(&http.Client{}, BreakerSettings{}, logger.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), stationFor(tt.url))
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("error = %v, want *FetchError", err)
			}
			if fetchErr.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", fetchErr.Kind, tt.kind)
			}
			if fetchErr.Status() != tt.status {
				t.Errorf("status = %s, want %s", fetchErr.Status(), tt.status)
			}
			if fetchErr.StatusCode != tt.statusCode {
				t.Errorf("status code = %d, want %d", fetchErr.StatusCode, tt.statusCode)
			}
		})
	}
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := NewFetcher(srv.Client(), BreakerSettings{}, logger.NewNop())
	_, err := f.Fetch(ctx, stationFor(srv.URL))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestFetchCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), BreakerSettings{Failures: 2, OpenFor: time.Minute}, logger.NewNop())
	st := stationFor(srv.URL)

	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), st); err == nil {
			t.Fatalf("attempt %d: expected error", i+1)
		}
	}

	_, err := f.Fetch(context.Background(), st)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Detail != "circuit open" {
		t.Fatalf("error = %v, want circuit open", err)
	}
	// the open circuit keeps reporting the failure that opened it
	if fetchErr.Status() != wind.StatusHTTPError || fetchErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("open circuit reported %s (HTTP %d), want http_error 503", fetchErr.Status(), fetchErr.StatusCode)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits = %d, want 2 while circuit is open", hits.Load())
	}

	// Other stations have their own breaker
	other := st
	other.Name = "OTHER"
	if _, err := f.Fetch(context.Background(), other); errors.As(err, &fetchErr) && fetchErr.Detail == "circuit open" {
		t.Fatal("breaker state leaked across stations")
	}
}

func TestFetchOpenCircuitKeepsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := NewFetcher(&http.Client{}, BreakerSettings{Failures: 1, OpenFor: time.Minute}, logger.NewNop())
	st := stationFor(url)

	var fetchErr *FetchError
	if _, err := f.Fetch(context.Background(), st); !errors.As(err, &fetchErr) || fetchErr.Kind != FailureNetwork {
		t.Fatalf("first attempt error = %v, want network_error", err)
	}

	_, err := f.Fetch(context.Background(), st)
	if !errors.As(err, &fetchErr) || fetchErr.Detail != "circuit open" {
		t.Fatalf("error = %v, want circuit open", err)
	}
	if fetchErr.Status() != wind.StatusNetworkError || fetchErr.StatusCode != 0 {
		t.Fatalf("open circuit reported %s (HTTP %d), want network_error", fetchErr.Status(), fetchErr.StatusCode)
	}
}
