package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// maxPayloadBytes bounds how much of a station response is read
const maxPayloadBytes = 4 << 20

// FailureKind classifies a failed fetch attempt
type FailureKind string

const (
	FailureTimeout FailureKind = "timeout"
	FailureHTTP    FailureKind = "http_error"
	FailureNetwork FailureKind = "network_error"
)

// FetchError is the classified result of a failed fetch
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Detail     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Status maps the failure onto a station status. Timeouts are network errors.
func (e *FetchError) Status() wind.Status {
	if e.Kind == FailureHTTP {
		return wind.StatusHTTPError
	}
	return wind.StatusNetworkError
}

// BreakerSettings configures the per-station circuit breaker
type BreakerSettings struct {
	Failures uint32        // consecutive failures that open the circuit (0 disables the breaker)
	OpenFor  time.Duration // how long an open circuit rejects attempts
}

// Fetcher performs single bounded HTTP attempts against station sources.
// It never retries; retry policy belongs to the poll loop.
type Fetcher struct {
	httpClient *http.Client
	breaker    BreakerSettings
	logger     *logger.Logger

	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	// lastFailure is the most recent real failure per station, reported
	// again while its circuit is open
	lastFailure map[string]*FetchError
}

// NewFetcher creates a fetcher. Per-request timeouts come from the station config.
func NewFetcher(httpClient *http.Client, breaker BreakerSettings, log *logger.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Fetcher{
		httpClient:  httpClient,
		breaker:     breaker,
		logger:      log.Named("fetcher"),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		lastFailure: make(map[string]*FetchError),
	}
}

// Fetch performs one GET against the station URL bounded by the station
// timeout. Any failure is returned as a *FetchError, except cancellation of
// ctx itself which is returned as ctx.Err().
func (f *Fetcher) Fetch(ctx context.Context, st config.StationConfig) ([]byte, error) {
	cb := f.breakerFor(st.Name)
	if cb == nil {
		return f.attempt(ctx, st)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return f.attempt(ctx, st)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, f.circuitOpen(st.Name, err)
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			f.mu.Lock()
			f.lastFailure[st.Name] = fetchErr
			f.mu.Unlock()
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}

func (f *Fetcher) attempt(ctx context.Context, st config.StationConfig) ([]byte, error) {
	timeout := st.Timeout()
	if timeout <= 0 {
		timeout = config.DefaultStationTimeoutSecs * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, st.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FailureNetwork, Detail: fmt.Sprintf("failed to create request: %v", err), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range st.Headers {
		req.Header.Set(k, v)
	}

	f.logger.Debug("Fetching station data",
		logger.String("station", st.Name),
		logger.String("url", st.URL),
	)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, f.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{
			Kind:       FailureHTTP,
			StatusCode: resp.StatusCode,
			Detail:     http.StatusText(resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, f.classify(ctx, err)
	}

	return body, nil
}

func (f *Fetcher) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &FetchError{Kind: FailureTimeout, Detail: "request timed out", Err: err}
	}
	return &FetchError{Kind: FailureNetwork, Detail: err.Error(), Err: err}
}

// circuitOpen reports a rejected attempt with the kind of the failure that
// opened the circuit, so the station status does not flip to network_error
func (f *Fetcher) circuitOpen(station string, err error) *FetchError {
	f.mu.Lock()
	last := f.lastFailure[station]
	f.mu.Unlock()

	open := &FetchError{Kind: FailureNetwork, Detail: "circuit open", Err: err}
	if last != nil {
		open.Kind = last.Kind
		open.StatusCode = last.StatusCode
	}
	return open
}

func (f *Fetcher) breakerFor(station string) *gobreaker.CircuitBreaker {
	if f.breaker.Failures == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[station]; ok {
		return cb
	}

	threshold := f.breaker.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        station,
		MaxRequests: 1,
		Timeout:     f.breaker.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("Station circuit breaker state changed",
				logger.String("station", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	f.breakers[station] = cb
	return cb
}
