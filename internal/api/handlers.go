package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/yegors/windburglr/internal/backfill"
	"github.com/yegors/windburglr/internal/broadcast"
	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/websocket"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// isoLayout is the query time format; no offset means UTC
const isoLayout = "2006-01-02T15:04:05"

// defaultHours is the /api/wind window when no range is given
const defaultHours = 24

// Store is the storage view the API needs
type Store interface {
	Ping(ctx context.Context) error
	ListStatuses(ctx context.Context) ([]wind.StationStatus, error)
}

// RelayState reports the change relay's health
type RelayState interface {
	Connected() bool
	Cursor() int64
}

// Watchdog reports scraper suspension
type Watchdog interface {
	Suspended(station string) bool
	Timeout() time.Duration
}

// BridgeState reports the MQTT bridge's health
type BridgeState interface {
	Connected() bool
	Dropped() int64
}

// Services bundles the dependencies of the API handlers.
// Relay, Watchdog, Cache, Broadcaster and MQTT may be nil.
type Services struct {
	Config      *config.Config
	Store       Store
	History     *backfill.Service
	Cache       *backfill.Cache
	Broadcaster *broadcast.Broadcaster
	Relay       RelayState
	Watchdog    Watchdog
	WebSocket   *websocket.Server
	MQTT        BridgeState
}

// Handler contains the API handlers
type Handler struct {
	svc      Services
	validate *validator.Validate
	logger   *logger.Logger
	now      func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(svc Services, log *logger.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
		logger:   log.Named("api-handler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// windQuery holds the parsed /api/wind parameters
type windQuery struct {
	Station string  `validate:"required"`
	Hours   float64 `validate:"gt=0,lte=8760"`
	From    time.Time
	To      time.Time
}

// WindResponse is the body of /api/wind
type WindResponse struct {
	Station  string   `json:"station"`
	WindData [][4]any `json:"winddata"`
}

// GetWind returns observations for a station and time range
func (h *Handler) GetWind(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseWindQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := h.svc.Config.Station(q.Station); !ok {
		http.Error(w, fmt.Sprintf("unknown station %q", q.Station), http.StatusNotFound)
		return
	}

	rows, err := h.svc.History.Query(r.Context(), q.Station, q.From, q.To)
	if errors.Is(err, backfill.ErrInvalidRange) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("Failed to query wind data",
			logger.String("station", q.Station),
			logger.Error(err))
		http.Error(w, "failed to query wind data", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, WindResponse{
		Station:  q.Station,
		WindData: websocket.WindRows(rows),
	})
}

func (h *Handler) parseWindQuery(r *http.Request) (windQuery, error) {
	params := r.URL.Query()
	q := windQuery{
		Station: params.Get("stn"),
		Hours:   defaultHours,
	}
	if q.Station == "" {
		q.Station = h.svc.Config.Server.DefaultStation
	}

	if raw := params.Get("hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return q, fmt.Errorf("invalid hours parameter %q", raw)
		}
		q.Hours = hours
	}
	if err := h.validate.Struct(q); err != nil {
		return q, fmt.Errorf("invalid query: %w", err)
	}

	var err error
	fromRaw, toRaw := params.Get("from_time"), params.Get("to_time")
	now := h.now()
	window := time.Duration(q.Hours * float64(time.Hour))

	switch {
	case fromRaw != "" || toRaw != "":
		q.To = now
		if toRaw != "" {
			if q.To, err = parseQueryTime(toRaw); err != nil {
				return q, fmt.Errorf("invalid to_time: %w", err)
			}
		}
		q.From = q.To.Add(-window)
		if fromRaw != "" {
			if q.From, err = parseQueryTime(fromRaw); err != nil {
				return q, fmt.Errorf("invalid from_time: %w", err)
			}
		}
		if q.From.After(q.To) {
			return q, fmt.Errorf("from_time is after to_time")
		}
	default:
		q.To = now
		q.From = now.Add(-window)
	}
	return q, nil
}

// parseQueryTime accepts 2006-01-02T15:04:05 (UTC) or RFC 3339
func parseQueryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(isoLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %s or RFC 3339, got %q", isoLayout, raw)
	}
	return t.UTC(), nil
}

// stationInfo is one entry of /api/stations
type stationInfo struct {
	Name             string `json:"name"`
	SourceTimezone   string `json:"source_timezone"`
	LocalTimezone    string `json:"local_timezone"`
	PollIntervalSecs int    `json:"poll_interval_seconds"`
	StaleTimeoutSecs int    `json:"stale_data_timeout_seconds"`
}

// GetStations returns the configured stations
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	stations := make([]stationInfo, 0, len(h.svc.Config.Stations))
	for _, st := range h.svc.Config.Stations {
		stations = append(stations, stationInfo{
			Name:             st.Name,
			SourceTimezone:   st.SourceTimezone,
			LocalTimezone:    st.LocalTimezone,
			PollIntervalSecs: st.PollIntervalSecs,
			StaleTimeoutSecs: st.StaleTimeoutSecs,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"default_station": h.svc.Config.Server.DefaultStation,
		"stations":        stations,
	})
}

// scraperStatus is one entry of /api/scraper-status
type scraperStatus struct {
	Station      string      `json:"station"`
	Status       wind.Status `json:"status"`
	LastSuccess  *time.Time  `json:"last_success"`
	LastAttempt  *time.Time  `json:"last_attempt"`
	ErrorMessage string      `json:"error_message"`
	RetryCount   int         `json:"retry_count"`
	Suspended    bool        `json:"suspended"`
}

// scraperStatuses merges stored statuses with the configured station list.
// Stations that never reported are unknown.
func (h *Handler) scraperStatuses(ctx context.Context) ([]scraperStatus, error) {
	stored, err := h.svc.Store.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]wind.StationStatus, len(stored))
	for _, st := range stored {
		byName[st.Station] = st
	}

	out := make([]scraperStatus, 0, len(h.svc.Config.Stations))
	for _, cfg := range h.svc.Config.Stations {
		st, ok := byName[cfg.Name]
		if !ok {
			st = wind.StationStatus{Station: cfg.Name, Status: wind.StatusUnknown}
		}
		out = append(out, scraperStatus{
			Station:      st.Station,
			Status:       st.Status,
			LastSuccess:  optionalTime(st.LastSuccess),
			LastAttempt:  optionalTime(st.LastAttempt),
			ErrorMessage: st.ErrorMessage,
			RetryCount:   st.RetryCount,
			Suspended:    h.svc.Watchdog != nil && h.svc.Watchdog.Suspended(st.Station),
		})
	}
	return out, nil
}

// GetScraperStatus returns the latest status of every station
func (h *Handler) GetScraperStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.scraperStatuses(r.Context())
	if err != nil {
		h.logger.Error("Failed to load scraper status", logger.Error(err))
		http.Error(w, "failed to load scraper status", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"stations":  statuses,
		"timestamp": h.now(),
	}
	if h.svc.Watchdog != nil {
		response["watchdog_timeout_minutes"] = h.svc.Watchdog.Timeout().Minutes()
	}
	WriteJSON(w, http.StatusOK, response)
}

// ScraperHealth summarizes station statuses
type ScraperHealth struct {
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Healthy   int    `json:"healthy"`
	Stale     int    `json:"stale"`
	Errors    int    `json:"errors"`
	Suspended int    `json:"suspended"`
	Stopped   int    `json:"stopped"`
	Unknown   int    `json:"unknown"`
}

func summarize(statuses []scraperStatus) ScraperHealth {
	sum := ScraperHealth{Total: len(statuses)}
	for _, st := range statuses {
		if st.Suspended {
			sum.Suspended++
			continue
		}
		switch {
		case st.Status == wind.StatusHealthy:
			sum.Healthy++
		case st.Status == wind.StatusStaleData:
			sum.Stale++
		case st.Status.IsFailure():
			sum.Errors++
		case st.Status == wind.StatusStopped:
			sum.Stopped++
		default:
			sum.Unknown++
		}
	}

	switch {
	case sum.Total > 0 && sum.Healthy == sum.Total:
		sum.Status = "healthy"
	case sum.Healthy == 0:
		sum.Status = "unhealthy"
	default:
		sum.Status = "degraded"
	}
	return sum
}

// GetScraperHealth returns station totals and an overall verdict
func (h *Handler) GetScraperHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.scraperStatuses(r.Context())
	if err != nil {
		h.logger.Error("Failed to load scraper status", logger.Error(err))
		http.Error(w, "failed to load scraper status", http.StatusInternalServerError)
		return
	}

	sum := summarize(statuses)
	code := http.StatusOK
	if sum.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, sum)
}

// GetHealth reports storage, relay, cache and subscriber state
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := map[string]any{
		"status":    "healthy",
		"timestamp": h.now(),
		"database":  "connected",
	}
	healthy := true

	if err := h.svc.Store.Ping(ctx); err != nil {
		response["database"] = fmt.Sprintf("error: %v", err)
		healthy = false
	}
	// postgres only
	if l, ok := h.svc.Store.(interface{ ListenerConnected() bool }); ok {
		response["listener_connected"] = l.ListenerConnected()
	}
	if h.svc.Relay != nil {
		connected := h.svc.Relay.Connected()
		response["relay"] = map[string]any{
			"connected": connected,
			"cursor":    h.svc.Relay.Cursor(),
		}
		healthy = healthy && connected
	}
	if h.svc.Cache != nil {
		response["cache"] = h.svc.Cache.Stats()
	}
	if h.svc.Broadcaster != nil {
		response["subscribers"] = h.svc.Broadcaster.Counts()
	}
	if h.svc.MQTT != nil {
		response["mqtt"] = map[string]any{
			"connected": h.svc.MQTT.Connected(),
			"dropped":   h.svc.MQTT.Dropped(),
		}
	}

	code := http.StatusOK
	if !healthy {
		response["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, response)
}

// HandleWebSocket upgrades /ws/{station} to a live subscription
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	station := chi.URLParam(r, "station")
	if _, ok := h.svc.Config.Station(station); !ok {
		http.Error(w, fmt.Sprintf("unknown station %q", station), http.StatusNotFound)
		return
	}
	h.svc.WebSocket.HandleConnection(w, r, station)
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
