package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/windburglr/internal/broadcast"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

// Message types of the live protocol
const (
	MessageTypeObservation = "observation"
	MessageTypeStatus      = "status"
	MessageTypeHeartbeat   = "heartbeat"
	MessageTypeResync      = "resync"
	MessageTypeBackfill    = "backfill"
)

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Store provides the initial snapshot sent to a new client
type Store interface {
	LatestObservation(ctx context.Context, station string) (wind.Observation, bool, error)
	ListStatuses(ctx context.Context) ([]wind.StationStatus, error)
}

// History serves the backfill of a reconnecting client
type History interface {
	Since(ctx context.Context, station string, last time.Time) ([]wind.Observation, error)
}

// Server upgrades station subscriptions to WebSocket connections
type Server struct {
	broadcaster  *broadcast.Broadcaster
	store        Store
	history      History
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *logger.Logger
}

// NewServer creates a new WebSocket server
func NewServer(b *broadcast.Broadcaster, store Store, history History, writeTimeout time.Duration, log *logger.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		broadcaster: b,
		store:       store,
		history:     history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		writeTimeout: writeTimeout,
		logger:       log.Named("web-socket"),
	}
}

// ParseSince reads the since parameter: unix seconds (fractional allowed)
// or RFC 3339. The zero time means no parameter.
func ParseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseFloat(raw, 64); err == nil {
		return wind.FromEpochSeconds(sec), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return wind.NormalizeTime(t), nil
}

// HandleConnection serves one live subscription for station. The caller has
// already checked that the station exists.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, station string) {
	since, err := ParseSince(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "invalid since parameter", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn:         conn,
		station:      station,
		writeTimeout: s.writeTimeout,
		logger:       s.logger.With(logger.String("station", station), logger.String("remote_addr", r.RemoteAddr)),
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
	}

	// Subscribe before reading the snapshot so nothing committed in
	// between is missed; live duplicates are filtered by the client.
	sub, err := s.broadcaster.Subscribe(station, client)
	if err != nil {
		client.logger.Warn("Subscription rejected", logger.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	client.sub = sub

	client.logger.Info("Client connected",
		logger.String("subscription", sub.ID()),
		logger.Int("subscribers", s.broadcaster.Count(station)))

	go client.readPump()
	go func() {
		select {
		case <-sub.Done():
		case <-client.closed:
		}
		client.close()
	}()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if since.IsZero() {
		err = s.sendSnapshot(ctx, client)
	} else {
		err = s.sendBackfill(ctx, client, since)
	}
	if err != nil {
		client.logger.Warn("Failed to send initial data", logger.Error(err))
		client.close()
		return
	}
	close(client.ready)
}

func (s *Server) sendSnapshot(ctx context.Context, c *Client) error {
	obs, ok, err := s.store.LatestObservation(ctx, c.station)
	if err != nil {
		return err
	}
	if ok {
		if err := c.write(observationMessage(obs)); err != nil {
			return err
		}
		c.markSent([]wind.Observation{obs})
	}

	statuses, err := s.store.ListStatuses(ctx)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		if st.Station == c.station {
			return c.write(statusMessage(st))
		}
	}
	return nil
}

func (s *Server) sendBackfill(ctx context.Context, c *Client, since time.Time) error {
	rows, err := s.history.Since(ctx, c.station, since)
	if err != nil {
		return err
	}
	if err := c.write(backfillMessage(c.station, rows)); err != nil {
		return err
	}
	c.markSent(rows)
	c.logger.Debug("Backfill sent",
		logger.Time("since", since),
		logger.Int("observations", len(rows)))
	return nil
}

// Client is one WebSocket connection subscribed to a station. It is the
// broadcast sink for its subscription.
type Client struct {
	conn         *websocket.Conn
	station      string
	sub          *broadcast.Subscription
	writeTimeout time.Duration
	logger       *logger.Logger

	writeMu sync.Mutex

	// ready is closed once the snapshot or backfill has been written
	ready chan struct{}

	// sent holds keys already delivered by the snapshot or backfill
	sentMu     sync.Mutex
	sent       map[wind.Key]struct{}
	sentLatest time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Send writes a live event. It waits for the initial data so that live
// events never overtake the backfill.
func (c *Client) Send(event wind.ChangeEvent) error {
	select {
	case <-c.ready:
	case <-c.closed:
		return websocket.ErrCloseSent
	}

	var msg *Message
	switch event.Kind {
	case wind.KindObservation:
		if c.alreadySent(*event.Observation) {
			return nil
		}
		msg = observationMessage(*event.Observation)
	case wind.KindStatus:
		msg = statusMessage(*event.Status)
	case wind.KindHeartbeat:
		msg = &Message{Type: MessageTypeHeartbeat, Data: map[string]any{
			"station": c.station,
			"time":    wind.EpochSeconds(time.Now()),
		}}
	case wind.KindResync:
		msg = &Message{Type: MessageTypeResync, Data: map[string]any{
			"station": c.station,
			"dropped": event.Dropped,
		}}
	default:
		return nil
	}
	return c.write(msg)
}

func (c *Client) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) markSent(rows []wind.Observation) {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()

	if c.sent == nil {
		c.sent = make(map[wind.Key]struct{}, len(rows))
	}
	for _, o := range rows {
		c.sent[o.Key()] = struct{}{}
		if o.ObservedAt.After(c.sentLatest) {
			c.sentLatest = o.ObservedAt
		}
	}
}

func (c *Client) alreadySent(o wind.Observation) bool {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()

	if len(c.sent) == 0 {
		return false
	}
	if o.ObservedAt.After(c.sentLatest) {
		// the live stream has moved past the backfill
		c.sent = nil
		return false
	}
	_, ok := c.sent[o.Key()]
	return ok
}

// readPump drains client frames; the protocol is server to client only.
// Any read error ends the connection.
func (c *Client) readPump() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", logger.Error(err))
			}
			return
		}
	}
}

// close ends the subscription and the connection. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sub != nil {
			c.sub.Close()
		}
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.logger.Info("Client disconnected")
	})
}

func observationMessage(o wind.Observation) *Message {
	payload, _ := wind.EncodeObservation(o)
	return &Message{Type: MessageTypeObservation, Data: json.RawMessage(payload)}
}

func statusMessage(st wind.StationStatus) *Message {
	payload, _ := wind.EncodeStatus(st)
	return &Message{Type: MessageTypeStatus, Data: json.RawMessage(payload)}
}

func backfillMessage(station string, rows []wind.Observation) *Message {
	return &Message{Type: MessageTypeBackfill, Data: map[string]any{
		"station":  station,
		"winddata": WindRows(rows),
	}}
}

// WindRows renders observations as [epoch, direction, speed, gust] tuples
func WindRows(rows []wind.Observation) [][4]any {
	out := make([][4]any, 0, len(rows))
	for _, o := range rows {
		out = append(out, [4]any{wind.EpochSeconds(o.ObservedAt), o.Direction, o.Speed, o.Gust})
	}
	return out
}
