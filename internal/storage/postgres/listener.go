package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/yegors/windburglr/pkg/logger"
)

const (
	listenBaseBackoff = time.Second
	listenMaxBackoff  = 30 * time.Second
)

// Listener holds a dedicated connection subscribed to Channel and turns
// notifications into wake-ups. A lost connection is re-established with
// exponential backoff; every reconnect also produces a wake-up so anything
// committed while disconnected is picked up.
type Listener struct {
	connConfig *pgx.ConnConfig
	logger     *logger.Logger
	wake       chan struct{}
	connected  atomic.Bool
	once       sync.Once
}

// NewListener creates a listener for the given connection settings
func NewListener(cfg *pgx.ConnConfig, log *logger.Logger) *Listener {
	return &Listener{
		connConfig: cfg,
		logger:     log.Named("listener"),
		wake:       make(chan struct{}, 1),
	}
}

// C returns the wake-up channel
func (l *Listener) C() <-chan struct{} {
	return l.wake
}

// Connected reports whether the LISTEN connection is currently up
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Start runs the listener until ctx is cancelled. Subsequent calls are no-ops.
func (l *Listener) Start(ctx context.Context) {
	l.once.Do(func() {
		go l.run(ctx)
	})
}

func (l *Listener) run(ctx context.Context) {
	backoff := listenBaseBackoff
	for {
		err := l.listen(ctx)
		if l.connected.Swap(false) {
			backoff = listenBaseBackoff
		}
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("Notification listener disconnected",
			logger.Error(err),
			logger.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenMaxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, l.connConfig.Copy())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return err
	}

	l.connected.Store(true)
	l.logger.Info("Listening for change notifications", logger.String("channel", Channel))
	l.signal()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		l.signal()
	}
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
