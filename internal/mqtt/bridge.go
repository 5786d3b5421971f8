package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/wind"
	"github.com/yegors/windburglr/pkg/logger"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
)

// publisher is the part of the paho client the bridge uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Bridge republishes relayed change events to an MQTT broker. Observations
// go to <prefix>/<station>/observation, status transitions to
// <prefix>/<station>/status (retained).
type Bridge struct {
	client paho.Client
	pub    publisher
	prefix string
	qos    byte
	logger *logger.Logger

	queue     chan message
	dropped   atomic.Int64
	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewBridge creates a bridge for the configured broker. Call Connect before
// publishing.
func NewBridge(cfg config.MQTTConfig, log *logger.Logger) *Bridge {
	b := newBridge(nil, cfg.TopicPrefix, cfg.QoS, log)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		b.connected.Store(true)
		b.logger.Info("MQTT connected", logger.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.connected.Store(false)
		b.logger.Warn("MQTT connection lost", logger.Error(err))
	})

	b.client = paho.NewClient(opts)
	b.pub = b.client
	return b
}

func newBridge(pub publisher, prefix string, qos byte, log *logger.Logger) *Bridge {
	b := &Bridge{
		pub:    pub,
		prefix: prefix,
		qos:    qos,
		logger: log.Named("mqtt"),
		queue:  make(chan message, queueSize),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Connect waits for the initial broker connection. With connect retry
// enabled paho keeps trying in the background, so ctx bounds the wait only.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	token := b.client.Connect()
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return fmt.Errorf("bridge stopped")
		default:
		}
	}
}

// Connected reports whether the broker connection is up
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Topic returns the topic an event kind is published on
func Topic(prefix, station string, kind wind.EventKind) string {
	return fmt.Sprintf("%s/%s/%s", prefix, station, kind)
}

// Publish queues event for the broker. It never blocks; when the queue is
// full the event is dropped and counted.
func (b *Bridge) Publish(event wind.ChangeEvent) {
	var (
		payload  []byte
		err      error
		retained bool
	)
	switch event.Kind {
	case wind.KindObservation:
		payload, err = wind.EncodeObservation(*event.Observation)
	case wind.KindStatus:
		payload, err = wind.EncodeStatus(*event.Status)
		retained = true
	default:
		return
	}
	if err != nil {
		b.logger.Error("Failed to encode event", logger.String("kind", string(event.Kind)), logger.Error(err))
		return
	}

	msg := message{topic: Topic(b.prefix, event.Station, event.Kind), retained: retained, payload: payload}
	select {
	case b.queue <- msg:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("MQTT queue full, dropping events", logger.Int64("dropped", b.dropped.Load()))
		}
	}
}

// Dropped returns the number of events discarded because the queue was full
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.queue:
			b.send(msg)
		}
	}
}

func (b *Bridge) send(msg message) {
	token := b.pub.Publish(msg.topic, b.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT publish timed out", logger.String("topic", msg.topic))
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("MQTT publish failed", logger.String("topic", msg.topic), logger.Error(err))
		return
	}
	b.logger.Debug("Published", logger.String("topic", msg.topic))
}

// Close stops the worker and disconnects. Safe to call more than once.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		if b.client != nil {
			b.client.Disconnect(250)
		}
		b.connected.Store(false)
		b.logger.Info("MQTT bridge closed")
	})
}
