// Package mqtt publishes impact events to an MQTT broker
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// ErrNotConnected is returned by Handle before Connect succeeds.
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// Config holds publisher configuration
type Config struct {
	Broker         string        // e.g. tcp://localhost:1883
	ClientID       string        // MQTT client id
	Username       string        // Optional credentials
	Password       string        // Optional credentials
	TopicPrefix    string        // Events go to <prefix>/events
	QoS            byte          // 0, 1 or 2
	Retain         bool          // Retain the last event
	ConnectTimeout time.Duration // Initial connect deadline (default: 30s)
	PublishTimeout time.Duration // Per-message deadline (default: 10s)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "floorwatch",
		TopicPrefix:    "floorwatch",
		ConnectTimeout: 30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher is a pipeline sink that publishes each event as JSON.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client client
	dial   func(*paho.ClientOptions) client

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewPublisher creates an unconnected publisher
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		cfg:    cfg,
		logger: logger,
		dial:   func(o *paho.ClientOptions) client { return paho.NewClient(o) },
	}
}

// Topic is the topic events are published to.
func (p *Publisher) Topic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/events"
}

// Connect dials the broker. paho reconnects on its own afterwards.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(paho.Client) {
		p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Warn("mqtt connection lost", "broker", p.cfg.Broker, "error", err)
	})

	c := p.dial(opts)

	timeout := p.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		// With ConnectRetry set the client keeps dialing; keep it so a
		// late connection is picked up by Handle.
		p.setClient(c)
		return fmt.Errorf("mqtt: connection timeout, retrying in background")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connection error: %w", err)
	}

	p.setClient(c)
	return nil
}

func (p *Publisher) setClient(c client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

// Name implements pipeline.Sink.
func (p *Publisher) Name() string { return "mqtt" }

// Handle publishes ev to Topic().
func (p *Publisher) Handle(ctx context.Context, ev detector.Event) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()

	if c == nil || !c.IsConnected() {
		p.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}

	timeout := p.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	token := c.Publish(p.Topic(), p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(timeout) {
		p.errors.Add(1)
		return fmt.Errorf("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqtt: publish: %w", err)
	}

	p.published.Add(1)
	return nil
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	return c != nil && c.IsConnected()
}

// Close disconnects from the broker
func (p *Publisher) Close() error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()

	if c != nil {
		c.Disconnect(250)
	}
	return nil
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected: p.IsConnected(),
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}
