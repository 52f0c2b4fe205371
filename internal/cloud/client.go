// Package cloud streams impact events to a remote collector over WebSocket
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/protocol"
)

// ErrNotConnected is returned by SendMessage while the link is down.
var ErrNotConnected = errors.New("cloud: not connected")

// Config holds cloud client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "wss://collector.example.com/ws/monitor")
	DeviceID         string        // Sent as X-Device-ID on the handshake
	Token            string        // Optional bearer token
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
	Backlog          int           // Events kept while disconnected
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/monitor",
		DeviceID:         "floorwatch",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backlog:          100,
	}
}

// Client is a reconnecting uplink. It implements pipeline.Sink: events
// handed to it while the link is down wait in a bounded backlog and are
// sent, oldest first, after the next successful dial.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	backlog   []detector.Event

	// writeMu serializes writers on conn.
	writeMu sync.Mutex

	onStatsRequest func() any

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnects       atomic.Uint64
	backlogDropped   atomic.Uint64
}

// NewClient creates a new cloud client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.MaxBackoff < cfg.ReconnectBackoff {
		cfg.MaxBackoff = cfg.ReconnectBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// OnStatsRequest sets the provider answering get_stats commands
func (c *Client) OnStatsRequest(provider func() any) {
	c.mu.Lock()
	c.onStatsRequest = provider
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("cloud: already started")
	}
	if c.cfg.URL == "" {
		return fmt.Errorf("cloud: url is required")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.connectionLoop(ctx, c.done)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("cloud connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		connCtx, stop := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(connCtx, conn)
		}()

		c.flushBacklog()
		c.readLoop(connCtx, conn)

		stop()
		wg.Wait()
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("connecting to cloud", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	if c.cfg.DeviceID != "" {
		header.Set("X-Device-ID", c.cfg.DeviceID)
	}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to cloud")
	return conn, nil
}

// pingLoop sends periodic pings on conn
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages until conn fails or ctx ends
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming commands
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		c.SendMessage(protocol.NewPong())

	case protocol.TypeGetStats:
		c.mu.Lock()
		provider := c.onStatsRequest
		c.mu.Unlock()
		if provider == nil {
			c.SendMessage(protocol.NewErrorMessage("stats not available"))
			return
		}
		reply, err := protocol.NewMessage(protocol.TypeStats, provider())
		if err == nil {
			c.SendMessage(reply)
		}

	case protocol.TypePong:

	default:
		c.logger.Debug("ignoring cloud message", "type", msg.Type)
	}
}

// SendMessage sends a message to cloud
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// Name implements pipeline.Sink.
func (c *Client) Name() string { return "cloud" }

// Handle sends ev, or queues it while the link is down.
func (c *Client) Handle(_ context.Context, ev detector.Event) error {
	err := c.SendEvent(ev)
	if errors.Is(err, ErrNotConnected) && c.cfg.Backlog > 0 {
		c.enqueue(ev)
		return nil
	}
	return err
}

// SendEvent sends one event message
func (c *Client) SendEvent(ev detector.Event) error {
	msg, err := protocol.NewEventMessage(ev)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

func (c *Client) enqueue(ev detector.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.backlog) >= c.cfg.Backlog {
		c.backlog = c.backlog[1:]
		c.backlogDropped.Add(1)
	}
	c.backlog = append(c.backlog, ev)
}

func (c *Client) flushBacklog() {
	c.mu.Lock()
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for i, ev := range pending {
		if err := c.SendEvent(ev); err != nil {
			// Put the unsent tail back in front of anything queued since.
			c.mu.Lock()
			c.backlog = append(append([]detector.Event(nil), pending[i:]...), c.backlog...)
			if over := len(c.backlog) - c.cfg.Backlog; over > 0 {
				c.backlog = c.backlog[over:]
				c.backlogDropped.Add(uint64(over))
			}
			c.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Info("cloud backlog flushed", "events", len(pending))
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client and waits for the connection loop to exit
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Reconnects       uint64 `json:"reconnects"`
	Backlog          int    `json:"backlog"`
	BacklogDropped   uint64 `json:"backlog_dropped"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	connected := c.connected
	backlog := len(c.backlog)
	c.mu.Unlock()

	return Stats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Reconnects:       c.reconnects.Load(),
		Backlog:          backlog,
		BacklogDropped:   c.backlogDropped.Load(),
	}
}
