package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/floorwatch/internal/pipeline"
	"github.com/teslashibe/floorwatch/internal/protocol"
)

const (
	defaultStreamHz = 10
	writeTimeout    = 2 * time.Second
)

// wsClient pairs a connection with the mutex serializing its writers.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub manages WebSocket connections. Level updates go out at a fixed
// rate; events are pushed as soon as the runner reports them.
type WSHub struct {
	runner *pipeline.Runner
	rate   int
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub broadcasting at rate Hz
func NewWSHub(runner *pipeline.Runner, rate int, logger *slog.Logger) *WSHub {
	if rate <= 0 {
		rate = defaultStreamHz
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		runner:  runner,
		rate:    rate,
		logger:  logger,
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// Run starts the broadcast loop (blocking, use goroutine)
func (h *WSHub) Run(ctx context.Context) {
	h.lifeMu.Lock()
	if h.cancel != nil {
		h.lifeMu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	done := h.done
	h.lifeMu.Unlock()
	defer close(done)

	results := h.runner.Subscribe()
	defer h.runner.Unsubscribe(results)

	ticker := time.NewTicker(time.Second / time.Duration(h.rate))
	defer ticker.Stop()

	var lastSeq uint64

	h.logger.Info("websocket hub started", "rate_hz", h.rate)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return

		case res, ok := <-results:
			if !ok {
				// Runner stopped; keep serving the last level.
				results = nil
				continue
			}
			if res.Event == nil {
				continue
			}
			msg, err := protocol.NewEventMessage(*res.Event)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)

		case <-ticker.C:
			seq := h.runner.LatestSeq()
			if seq == lastSeq {
				continue
			}
			lastSeq = seq

			res, ok := h.runner.Latest()
			if !ok {
				continue
			}
			msg, err := protocol.NewLevelMessage(h.levelData(res))
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *WSHub) levelData(res pipeline.Result) protocol.LevelData {
	levels := make([]float64, len(res.Levels))
	for i, r := range res.Levels {
		levels[i] = r.DB
	}

	data := protocol.LevelData{
		Timestamp:     res.Timestamp,
		Levels:        levels,
		LevelDB:       res.LevelDB,
		SNRDB:         res.SNRDB,
		ThresholdDB:   res.Threshold.ThresholdDB,
		Period:        string(res.Threshold.Period),
		Triggered:     res.Triggered,
		DetectorState: string(h.runner.Pipeline().DetectorState()),
	}
	if res.Direction != nil {
		data.Direction = string(res.Direction.Direction)
		data.DelaySeconds = res.Direction.DelaySeconds
	}
	return data
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the level stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.handleCommand(client, msg)
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.reply(client, protocol.NewErrorMessage("invalid message: %v", err))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		h.reply(client, protocol.NewPong())
	case protocol.TypeGetStats:
		reply, err := protocol.NewMessage(protocol.TypeStats, h.runner.Stats())
		if err != nil {
			h.reply(client, protocol.NewErrorMessage("stats not available"))
			return
		}
		h.reply(client, reply)
	default:
		h.reply(client, protocol.NewErrorMessage("unknown command %q", msg.Type))
	}
}

func (h *WSHub) reply(client *wsClient, msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	if err := client.write(data); err != nil {
		h.logger.Debug("websocket reply failed", "error", err)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.lifeMu.Lock()
	cancel, done := h.cancel, h.done
	h.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
