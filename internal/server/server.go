// Package server provides the HTTP status surface for floorwatch
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/floorwatch/internal/config"
	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/health"
	"github.com/teslashibe/floorwatch/internal/pipeline"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
)

// History is a durable event store queried by /api/events?source=store.
type History interface {
	Recent(ctx context.Context, limit int) ([]detector.Event, error)
}

// Server is the HTTP server for floorwatch
type Server struct {
	app     *fiber.App
	cfg     config.ServerConfig
	runner  *pipeline.Runner
	logger  *slog.Logger
	wsHub   *WSHub
	version string

	health   *health.Checker
	metrics  http.Handler
	history  History
	settings any
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithHealth serves the checker's status on /health.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.health = c }
}

// WithMetrics mounts a Prometheus handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHistory enables /api/events?source=store.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithSettings sets the document served on /api/config. It must not
// carry secrets.
func WithSettings(v any) Option {
	return func(s *Server) { s.settings = v }
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, runner *pipeline.Runner, logger *slog.Logger, version string, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "floorwatch",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:     app,
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		wsHub:   NewWSHub(runner, cfg.StreamHz, logger),
		version: version,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}

	api := s.app.Group("/api")
	api.Get("/level", s.levelHandler)
	api.Get("/events", s.eventsHandler)
	api.Get("/threshold", s.thresholdHandler)
	api.Get("/stats", s.statsHandler)
	api.Get("/config", s.configHandler)
	api.Get("/stream", s.wsHub.UpgradeHandler())
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.health == nil {
		return c.JSON(health.Status{Status: "ok", Version: s.version})
	}

	status := s.health.GetStatus()
	if status.Status == "unhealthy" {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(status)
}

// levelHandler returns the most recent block result
func (s *Server) levelHandler(c *fiber.Ctx) error {
	res, ok := s.runner.Latest()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no audio processed yet",
		})
	}
	return c.JSON(res)
}

// eventsHandler returns recent events, newest first
func (s *Server) eventsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultEventLimit)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be positive",
		})
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	source := c.Query("source", "memory")
	switch source {
	case "memory":
		recent := s.runner.Recent()
		events := make([]detector.Event, 0, min(limit, len(recent)))
		for i := len(recent) - 1; i >= 0 && len(events) < limit; i-- {
			events = append(events, recent[i])
		}
		return c.JSON(fiber.Map{"source": source, "events": events})

	case "store":
		if s.history == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "event store not enabled",
			})
		}
		events, err := s.history.Recent(c.UserContext(), limit)
		if err != nil {
			s.logger.Warn("event history query failed", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "event history unavailable",
			})
		}
		if events == nil {
			events = []detector.Event{}
		}
		return c.JSON(fiber.Map{"source": source, "events": events})

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("unknown source %q", source),
		})
	}
}

// thresholdHandler returns the limit in force and both configured limits
func (s *Server) thresholdHandler(c *fiber.Ctx) error {
	p := s.runner.Pipeline()
	cfg := p.Config()
	state := p.Threshold()

	return c.JSON(fiber.Map{
		"threshold_db": state.ThresholdDB,
		"period":       state.Period,
		"day_db":       cfg.DayThresholdDB,
		"night_db":     cfg.NightThresholdDB,
	})
}

// statsHandler returns runner statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"runner":            s.runner.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
	})
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	cfg := s.runner.Pipeline().Config()

	doc := fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
			"stream_hz":        s.wsHub.rate,
		},
		"pipeline": fiber.Map{
			"sample_rate":         cfg.SampleRate,
			"channels":            cfg.Channels,
			"filter_low_hz":       cfg.FilterLowHz,
			"filter_high_hz":      cfg.FilterHighHz,
			"filter_order":        cfg.FilterOrder,
			"offset_db":           cfg.Level.OffsetDB,
			"day_threshold_db":    cfg.DayThresholdDB,
			"night_threshold_db":  cfg.NightThresholdDB,
			"direction_strategy":  s.runner.Pipeline().DirectionStrategy(),
			"direction_margin_db": cfg.DirectionMarginDB,
			"cooldown_ms":         cfg.Detector.Cooldown.Milliseconds(),
			"snr_gate":            cfg.Detector.SNRGate,
			"snr_min_db":          cfg.Detector.SNRMinDB,
		},
	}
	if s.settings != nil {
		doc["settings"] = s.settings
	}
	return c.JSON(doc)
}

// Start starts the WebSocket hub and blocks serving HTTP
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	go s.wsHub.Run(ctx)
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()
	return s.app.ShutdownWithContext(ctx)
}
