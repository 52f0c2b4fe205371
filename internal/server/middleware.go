package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// polledPaths are hit by dashboards several times a second. They are only
// logged at debug level unless they fail.
var polledPaths = map[string]bool{
	"/metrics":       true,
	"/health":        true,
	"/api/level":     true,
	"/api/events":    true,
	"/api/threshold": true,
	"/api/stats":     true,
}

// LoggingMiddleware logs HTTP requests. Server errors log at warn level.
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		path := c.Path()
		status := c.Response().StatusCode()

		level := slog.LevelInfo
		switch {
		case status >= fiber.StatusInternalServerError:
			level = slog.LevelWarn
		case polledPaths[path]:
			level = slog.LevelDebug
		}

		attrs := []any{
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		}
		if q := string(c.Request().URI().QueryString()); q != "" {
			attrs = append(attrs, "query", q)
		}

		logger.Log(c.UserContext(), level, "http request", attrs...)
		return err
	}
}
