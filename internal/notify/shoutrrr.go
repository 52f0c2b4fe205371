package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/time/rate"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// ShoutrrrConfig holds chat notification configuration
type ShoutrrrConfig struct {
	URLs        []string      // shoutrrr service URLs, e.g. telegram://token@telegram?chats=@floor
	Title       string        // Message title
	DeviceID    string        // Included in the body
	MinInterval time.Duration // Minimum spacing between messages (0 = unlimited)
	Burst       int           // Messages allowed back to back (default: 1)
	Timeout     time.Duration // Per-send timeout (default: 10s)
}

// DefaultShoutrrrConfig returns sensible defaults
func DefaultShoutrrrConfig() ShoutrrrConfig {
	return ShoutrrrConfig{
		Title:       "Floor impact detected",
		DeviceID:    "floorwatch",
		MinInterval: 30 * time.Second,
		Burst:       1,
		Timeout:     10 * time.Second,
	}
}

// sender is the part of the shoutrrr router used here.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// Shoutrrr sends a chat message per event through any shoutrrr service.
type Shoutrrr struct {
	cfg     ShoutrrrConfig
	logger  *slog.Logger
	sender  sender
	limiter *rate.Limiter

	sent       atomic.Uint64
	errors     atomic.Uint64
	suppressed atomic.Uint64
}

// NewShoutrrr builds the router for cfg.URLs.
func NewShoutrrr(cfg ShoutrrrConfig, logger *slog.Logger) (*Shoutrrr, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("notify: at least one shoutrrr url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShoutrrrConfig().Timeout
	}

	r, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		// The URL may embed a bot token; don't echo it.
		return nil, fmt.Errorf("notify: invalid shoutrrr url: %s", redact(err.Error(), cfg.URLs))
	}
	r.Timeout = cfg.Timeout
	r.SetLogger(log.New(io.Discard, "", 0))

	return newShoutrrr(cfg, r, logger), nil
}

func newShoutrrr(cfg ShoutrrrConfig, s sender, logger *slog.Logger) *Shoutrrr {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Shoutrrr{
		cfg:     cfg,
		logger:  logger,
		sender:  s,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// Name implements pipeline.Sink.
func (s *Shoutrrr) Name() string { return "shoutrrr" }

// Handle sends one message. Events over the rate limit are counted and
// dropped without error.
func (s *Shoutrrr) Handle(ctx context.Context, ev detector.Event) error {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		s.logger.Debug("notification rate limited", "event_id", ev.ID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	if s.cfg.Title != "" {
		params.SetTitle(s.cfg.Title)
	}

	var errs []error
	for _, err := range s.sender.Send(Message(ev, s.cfg.DeviceID), &params) {
		if err != nil {
			errs = append(errs, errors.New(redact(err.Error(), s.cfg.URLs)))
		}
	}
	if len(errs) > 0 {
		s.errors.Add(1)
		return fmt.Errorf("notify: shoutrrr send: %w", errors.Join(errs...))
	}

	s.sent.Add(1)
	return nil
}

// Message renders the chat body for ev.
func Message(ev detector.Event, deviceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.Format(TimeFormat))
	fmt.Fprintf(&b, "Level: %.1f dB (threshold %.1f dB, %s)\n", ev.LevelDB, ev.ThresholdDB, ev.Period)
	fmt.Fprintf(&b, "SNR: %.1f dB\n", ev.SNRDB)
	if ev.Stereo() {
		fmt.Fprintf(&b, "Direction: %s\n", ev.Direction)
	}
	if deviceID != "" {
		fmt.Fprintf(&b, "Device: %s", deviceID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ShoutrrrStats contains chat notification statistics
type ShoutrrrStats struct {
	Sent       uint64 `json:"sent"`
	Errors     uint64 `json:"errors"`
	Suppressed uint64 `json:"suppressed"`
}

// Stats returns chat notification statistics
func (s *Shoutrrr) Stats() ShoutrrrStats {
	return ShoutrrrStats{
		Sent:       s.sent.Load(),
		Errors:     s.errors.Load(),
		Suppressed: s.suppressed.Load(),
	}
}

func redact(msg string, urls []string) string {
	for _, u := range urls {
		if u != "" {
			msg = strings.ReplaceAll(msg, u, "[redacted]")
		}
	}
	return msg
}
