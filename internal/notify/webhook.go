// Package notify delivers impact events to HTTP webhooks and chat services
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// TimeFormat is the timestamp layout of outgoing payloads.
const TimeFormat = "2006-01-02 15:04:05"

// WebhookConfig holds webhook sink configuration
type WebhookConfig struct {
	URL      string            // Endpoint receiving the JSON POST
	DeviceID string            // Reported as device_id
	Timeout  time.Duration     // HTTP request timeout (default: 1s)
	Headers  map[string]string // Extra request headers, e.g. Authorization
}

// DefaultWebhookConfig returns sensible defaults
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		DeviceID: "floorwatch",
		Timeout:  1 * time.Second,
	}
}

// Payload is the body POSTed for each event.
type Payload struct {
	Timestamp     string  `json:"timestamp"`
	MeasuredDBFS  float64 `json:"measured_dbfs"`
	ThresholdDBFS float64 `json:"threshold_dbfs"`
	DeviceID      string  `json:"device_id"`
	EventID       string  `json:"event_id,omitempty"`
	Direction     string  `json:"direction,omitempty"`
	Period        string  `json:"period,omitempty"`
}

// NewPayload builds the webhook body for ev.
func NewPayload(ev detector.Event, deviceID string) Payload {
	return Payload{
		Timestamp:     ev.Timestamp.Format(TimeFormat),
		MeasuredDBFS:  ev.LevelDB,
		ThresholdDBFS: ev.ThresholdDB,
		DeviceID:      deviceID,
		EventID:       ev.ID,
		Direction:     string(ev.Direction),
		Period:        string(ev.Period),
	}
}

// Webhook posts events as JSON.
type Webhook struct {
	cfg        WebhookConfig
	logger     *slog.Logger
	httpClient *http.Client

	// Stats
	sent   atomic.Uint64
	errors atomic.Uint64
}

// NewWebhook creates a webhook sink
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name implements pipeline.Sink.
func (w *Webhook) Name() string { return "webhook" }

// Handle POSTs one event. Any non-2xx response is an error.
func (w *Webhook) Handle(ctx context.Context, ev detector.Event) error {
	data, err := json.Marshal(NewPayload(ev, w.cfg.DeviceID))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.errors.Add(1)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		w.errors.Add(1)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	w.sent.Add(1)
	w.logger.Debug("webhook delivered", "event_id", ev.ID, "status", resp.StatusCode)
	return nil
}

// WebhookStats contains webhook statistics
type WebhookStats struct {
	Sent   uint64 `json:"sent"`
	Errors uint64 `json:"errors"`
}

// Stats returns webhook statistics
func (w *Webhook) Stats() WebhookStats {
	return WebhookStats{
		Sent:   w.sent.Load(),
		Errors: w.errors.Load(),
	}
}
