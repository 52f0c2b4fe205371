// Package client is a Go client for the floorwatch status API
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is an impact event as served by /api/events and the stream.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Levels       []float64 `json:"levels_db"`
	SNRs         []float64 `json:"snrs_db"`
	LevelDB      float64   `json:"level_db"`
	SNRDB        float64   `json:"snr_db"`
	ThresholdDB  float64   `json:"threshold_db"`
	Direction    string    `json:"direction"`
	DelaySeconds float64   `json:"delay_seconds"`
	Period       string    `json:"period"`
}

// Level is one streamed block measurement.
type Level struct {
	Timestamp     time.Time `json:"timestamp"`
	Levels        []float64 `json:"levels_db"`
	LevelDB       float64   `json:"level_db"`
	SNRDB         float64   `json:"snr_db"`
	ThresholdDB   float64   `json:"threshold_db"`
	Period        string    `json:"period"`
	Direction     string    `json:"direction,omitempty"`
	DelaySeconds  float64   `json:"delay_seconds,omitempty"`
	Triggered     bool      `json:"triggered"`
	DetectorState string    `json:"detector_state"`
}

// Threshold is the limit in force and both configured limits.
type Threshold struct {
	ThresholdDB float64 `json:"threshold_db"`
	Period      string  `json:"period"`
	DayDB       float64 `json:"day_db"`
	NightDB     float64 `json:"night_db"`
}

// Update is one stream message. Exactly one of Level and Event is set.
type Update struct {
	Level *Level
	Event *Event
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("floorwatch: %d: %s", e.Status, e.Message)
}

// Client talks to one floorwatch instance
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10 s timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for baseURL, e.g. "http://floorwatch.local:9000".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("floorwatch: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("floorwatch: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Events returns up to limit recent events, newest first. fromStore
// queries the durable store instead of the in-memory log.
func (c *Client) Events(ctx context.Context, limit int, fromStore bool) ([]Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if fromStore {
		q.Set("source", "store")
	}

	var body struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/api/events?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Threshold returns the limit currently in force.
func (c *Client) Threshold(ctx context.Context) (Threshold, error) {
	var t Threshold
	err := c.get(ctx, "/api/threshold", &t)
	return t, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return fmt.Errorf("floorwatch: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("floorwatch: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("floorwatch: decode %s: %w", path, err)
	}
	return nil
}

// streamMessage mirrors the server's envelope.
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Stream calls fn for every level and event message until ctx ends or the
// connection drops (blocking). A nil error means ctx ended.
func (c *Client) Stream(ctx context.Context, fn func(Update)) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/api/stream"

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("floorwatch: dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("floorwatch: read stream: %w", err)
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "level":
			var l Level
			if json.Unmarshal(msg.Data, &l) == nil {
				fn(Update{Level: &l})
			}
		case "event":
			var e Event
			if json.Unmarshal(msg.Data, &e) == nil {
				fn(Update{Event: &e})
			}
		}
	}
}
