// Package protocol defines the JSON envelope shared by the live stream and
// the cloud uplink.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Monitor → peer messages
	TypeLevel MessageType = "level" // Latest block measurement
	TypeEvent MessageType = "event" // Detected impact
	TypeStats MessageType = "stats" // Runner statistics
	TypeError MessageType = "error" // Rejected command

	// Peer → monitor commands
	TypeGetStats MessageType = "get_stats"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// LevelData is one block's measurement
type LevelData struct {
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

// NewLevelMessage creates a level message
func NewLevelMessage(data LevelData) (*Message, error) {
	return NewMessage(TypeLevel, data)
}

// NewEventMessage creates an event message
func NewEventMessage(ev detector.Event) (*Message, error) {
	return NewMessage(TypeEvent, ev)
}

// GetEvent extracts the event from an event message
func (m *Message) GetEvent() (*detector.Event, error) {
	if m.Type != TypeEvent {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypeEvent)
	}
	var ev detector.Event
	if err := m.ParseData(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetLevel extracts the measurement from a level message
func (m *Message) GetLevel() (*LevelData, error) {
	if m.Type != TypeLevel {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypeLevel)
	}
	var data LevelData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ErrorData explains a rejected command
type ErrorData struct {
	Message string `json:"message"`
}

// NewErrorMessage creates an error message
func NewErrorMessage(format string, args ...any) *Message {
	msg, _ := NewMessage(TypeError, ErrorData{Message: fmt.Sprintf(format, args...)})
	return msg
}

// NewPong answers a ping
func NewPong() *Message {
	return &Message{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}
