// Package protocol defines the WebSocket message types exchanged between
// clients, robot-servers and the hub. Serial-level framing lives in
// pkg/wire; this package only covers the JSON control/telemetry surface.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Robot-server messages
	TypeCommand MessageType = "command" // sparse command envelope

	// Robot-server → Client messages
	TypeControlReady   MessageType = "control_ready"   // control channel accepted
	TypeControlAck     MessageType = "control_ack"     // command acknowledgement
	TypeTelemetryReady MessageType = "telemetry_ready" // telemetry channel accepted
	TypeTelemetry      MessageType = "telemetry"       // periodic status snapshot

	// Hub → Hub client messages
	TypeRobotsStatus MessageType = "robots_status" // fleet aggregate

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
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
	return &msg, nil
}

// ReadyData announces an accepted channel connection.
type ReadyData struct {
	RobotID   string  `json:"robot_id"`
	Kind      string  `json:"kind,omitempty"`       // "hardware" or "virtual"
	IntervalS float64 `json:"interval_s,omitempty"` // telemetry cadence
}

// PingData contains ping information
type PingData struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id,omitempty"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
