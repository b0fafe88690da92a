// Package protocol defines the payloads exchanged on the daemon bus and
// the JSON envelope used when they travel over a websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the topic an envelope belongs to.
type MessageType string

const (
	// Daemon → clients
	TypeJointPositions MessageType = TopicJointPositions
	TypeHeadPose       MessageType = TopicHeadPose
	TypeDaemonStatus   MessageType = TopicDaemonStatus
	TypeTaskProgress   MessageType = TopicTaskProgress
	TypeRecordedData   MessageType = TopicRecordedData

	// Clients → daemon
	TypeCommand MessageType = TopicCommand
	TypeTask    MessageType = TopicTask

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the websocket envelope. Data holds the topic payload as is.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into an envelope stamped with the current time.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}
	return NewRawMessage(msgType, raw), nil
}

// NewRawMessage wraps an already encoded JSON payload.
func NewRawMessage(msgType MessageType, payload []byte) *Message {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw = json.RawMessage(payload)
	}
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}
}

// ParseData unmarshals the payload into v.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded envelope.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses an envelope.
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

// PingData is sent by either side to measure latency.
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData answers a ping.
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}

// NewPongMessage answers a ping received at pongTS.
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}
