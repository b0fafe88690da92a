package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Transport names.
const (
	KindMemory    = "memory"
	KindMQTT      = "mqtt"
	KindWebSocket = "websocket"
)

// Config selects and configures the daemon-side transport.
type Config struct {
	Kind      string          `yaml:"kind" json:"kind"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
}

// DefaultConfig serves the websocket transport.
func DefaultConfig() Config {
	return Config{
		Kind:      KindWebSocket,
		MQTT:      DefaultMQTTConfig(),
		WebSocket: DefaultWebSocketConfig(),
	}
}

// Validate checks the selected transport only.
func (c Config) Validate() error {
	switch c.Kind {
	case KindMemory:
		return nil
	case KindMQTT:
		return c.MQTT.Validate()
	case KindWebSocket:
		return c.WebSocket.Validate()
	default:
		return fmt.Errorf("bus: unknown transport %q", c.Kind)
	}
}

// Open starts the daemon-side transport.
func Open(cfg Config, logger *slog.Logger) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindMQTT:
		return DialMQTT(cfg.MQTT, logger)
	case KindWebSocket:
		s, err := NewWebSocketServer(cfg.WebSocket, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Start(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return NewMemory(), nil
	}
}

// Dial connects a client to a daemon bus. The endpoint is a ws:// URL or
// an MQTT broker URL; the kind is inferred from its scheme when empty.
func Dial(ctx context.Context, kind, endpoint, prefix string, logger *slog.Logger) (Bus, error) {
	if kind == "" {
		kind = KindWebSocket
		if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
			kind = KindMQTT
		}
	}
	switch kind {
	case KindWebSocket:
		return DialWebSocket(ctx, endpoint, prefix, logger)
	case KindMQTT:
		cfg := DefaultMQTTConfig()
		cfg.URL = endpoint
		return DialMQTT(cfg, logger)
	case KindMemory:
		return nil, fmt.Errorf("bus: the memory transport cannot be dialed")
	default:
		return nil, fmt.Errorf("bus: unknown transport %q", kind)
	}
}
