package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-reachy-daemon/pkg/hub"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

// WebSocketConfig configures the websocket server transport.
type WebSocketConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Path   string `yaml:"path" json:"path"`
	// Prefix is stripped from topics to form envelope types and added back
	// on receipt.
	Prefix string `yaml:"prefix" json:"prefix"`
}

// DefaultWebSocketConfig serves ws://0.0.0.0:8765/ws.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{Listen: ":8765", Path: "/ws", Prefix: protocol.DefaultPrefix}
}

// Validate checks the configuration.
func (c WebSocketConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("websocket: listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("websocket: path %q must start with /", c.Path)
	}
	return nil
}

// WebSocketServer is a Bus that fans published topics out to websocket
// clients and dispatches what clients send to local subscribers. Frames
// use the protocol.Message envelope.
type WebSocketServer struct {
	cfg    WebSocketConfig
	topics *protocol.Topics
	logger *slog.Logger

	app    *fiber.App
	hub    *hub.Hub
	ln     net.Listener
	cancel context.CancelFunc
	reg    registry
	closed atomic.Bool

	published atomic.Uint64
	received  atomic.Uint64
	malformed atomic.Uint64
}

var _ Bus = (*WebSocketServer)(nil)

// NewWebSocketServer builds the server. Call Start to listen. A nil logger
// uses slog.Default().
func NewWebSocketServer(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "transport", "websocket")
	s := &WebSocketServer{
		cfg:    cfg,
		topics: protocol.NewTopics(cfg.Prefix),
		logger: logger,
		app:    fiber.New(fiber.Config{DisableStartupMessage: true}),
		hub:    hub.New("bus", logger),
	}
	s.hub.OnMessage(s.handleMessage)
	s.RegisterRoutes(s.app)
	return s, nil
}

// RegisterRoutes registers the websocket endpoint on a Fiber app.
func (s *WebSocketServer) RegisterRoutes(app *fiber.App) {
	app.Use(s.cfg.Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(s.cfg.Path, s.hub.Handler())
}

// Start binds the listen address and serves in the background.
func (s *WebSocketServer) Start() error {
	if s.closed.Load() {
		return ErrClosed
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("websocket: listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)
	go func() {
		if err := s.app.Listener(ln); err != nil && !s.closed.Load() {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("websocket bus listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address once started.
func (s *WebSocketServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL returns the ws:// URL clients dial once started.
func (s *WebSocketServer) URL() string {
	if s.ln == nil {
		return ""
	}
	return "ws://" + s.ln.Addr().String() + s.cfg.Path
}

// Publish implements Bus. Local subscribers see the message too.
func (s *WebSocketServer) Publish(topic string, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.NewRawMessage(envelopeType(s.topics, topic), payload).Bytes()
	if err != nil {
		return fmt.Errorf("websocket: encode %s: %w", topic, err)
	}
	s.hub.Broadcast(hub.TextFrame(topic, data))
	s.published.Add(1)
	s.reg.dispatch(topic, payload)
	return nil
}

// Subscribe implements Bus.
func (s *WebSocketServer) Subscribe(topic string, h Handler) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sub, _ := s.reg.add(topic, h)
	return sub, nil
}

// Close stops the hub and the HTTP server.
func (s *WebSocketServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.reg.clear()
	if s.ln == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.hub.Done():
	case <-time.After(time.Second):
	}
	return s.app.ShutdownWithTimeout(2 * time.Second)
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int { return s.hub.ClientCount() }

// Stats returns message counters.
func (s *WebSocketServer) Stats() map[string]uint64 {
	return map[string]uint64{
		"published": s.published.Load(),
		"received":  s.received.Load(),
		"malformed": s.malformed.Load(),
		"dropped":   s.hub.Dropped(),
		"clients":   uint64(s.hub.ClientCount()),
	}
}

func (s *WebSocketServer) handleMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	s.received.Add(1)

	if msg.Type == protocol.TypePing {
		var ping protocol.PingData
		_ = msg.ParseData(&ping)
		pong, err := protocol.NewPongMessage(ping.ID, msg.Timestamp, time.Now().UnixMilli())
		if err != nil {
			return
		}
		if b, err := pong.Bytes(); err == nil {
			c.Send(hub.TextFrame(string(protocol.TypePong), b))
		}
		return
	}
	s.reg.dispatch(topicOf(s.topics, msg.Type), msg.Data)
}

// envelopeType strips the prefix from topics under it.
func envelopeType(t *protocol.Topics, topic string) protocol.MessageType {
	if rest, ok := strings.CutPrefix(topic, t.Prefix()+"/"); ok {
		return protocol.MessageType(rest)
	}
	return protocol.MessageType(topic)
}

// topicOf is the inverse of envelopeType. Types holding a "/" are already
// full topics.
func topicOf(t *protocol.Topics, typ protocol.MessageType) string {
	if strings.Contains(string(typ), "/") {
		return string(typ)
	}
	return t.Full(string(typ))
}
