package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

const clientWriteWait = 5 * time.Second

// WebSocketClient is the client side of WebSocketServer. The server
// broadcasts every topic, so Subscribe only filters locally.
type WebSocketClient struct {
	conn   *websocket.Conn
	topics *protocol.Topics
	logger *slog.Logger
	reg    registry

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	err     error

	pingMu  sync.Mutex
	pending map[string]chan protocol.PongData
}

var _ Bus = (*WebSocketClient)(nil)

// DialWebSocket connects to a WebSocketServer at url, for example
// ws://robot.local:8765/ws. An empty prefix means protocol.DefaultPrefix.
func DialWebSocket(ctx context.Context, url, prefix string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", url, err)
	}
	c := &WebSocketClient{
		conn:    conn,
		topics:  protocol.NewTopics(prefix),
		logger:  logger.With("component", "bus", "transport", "websocket-client"),
		done:    make(chan struct{}),
		pending: make(map[string]chan protocol.PongData),
	}
	go c.readLoop()
	return c, nil
}

// Publish implements Bus.
func (c *WebSocketClient) Publish(topic string, payload []byte) error {
	return c.write(protocol.NewRawMessage(envelopeType(c.topics, topic), payload))
}

// Subscribe implements Bus.
func (c *WebSocketClient) Subscribe(topic string, h Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sub, _ := c.reg.add(topic, h)
	return sub, nil
}

// Ping measures the round trip to the server.
func (c *WebSocketClient) Ping(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	ch := make(chan protocol.PongData, 1)
	c.pingMu.Lock()
	c.pending[id] = ch
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.pending, id)
		c.pingMu.Unlock()
	}()

	start := time.Now()
	msg, err := protocol.NewMessage(protocol.TypePing, protocol.PingData{ID: id, Timestamp: start.UnixMilli()})
	if err != nil {
		return 0, err
	}
	if err := c.write(msg); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-c.done:
		return 0, c.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *WebSocketClient) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or ErrClosed after Close.
func (c *WebSocketClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a close frame and waits for the read loop to finish.
func (c *WebSocketClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(clientWriteWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.reg.clear()
	return c.conn.Close()
}

func (c *WebSocketClient) write(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket: write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *WebSocketClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("websocket: read: %w", err)
				c.logger.Warn("connection lost", "error", err)
			}
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if msg.Type == protocol.TypePong {
			c.handlePong(msg)
			continue
		}
		c.reg.dispatch(topicOf(c.topics, msg.Type), msg.Data)
	}
}

func (c *WebSocketClient) handlePong(msg *protocol.Message) {
	var pong protocol.PongData
	if err := msg.ParseData(&pong); err != nil {
		return
	}
	c.pingMu.Lock()
	ch, ok := c.pending[pong.ID]
	c.pingMu.Unlock()
	if ok {
		select {
		case ch <- pong:
		default:
		}
	}
}
