// Package hub fans websocket frames out to every connected client through
// a single goroutine that owns the client set.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
)

// Frame is one outbound websocket frame. Topic is the bus topic it
// carries and only shows up in logs.
type Frame struct {
	Topic  string
	Binary bool
	Data   []byte
}

// TextFrame wraps an encoded JSON envelope.
func TextFrame(topic string, data []byte) Frame {
	return Frame{Topic: topic, Data: data}
}

// BinaryFrame wraps raw bytes.
func BinaryFrame(topic string, data []byte) Frame {
	return Frame{Topic: topic, Binary: true, Data: data}
}

// MessageHandler receives every frame a client sends.
type MessageHandler func(c *Client, data []byte)

// Hub owns the connected clients and broadcasts frames to them.
type Hub struct {
	name   string
	logger *slog.Logger

	// Registered clients
	clients map[*Client]bool

	broadcast chan Frame

	register   chan *Client
	unregister chan *Client

	onMessage MessageHandler

	mu      sync.RWMutex
	running atomic.Bool
	done    chan struct{}

	dropped     atomic.Uint64
	dropWarning *log.Throttle
}

// New creates a new Hub. A nil logger uses slog.Default().
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),

		dropWarning: log.NewThrottle(time.Second),
	}
}

// OnMessage sets the handler for inbound frames. Set it before Run.
func (h *Hub) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Run is the hub's main loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "clients", count)

		case f := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.trySend(f) {
					client.close()
					delete(h.clients, client)
					h.logger.Warn("disconnected slow client", "topic", f.Topic)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Handler upgrades a fiber request and serves the connection until it
// closes.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client := NewClient(h, conn)
		if client == nil {
			return
		}
		client.Run()
	})
}

// Broadcast queues f for every client. It never blocks: when the queue is
// full the frame is dropped and counted.
func (h *Hub) Broadcast(f Frame) {
	select {
	case h.broadcast <- f:
	default:
		n := h.dropped.Add(1)
		if h.dropWarning.Allow() {
			h.logger.Warn("broadcast queue full, dropping frame", "topic", f.Topic, "dropped", n)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were dropped on a full queue.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

func (h *Hub) handler() MessageHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onMessage
}
