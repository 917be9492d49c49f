package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"jetx/internal/metrics"
)

const (
	BROADCAST_BUFFER = 1024
	CLIENT_BUFFER    = 256
	WRITE_DEADLINE   = 10 * time.Second
)

// TextMessage mirrors the websocket text frame opcode.
const TextMessage = 1

// Conn is the subset of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Publisher fans events out to connected clients.
type Publisher interface {
	Broadcast(event string, data any)
	SendTo(sessionID, event string, data any)
	Disconnect(sessionID string)
}

type Client struct {
	conn      Conn
	sessionID string
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

type Hub struct {
	clients   map[string]*Client
	broadcast chan []byte
	mu        sync.RWMutex
	logger    *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		broadcast: make(chan []byte, BROADCAST_BUFFER),
		logger:    logger.WithPrefix("WS"),
	}
}

// Run delivers queued broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				client.enqueue(message, h.logger)
			}
			h.mu.RUnlock()
		}
	}
}

// RunPlayerCount broadcasts the connected client count on every interval.
func (h *Hub) RunPlayerCount(ctx context.Context, clock quartz.Clock, every time.Duration) {
	ticker := clock.NewTicker(every, "hub", "playerCount")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(EventPlayerCount, h.GetClientCount())
		}
	}
}

// Broadcast queues an event for every client and never blocks.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(WSMessage{Type: event, Data: data})
	if err != nil {
		h.logger.Error("Marshal error", "event", event, "err", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "event", event)
	}
}

// SendTo delivers an event to a single session.
func (h *Hub) SendTo(sessionID, event string, data any) {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(WSMessage{Type: event, Data: data})
	if err != nil {
		h.logger.Error("Marshal error", "event", event, "err", err)
		return
	}
	client.enqueue(payload, h.logger)
}

// RegisterClient adds a connection; a previous connection under the same
// session id is closed.
func (h *Hub) RegisterClient(conn Conn, sessionID string) {
	client := &Client{
		conn:      conn,
		sessionID: sessionID,
		out:       make(chan []byte, CLIENT_BUFFER),
		done:      make(chan struct{}),
	}
	go client.writePump(h.logger)

	h.mu.Lock()
	old, exists := h.clients[sessionID]
	h.clients[sessionID] = client
	total := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(total))

	if exists {
		old.stop()
		if old.conn != conn {
			old.conn.Close()
		}
	}
	h.logger.Info("Client connected", "session", sessionID, "total", total)
}

// UnregisterClient removes the session if conn is still the registered one.
func (h *Hub) UnregisterClient(conn Conn, sessionID string) {
	h.mu.Lock()
	client, ok := h.clients[sessionID]
	if ok && client.conn == conn {
		delete(h.clients, sessionID)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(total))

	if ok && client.conn == conn {
		client.stop()
		h.logger.Info("Client disconnected", "session", sessionID, "total", total)
	}
}

// Disconnect closes the session's connection; the read loop then unregisters it.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if ok {
		client.conn.Close()
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueue never blocks the caller; a client that cannot keep up loses messages.
func (c *Client) enqueue(data []byte, logger *log.Logger) {
	select {
	case <-c.done:
	case c.out <- data:
	default:
		logger.Warn("Client buffer full, dropping message", "session", c.sessionID)
	}
}

func (c *Client) writePump(logger *log.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_DEADLINE))
			if err := c.conn.WriteMessage(TextMessage, data); err != nil {
				logger.Debug("Write error", "session", c.sessionID, "err", err)
			}
		}
	}
}

func (c *Client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}
