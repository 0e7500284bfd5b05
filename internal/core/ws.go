package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/beatlamp/internal/dispatch"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}

// Broadcaster fans UI events out to websocket clients as JSON.
// A client that falls behind is disconnected rather than slowing the UI goroutine.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:  logger.With("component", "ws"),
		clients: make(map[*client]bool),
	}
}

// AddClient registers conn and starts its writer.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.close()
		return c
	}
	b.clients[c] = true
	return c
}

// RemoveClient unregisters c and stops its writer.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (c *client) close() {
	close(c.send)
}

// Publish is a dispatch sink. Internal loop bookkeeping is not forwarded.
func (b *Broadcaster) Publish(ev dispatch.Event) {
	if ev.Kind == dispatch.KindLoopExit {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event marshal failed", "kind", ev.Kind, "error", err)
		return
	}
	b.broadcast(data)
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	// The feed is read-only status; any local dashboard may subscribe.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	a.logger.Info("ws client connected", "remote", r.RemoteAddr)
	c := a.hub.AddClient(conn)

	go func() {
		defer func() {
			a.hub.RemoveClient(c)
			a.logger.Info("ws client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
