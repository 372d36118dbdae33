package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 64
)

// Hub fans published events out to websocket subscribers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one websocket subscriber. gorilla/websocket does not allow
// concurrent writers, so only writePump writes to conn.
type client struct {
	conn   *websocket.Conn
	scopes map[Scope]struct{}
	send   chan Envelope
	once   sync.Once
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.With("component", "broadcast"),
		clients:  make(map[*client]struct{}),
	}
}

// Publish implements Publisher. Slow subscribers whose buffer is full are
// disconnected rather than blocking the publisher.
func (h *Hub) Publish(scope Scope, event string, payload any) {
	env := Envelope{Scope: scope, Event: event, Payload: payload, At: time.Now().UTC()}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if _, ok := c.scopes[scope]; !ok {
			continue
		}
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("broadcast: dropping slow subscriber", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and subscribes the connection to the
// scopes given by repeated ?scope= parameters (default: all).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scopes := make(map[Scope]struct{})
	for _, raw := range r.URL.Query()["scope"] {
		s, ok := ParseScope(raw)
		if !ok {
			http.Error(w, "invalid scope "+raw, http.StatusBadRequest)
			return
		}
		scopes[s] = struct{}{}
	}
	if len(scopes) == 0 {
		scopes[ScopeAll] = struct{}{}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("broadcast: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, scopes: scopes, send: make(chan Envelope, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("broadcast: subscriber connected", "remote", r.RemoteAddr, "scopes", len(scopes))

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// readPump only keeps the read deadline alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("broadcast: read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
