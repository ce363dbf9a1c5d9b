// SPDX-License-Identifier: MIT

package panel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/metrics"
)

// Event types sent on /api/events.
const (
	EventState             = "state"
	EventLog               = "log"
	EventNavigationFailure = "navigation_failure"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is one frame of the panel event stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The panel binds to loopback by default; browsers on other origins
	// (dev servers) are expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans events out to every connected panel client. A client whose
// buffer is full is dropped rather than slowing the others down.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  xglog.WithComponent("events"),
	}
}

// Serve upgrades the request and registers the client. greeting is built
// under the hub lock once the client is registered, so every change after
// the greeting's contents is also broadcast to the client.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, greeting func() []Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str(xglog.FieldEvent, "events.upgrade_failed").Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if greeting != nil {
		for _, ev := range greeting() {
			if frame, err := json.Marshal(ev); err == nil {
				c.send <- frame
			}
		}
	}
	n := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	metrics.SetEventClients(n)
	h.logger.Debug().
		Str(xglog.FieldEvent, "events.client_joined").
		Str("remote_addr", r.RemoteAddr).
		Int("clients", n).
		Msg("event client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends ev to every client.
func (h *Hub) Broadcast(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "events.encode_failed").Str("type", ev.Type).Msg("failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			delete(h.clients, c)
			c.close()
			metrics.IncEventClientDropped()
			h.logger.Warn().Str(xglog.FieldEvent, "events.client_dropped").Msg("event client too slow, dropped")
		}
	}
	metrics.SetEventClients(len(h.clients))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	metrics.SetEventClients(0)
	h.wg.Wait()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetEventClients(n)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump only services control frames; panel clients never send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.wg.Done()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str(xglog.FieldEvent, "events.read_error").Msg("event client read error")
			}
			return
		}
	}
}
