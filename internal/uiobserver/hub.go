// Package uiobserver pushes STATUS/CONTROL/LOG bus traffic out over
// WebSocket to UI-category observers, one audit at a time: a
// register/unregister/broadcast channel loop owning the client set, with
// a per-client buffered send channel so one slow browser tab can't block
// the rest.
package uiobserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riftsec/auditcore/internal/bus"
	"github.com/riftsec/auditcore/internal/logger"
)

const sendBuffer = 256

// Hub fans bus traffic for one audit out to every connected observer.
type Hub struct {
	auditName string

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// NewHub builds a hub scoped to one audit's UI traffic.
func NewHub(auditName string) *Hub {
	return &Hub{
		auditName:  auditName,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run owns the client set; all mutation flows through its channels so no
// other goroutine ever touches the map directly.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			logger.Orchestrator().Debug().Str("audit", h.auditName).Str("client", c.id).Msg("uiobserver: client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			var stuck []*client
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					stuck = append(stuck, c)
				}
			}
			h.mu.RUnlock()

			if len(stuck) > 0 {
				h.mu.Lock()
				for _, c := range stuck {
					if _, ok := h.clients[c]; ok {
						close(c.send)
						delete(h.clients, c)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wireMessage is the JSON envelope sent to every observer.
type wireMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Payload any    `json:"payload"`
}

// Observe forwards msg to every connected client, if its Type is one a
// UI observer cares about (STATUS, CONTROL, the LOG status code).
func (h *Hub) Observe(msg *bus.Message) {
	if msg.Type != bus.TypeStatus && msg.Type != bus.TypeControl {
		return
	}
	encoded, err := json.Marshal(wireMessage{Type: string(msg.Type), Code: string(msg.Code), Payload: msg.Payload})
	if err != nil {
		logger.Orchestrator().Warn().Err(err).Msg("uiobserver: failed to encode message for broadcast")
		return
	}
	h.broadcast <- encoded
}

// ClientCount reports how many observers are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades conn into a tracked observer identified by clientID and
// starts its read/write pumps.
func (h *Hub) Serve(conn *websocket.Conn, clientID string) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), id: clientID}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to detect disconnects — UI observers are
// read-only subscribers, the core never accepts commands over this
// socket.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
