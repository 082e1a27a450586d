// Package statusfeed pushes sync events to UI clients over WebSocket.
package statusfeed

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	"github.com/kimhsiao/bounceback/backend/internal/ids"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
)

const (
	sendBuffer      = 256
	broadcastBuffer = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"` // unix ms
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. No subscriptions means all.
func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub maintains active client connections and broadcasts events.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	redacted []string
	upgrader websocket.Upgrader
}

// Option configures a Hub.
type Option func(*Hub)

// WithRedactedFields names data keys replaced before anything is sent.
func WithRedactedFields(fields ...string) Option {
	return func(h *Hub) { h.redacted = append(h.redacted, fields...) }
}

// WithOriginCheck replaces the default loopback-only origin check.
func WithOriginCheck(check func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = check }
}

// NewHub creates a hub and starts its loop. Close stops it.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     loopbackOnly,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// loopbackOnly accepts connections addressed to a loopback host.
func loopbackOnly(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status feed client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status feed client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow client; drop it rather than stall every other client.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every subscribed client. It never blocks;
// events are dropped when the hub is saturated or closed.
func (h *Hub) Broadcast(env Envelope) {
	env.Data = redact(env.Data, h.redacted)
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		logging.Error("Failed to marshal status event", err, map[string]interface{}{"type": env.Type})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message{eventType: env.Type, payload: payload}:
	default:
		logging.Warn("Status feed saturated, dropping event", map[string]interface{}{"type": env.Type})
	}
}

// Publish forwards a sync event. It has the SyncEventHandler signature.
func (h *Hub) Publish(event syncpkg.SyncEvent) {
	h.Broadcast(Envelope{Type: event.Type, UserID: event.UserID, Data: event.Data, Timestamp: event.Timestamp})
}

// redact replaces named keys at any depth of data.
func redact(data map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 || data == nil {
		return data
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = redactValue(v, fields)
	}
	for _, f := range fields {
		if _, ok := out[f]; ok {
			out[f] = crypto.RedactedValue
		}
	}
	return out
}

func redactValue(v interface{}, fields []string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return redact(t, fields)
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, s := range t {
			m[k] = s
		}
		return redact(m, fields)
	case models.Row:
		return redact(map[string]interface{}(t), fields)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = redactValue(e, fields)
		}
		return out
	}
	return v
}

// readPump handles subscribe, unsubscribe and ping requests.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Status feed read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "unsubscribe_ack", "unsubscribed": req.Events})
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a control response through the hub so it never races a close.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// Handler upgrades requests to WebSocket connections attached to the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Status feed upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:            ids.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           h,
			subscriptions: make(map[string]bool),
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
