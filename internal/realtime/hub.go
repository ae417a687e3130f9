// Package realtime streams registration session events to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"memberhub/internal/registration"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
	clientQueue  = 16
)

// Lookup returns the message sent to a new subscriber before any events.
// An error rejects the subscription.
type Lookup func(ctx context.Context, sessionID string) (any, error)

// client is one subscriber. Only its write pump writes to conn.
type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

type message struct {
	sessionID string
	payload   []byte
}

// Hub fans session events out to the WebSocket clients subscribed to them.
// It implements registration.Notifier.
type Hub struct {
	subscribers map[string]map[*client]struct{}
	register    chan *client
	unregister  chan *client
	broadcast   chan message
	done        chan struct{}
	lookup      Lookup
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewHub constructs a Hub. lookup may be nil.
func NewHub(lookup Lookup, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[*client]struct{}),
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan message, queueSize),
		done:        make(chan struct{}),
		lookup:      lookup,
		logger:      logger,
	}
}

// Run processes register/unregister/broadcast events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			clients, ok := h.subscribers[c.sessionID]
			if !ok {
				clients = make(map[*client]struct{})
				h.subscribers[c.sessionID] = clients
			}
			clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.subscribers[msg.sessionID] {
				select {
				case c.send <- msg.payload:
				default:
					h.logger.Warn("slow session subscriber dropped", "session_id", msg.sessionID)
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for the session's subscribers. Events are dropped when
// the queue is full.
func (h *Hub) Publish(ctx context.Context, ev registration.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode session event", "session_id", ev.SessionID, "error", err)
		return
	}
	select {
	case h.broadcast <- message{sessionID: ev.SessionID, payload: payload}:
	default:
		h.logger.Warn("session event dropped", "session_id", ev.SessionID, "status", ev.Status)
	}
}

// Subscribers reports how many clients follow a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}

// Routes registers GET /sessions/{id}/events on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions/{id}/events", h.serveEvents)
}

func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var initial any
	if h.lookup != nil {
		view, err := h.lookup(r.Context(), sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		initial = view
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	if initial != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(initial); err != nil {
			conn.Close()
			return
		}
	}

	c := &client{sessionID: sessionID, conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()

	// Clients only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
				return
			}
		}
	}()
}

// writePump delivers queued events until send is closed, then closes the
// connection. After a failed write the remaining events are discarded.
func (c *client) writePump() {
	defer c.conn.Close()
	failed := false
	for payload := range c.send {
		if failed {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			failed = true
			c.conn.Close()
		}
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *client) {
	clients, ok := h.subscribers[c.sessionID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.subscribers, c.sessionID)
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.subscribers {
		for c := range clients {
			close(c.send)
		}
		delete(h.subscribers, id)
	}
}
