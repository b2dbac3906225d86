package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/pulsejob/pulse/async"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	clientBuffer    = 64
	broadcastBuffer = 256
)

// Hub fans job lifecycle events out to websocket clients. It implements
// async.EventListener and never blocks the caller: events are dropped when
// the hub is backed up, and clients that cannot keep up are disconnected.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	mu         sync.Mutex
	register   chan *client
	unregister chan *client
	broadcast  chan async.Event
	done       chan struct{}
	drops      atomic.Int64
	logger     *zap.SugaredLogger
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan async.Event
	id        string
	closeOnce sync.Once
}

var _ async.EventListener = (*Hub)(nil)

// NewHub creates a hub accepting websocket upgrades from allowedOrigins.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan async.Event, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     log.Named("hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker accepts requests without an Origin header, same-origin
// requests and the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// OnJobEvent queues an event for broadcast.
func (h *Hub) OnJobEvent(ev async.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.drops.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Drops returns how many events were discarded because the hub was backed up.
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// Run is the hub event loop. It owns every send on client channels and
// closes all clients when ctx is done. Run must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.logger.Debugw("Hub stopped")
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
		case c := <-h.unregister:
			h.remove(c, "Client disconnected")
		case ev := <-h.broadcast:
			h.mu.Lock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				h.remove(c, "Client send channel full, removing client")
			}
		}
	}
}

func (h *Hub) remove(c *client, msg string) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Infow(msg, "client_id", c.id, "total_clients", total)
}

// ServeWS upgrades the request and streams events to the client until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan async.Event, clientBuffer),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump discards client messages and keeps the read deadline fresh on pongs.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued events and periodic pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debugw("Event write error", "client_id", c.id, "error", err)
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
