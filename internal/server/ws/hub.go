// Package ws pushes session snapshots and activity events to WebSocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/session"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Message types sent to clients.
const (
	TypeSession  = "session"
	TypeActivity = "activity"
)

// upgrader configures the WebSocket upgrade parameters. Origins are
// enforced by the CORS and auth middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the frame written to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionLookup resolves a session for the initial snapshot.
type SessionLookup interface {
	Get(id string) (*session.Session, error)
}

// client represents a single WebSocket connection. It receives the
// snapshots of the sessions it follows and the activity of one owner.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	sessions map[string]bool
	owner    string
}

// subscribeMsg is the JSON message a client sends to follow or unfollow
// sessions, or to change the owner whose activity it receives.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Sessions []string `json:"sessions"`
	Owner    *string  `json:"owner"`
}

// Hub manages a set of connected WebSocket clients and routes messages
// from the signal bus to the clients they concern.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	lookup     SessionLookup
	mu         sync.RWMutex
	logger     *slog.Logger
}

// broadcastMsg carries a decoded routing key along with the frame.
type broadcastMsg struct {
	typ     string
	session string
	owner   string
	data    []byte
}

// NewHub creates a hub fed by bus. lookup may be nil, in which case clients
// get no initial snapshot.
func NewHub(bus domain.SignalBus, lookup SessionLookup, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		lookup:     lookup,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration and message routing, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.subscribe(ctx, session.Channel("*"), TypeSession)
	go h.subscribe(ctx, activity.Channel, TypeActivity)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(msg) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("dropping message for slow client", slog.String("type", msg.typ))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards one bus subscription into the broadcast channel.
func (h *Hub) subscribe(ctx context.Context, channel, typ string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("subscribed", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			msg, ok := route(typ, data)
			if !ok {
				h.logger.Debug("unroutable message", slog.String("channel", channel))
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route reads the routing key out of a bus payload and wraps it in an
// Envelope.
func route(typ string, data []byte) (broadcastMsg, bool) {
	msg := broadcastMsg{typ: typ}
	switch typ {
	case TypeSession:
		var snap struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &snap); err != nil || snap.ID == "" {
			return msg, false
		}
		msg.session = snap.ID
	case TypeActivity:
		var ev activity.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Record.Owner == "" {
			return msg, false
		}
		msg.owner = ev.Record.Owner
	default:
		return msg, false
	}
	frame, err := json.Marshal(Envelope{Type: typ, Payload: data})
	if err != nil {
		return msg, false
	}
	msg.data = frame
	return msg, true
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. The session query parameter may repeat.
// GET /ws?session=<id>&owner=0x...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	q := r.URL.Query()
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		sessions: make(map[string]bool),
		owner:    q.Get("owner"),
	}
	for _, id := range q["session"] {
		if id != "" {
			c.sessions[id] = true
		}
	}

	h.register <- c
	c.sendSnapshots(q["session"])

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wants reports whether msg concerns the client.
func (c *client) wants(msg broadcastMsg) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch msg.typ {
	case TypeSession:
		return c.sessions[msg.session]
	case TypeActivity:
		return c.owner != "" && strings.EqualFold(c.owner, msg.owner)
	}
	return false
}

// readPump reads subscription changes from the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		if added := c.handleSubscription(sub); len(added) > 0 {
			c.sendSnapshots(added)
		}
	}
}

// handleSubscription applies a subscription change and returns the newly
// followed sessions.
func (c *client) handleSubscription(msg subscribeMsg) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Owner != nil {
		c.owner = *msg.Owner
	}
	var added []string
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Sessions {
			if id != "" && !c.sessions[id] {
				c.sessions[id] = true
				added = append(added, id)
			}
		}
	case "unsubscribe":
		for _, id := range msg.Sessions {
			delete(c.sessions, id)
		}
	}
	return added
}

// sendSnapshots queues the current snapshot of each session so the client
// does not wait for the next change.
func (c *client) sendSnapshots(ids []string) {
	if c.hub.lookup == nil {
		return
	}
	for _, id := range ids {
		s, err := c.hub.lookup.Get(id)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(s.Snapshot())
		if err != nil {
			continue
		}
		frame, err := json.Marshal(Envelope{Type: TypeSession, Payload: payload})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

// writePump writes queued frames as text messages and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
