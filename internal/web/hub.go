package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"deskcal/internal/calendar"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// Notification kinds.
const (
	KindChanged   = "changed"
	KindDeleted   = "deleted"
	KindDisplayed = "displayed"
)

const (
	// clientBuffer is how many notifications a slow client may lag behind
	// before it is disconnected.
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Notification is one listener callback as sent to WebSocket clients.
type Notification struct {
	Kind    string        `json:"kind"`
	Plugin  string        `json:"plugin"`
	EventID string        `json:"event_id"`
	Event   *model.Event  `json:"event,omitempty"`
	Result  *model.Result `json:"result,omitempty"`
	At      time.Time     `json:"at"`
}

type client struct {
	send chan []byte
	// gone is closed when the hub drops the client.
	gone chan struct{}
}

// Hub fans engine notifications out to connected WebSocket clients.
type Hub struct {
	nowFunc func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

var _ calendar.Listener = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{nowFunc: time.Now, clients: make(map[*client]struct{})}
}

func (h *Hub) EventChanged(pluginID, eventID string, updated *model.Event) {
	n := Notification{Kind: KindChanged, Plugin: pluginID, EventID: eventID, Event: updated}
	if updated == nil {
		n.Kind = KindDeleted
	}
	h.broadcast(n)
}

func (h *Hub) EventDisplayed(pluginID string, r model.Result) {
	h.broadcast(Notification{Kind: KindDisplayed, Plugin: pluginID, EventID: r.ID(), Result: &r})
}

// broadcast never blocks: the engine calls it with its plugin lock held.
func (h *Hub) broadcast(n Notification) {
	n.At = h.nowFunc()
	msg, err := json.Marshal(n)
	if err != nil {
		appLog.Error("notifications: encoding failed", err, "plugin", n.Plugin, "id", n.EventID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			appLog.Warn("notifications: client too slow, disconnecting")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) add() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{send: make(chan []byte, clientBuffer), gone: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.gone)
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away. Incoming messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		appLog.Warn("notifications: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c, ok := h.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)
	appLog.Debug("notifications: client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			appLog.Debug("notifications: client disconnected", "remote", r.RemoteAddr)
			return
		case <-c.gone:
			conn.Close(websocket.StatusGoingAway, "")
			return
		case msg := <-c.send:
			if err := write(ctx, conn, msg); err != nil {
				appLog.Debug("notifications: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
