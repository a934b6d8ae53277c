package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"callkit-voip/internal/metrics"
	"callkit-voip/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Events the hub emits on its own as the notification-style presenter.
const (
	EventIncomingCall          = "incomingCall"
	EventIncomingCallDismissed = "incomingCallDismissed"
)

var (
	ErrNoListener = errors.New("bridge: no active listener")
	ErrSlowClient = errors.New("bridge: every listener is backlogged")
	ErrClosed     = errors.New("bridge: hub closed")
)

// Inbound client operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// ClientMessage is what a front end sends over the socket.
type ClientMessage struct {
	Op    string `json:"op"`
	Event string `json:"event"`
}

// ServerMessage is what the hub sends: either an event or an op ack.
type ServerMessage struct {
	Event   string            `json:"event,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Op      string            `json:"op,omitempty"`
	OK      bool              `json:"ok,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	subs map[string]struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub is the WebSocket listener bridge. Front ends subscribe to event names;
// the engine asks HasActiveListener before delivering and is told through
// OnReady when a listener attaches.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	// OnReady is called, outside any lock, after a client subscribes and
	// before the subscription is acknowledged.
	OnReady func(event string)

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: originAllowed},
		clients:  make(map[*client]struct{}),
	}
}

func originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(u.Host) == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// HasActiveListener reports whether any connected client subscribed to event.
func (h *Hub) HasActiveListener(event string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if _, ok := c.subs[event]; ok {
			return true
		}
	}
	return false
}

// Emit sends event to every subscriber. It fails when nobody received it.
func (h *Hub) Emit(event string, payload map[string]string) error {
	b, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	targets, sent := 0, 0
	for c := range h.clients {
		if _, ok := c.subs[event]; !ok {
			continue
		}
		targets++
		select {
		case c.send <- b:
			sent++
		default:
			h.log.Warn("bridge client backlogged, dropping message", "client_id", c.id, "event", event)
		}
	}
	switch {
	case targets == 0:
		return ErrNoListener
	case sent == 0:
		return ErrSlowClient
	}
	return nil
}

// Listeners returns the number of connected clients.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PresentNotification shows an incoming call through the front end when the
// native call UI is unavailable.
func (h *Hub) PresentNotification(_ context.Context, connectionID, displayName string, payload map[string]string) error {
	p := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		p[k] = v
	}
	p["connectionId"] = connectionID
	p["displayName"] = displayName
	return h.Emit(EventIncomingCall, p)
}

func (h *Hub) DismissNotification(_ context.Context, connectionID string) error {
	err := h.Emit(EventIncomingCallDismissed, map[string]string{"connectionId": connectionID})
	if errors.Is(err, ErrNoListener) {
		return nil
	}
	return err
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("bridge upgrade failed", "err", err)
		return
	}
	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]struct{}),
	}
	if !h.register(cl) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	log.Info("bridge client connected", "client_id", cl.id)

	go h.writePump(cl)
	h.readPump(cl)

	h.unregister(cl)
	log.Info("bridge client disconnected", "client_id", cl.id)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.BridgeClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	metrics.BridgeClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("bridge read failed", "client_id", c.id, "err", err)
			}
			return
		}
		h.handle(c, msg)
	}
}

func (h *Hub) handle(c *client, msg ClientMessage) {
	event := strings.TrimSpace(msg.Event)
	ack := ServerMessage{Op: msg.Op, Event: event}
	if event == "" {
		ack.Error = "event is required"
		h.reply(c, ack)
		return
	}

	switch msg.Op {
	case OpSubscribe:
		h.mu.Lock()
		c.subs[event] = struct{}{}
		h.mu.Unlock()
		h.log.Debug("listener attached", "client_id", c.id, "event", event)
		if h.OnReady != nil {
			h.OnReady(event)
		}
		ack.OK = true
		h.reply(c, ack)
	case OpUnsubscribe:
		h.mu.Lock()
		delete(c.subs, event)
		h.mu.Unlock()
		ack.OK = true
		h.reply(c, ack)
	default:
		ack.Error = "unsupported op"
		h.reply(c, ack)
	}
}

func (h *Hub) reply(c *client, m ServerMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	metrics.BridgeClients.Set(0)
}
