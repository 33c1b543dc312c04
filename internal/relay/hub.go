// Package relay is the ordered delivery path between client instances: a
// small local websocket hub that forwards every published envelope, in
// publish order, to every other instance subscribed to its channel. Unlike
// the latest-value surface, nothing is coalesced, which is what call
// signaling needs.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chitchat-client/internal/channel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

const sendBuffer = 128

// Publishes carry their delivery mode on the wire: broadcast feeds
// latest-value subscribers, publish feeds queue subscribers. The hub forwards
// the op untouched so receivers never have to guess a mode from the channel
// name.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opBroadcast   = "broadcast"
)

// clientMessage is what instances send the hub, and what the hub forwards.
type clientMessage struct {
	Op       string            `json:"op"`
	Channel  string            `json:"channel,omitempty"`
	Envelope *channel.Envelope `json:"envelope,omitempty"`
}

type client struct {
	conn      *websocket.Conn
	instance  string
	send      chan []byte
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *client) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[name]
	return ok
}

func (c *client) setSubscribed(name string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[name] = struct{}{}
	} else {
		delete(c.subs, name)
	}
}

type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "relay"),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handle)
}

func (h *Hub) CloseAll() {
	clients := h.snapshotClients()
	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay shutdown"),
			time.Now().Add(writeWait),
		)
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	instance := r.URL.Query().Get("instance")
	if instance == "" {
		http.Error(w, "instance id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:     conn,
		instance: instance,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]struct{}),
	}
	h.track(c)
	defer h.untrack(c)
	defer c.close()

	h.logger.Info("relay connected", "remoteAddr", r.RemoteAddr, "instance", instance)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.writePump(c, r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("relay disconnected", "remoteAddr", r.RemoteAddr, "instance", instance, "error", err)
			return
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(sender *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("relay dropping malformed message", "instance", sender.instance, "error", err)
		return
	}

	switch msg.Op {
	case opSubscribe:
		if msg.Channel == "" {
			return
		}
		sender.setSubscribed(msg.Channel, true)
	case opUnsubscribe:
		if msg.Channel == "" {
			return
		}
		sender.setSubscribed(msg.Channel, false)
	case opPublish, opBroadcast:
		if msg.Envelope == nil || msg.Envelope.Channel == "" {
			h.logger.Warn("relay dropping publish without envelope", "instance", sender.instance)
			return
		}
		h.forward(sender, msg)
	default:
		h.logger.Warn("relay dropping unknown op", "op", msg.Op, "instance", sender.instance)
	}
}

// forward fans a tagged message out to every subscribed connection except
// the publisher; the publisher's own instance self-delivers locally.
func (h *Hub) forward(sender *client, msg clientMessage) {
	name := msg.Envelope.Channel
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("relay envelope marshal failed", "error", err, "channel", name)
		return
	}

	clients := h.snapshotClients()
	for _, c := range clients {
		if c == sender {
			continue
		}
		if !c.subscribed(name) {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.logger.Warn("relay slow client dropped", "instance", c.instance)
			h.untrack(c)
			c.close()
		}
	}
}

func (h *Hub) writePump(c *client, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Info("relay write failed", "remoteAddr", remoteAddr, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) track(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) untrack(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) snapshotClients() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}
