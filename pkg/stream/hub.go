package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

// Channel names clients subscribe to
const (
	ChannelEvents = "events"
	pairChannel   = "pair:"
	traderChannel = "trader:"
	typeChannel   = "type:"
)

// PairChannel returns the channel carrying events of one pair
func PairChannel(id lx.PairID) string { return fmt.Sprintf("%s%d", pairChannel, id) }

// TraderChannel returns the channel carrying events that name an account as
// trader or executor
func TraderChannel(account string) string { return traderChannel + account }

// TypeChannel returns the channel carrying one event type
func TypeChannel(t lx.EventType) string { return typeChannel + string(t) }

// Message is the envelope written to clients
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`

	channels []string
}

// SubscribeRequest is what clients send to change their subscriptions
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// HubConfig holds connection limits and timers
type HubConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

type directMessage struct {
	client *Client
	data   []byte
}

// Hub pushes engine events to WebSocket clients by channel
type Hub struct {
	cfg      HubConfig
	logger   log.Logger
	upgrader websocket.Upgrader

	// only touched by the run loop
	clients map[*Client]struct{}

	// unbuffered: a client is registered before any reply to it is routed
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	direct     chan directMessage
	done       chan struct{}
	running    atomic.Bool

	subscriptions map[string]map[*Client]struct{}
	subMu         sync.RWMutex

	messagesOut uint64
	dropped     uint64
	clientCount int32
	published   func(sink string)
}

var _ lx.EventSink = (*Hub)(nil)

func NewHub(logger log.Logger, cfg HubConfig) *Hub {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:       make(map[*Client]struct{}),
		register:      make(chan *Client),
		unregister:    make(chan *Client, 64),
		broadcast:     make(chan Message, 1024),
		direct:        make(chan directMessage, 256),
		done:          make(chan struct{}),
		subscriptions: make(map[string]map[*Client]struct{}),
		published:     func(string) {},
	}
}

// OnPublished registers a callback run for every event handed to the hub
func (h *Hub) OnPublished(fn func(sink string)) {
	h.published = fn
}

// Run routes messages until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) error {
	h.running.Store(true)
	defer close(h.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.running.Store(false)
			for client := range h.clients {
				h.drop(client)
			}
			return nil

		case client := <-h.register:
			h.clients[client] = struct{}{}
			atomic.AddInt32(&h.clientCount, 1)
			h.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&h.clientCount))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&h.clientCount))
			}

		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; ok {
				h.deliver(msg.client, msg.data)
			}

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-ticker.C:
			h.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&h.clientCount),
				"messages", atomic.LoadUint64(&h.messagesOut),
				"dropped", atomic.LoadUint64(&h.dropped))
		}
	}
}

// drop forgets client and closes its send queue. Run loop only.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	h.unsubscribeAll(client)
	close(client.send)
	atomic.AddInt32(&h.clientCount, -1)
}

// deliver queues data for client, disconnecting it when its queue is full.
// Run loop only.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
		atomic.AddUint64(&h.messagesOut, 1)
	default:
		h.logger.Warn("Slow client disconnected", "id", client.id)
		h.drop(client)
	}
}

func (h *Hub) broadcastMessage(msg Message) {
	targets := make(map[*Client]struct{})
	h.subMu.RLock()
	for _, channel := range msg.channels {
		for client := range h.subscriptions[channel] {
			targets[client] = struct{}{}
		}
	}
	h.subMu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	for client := range targets {
		if _, ok := h.clients[client]; ok {
			h.deliver(client, data)
		}
	}
}

// Publish hands ev to the run loop. It never blocks the engine: events are
// dropped when the hub is not running or its queue is full.
func (h *Hub) Publish(ev lx.Event) {
	if !h.running.Load() {
		return
	}
	channels := []string{ChannelEvents, PairChannel(ev.PairID), TypeChannel(ev.Type)}
	if ev.Trader != "" {
		channels = append(channels, TraderChannel(ev.Trader))
	}
	if ev.Executor != "" && ev.Executor != ev.Trader {
		channels = append(channels, TraderChannel(ev.Executor))
	}

	msg := Message{
		Type:      "event",
		Channel:   ChannelEvents,
		Data:      ev,
		Timestamp: ev.Timestamp,
		Sequence:  ev.Sequence,
		channels:  channels,
	}
	select {
	case h.broadcast <- msg:
		h.published("websocket")
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// ServeHTTP upgrades the request and attaches a client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, h.cfg.SendBuffer),
		channels: make(map[string]struct{}),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.reply(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

// Stats reports hub counters
func (h *Hub) Stats() map[string]interface{} {
	h.subMu.RLock()
	numChannels := len(h.subscriptions)
	h.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&h.clientCount),
		"messages_sent": atomic.LoadUint64(&h.messagesOut),
		"dropped":       atomic.LoadUint64(&h.dropped),
		"channels":      numChannels,
	}
}

func (h *Hub) subscribe(channel string, client *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.subscriptions[channel] == nil {
		h.subscriptions[channel] = make(map[*Client]struct{})
	}
	h.subscriptions[channel][client] = struct{}{}
}

func (h *Hub) unsubscribe(channel string, client *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if clients, ok := h.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

func (h *Hub) unsubscribeAll(client *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	for channel, clients := range h.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

// Client is one WebSocket connection
type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	channels map[string]struct{}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})

	for {
		var req SubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handle(req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(req SubscribeRequest) {
	switch req.Type {
	case "subscribe":
		for _, channel := range req.Channels {
			if !validChannel(channel) {
				c.replyError(fmt.Sprintf("unknown channel: %s", channel))
				return
			}
		}
		for _, channel := range req.Channels {
			c.channels[channel] = struct{}{}
			c.hub.subscribe(channel, c)
		}
		c.reply(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "unsubscribe":
		for _, channel := range req.Channels {
			delete(c.channels, channel)
			c.hub.unsubscribe(channel, c)
		}
		c.reply(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "ping":
		c.reply(Message{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.replyError(fmt.Sprintf("unknown message type: %s", req.Type))
	}
}

// reply sends msg to this client only, through the run loop
func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("Failed to marshal message", "error", err)
		return
	}
	select {
	case c.hub.direct <- directMessage{client: c, data: data}:
	case <-c.hub.done:
	}
}

func (c *Client) replyError(message string) {
	c.reply(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

func validChannel(channel string) bool {
	if channel == ChannelEvents {
		return true
	}
	for _, prefix := range []string{pairChannel, traderChannel, typeChannel} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}
