package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/obsidian-market/obsidian-backend/internal/metrics"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TopicUserPrefix scopes a feed to one trader's fills.
const TopicUserPrefix = "obs:user:"

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	cache      *store.Cache
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	topics     map[string]bool
	address    string
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type WSSubscriptionRequest struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Address string   `json:"address,omitempty"`
}

// tradeHeader is the part of a published trade event the hub routes on.
type tradeHeader struct {
	MarketID uint64 `json:"market_id"`
	Trader   string `json:"trader"`
}

func NewHub(cache *store.Cache, logger *zap.SugaredLogger, metrics *metrics.Metrics, allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		ready:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// same-origin requests carry no Origin header
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Ready is closed once the hub is subscribed to the trade feed.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

func (h *Hub) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Hub) Run(ctx context.Context) {
	go h.startSubscription(ctx)
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.DecrementConnections(ctx)
			}
			h.mu.Unlock()
			h.logger.Debugw("Client unregistered", "address", client.getAddress())
		}
	}
}

// startSubscription follows the global trade channel; every recorded
// trade is published there as well as on its market channel.
func (h *Hub) startSubscription(ctx context.Context) {
	if pubsub := h.cache.Subscribe(ctx, store.ChannelTrades); pubsub != nil {
		defer pubsub.Close()
		if _, err := pubsub.Receive(ctx); err != nil {
			h.logger.Errorw("Redis subscription failed", "error", err)
			return
		}
		h.markReady()
		h.handleRedisPubSubMessages(ctx, pubsub)
		return
	}

	if sub := h.cache.SubscribeInMemory(ctx, store.ChannelTrades); sub != nil {
		defer sub.Close()
		h.logger.Debugw("Using in-memory pubsub for WebSocket hub", "channel", store.ChannelTrades)
		h.markReady()
		h.handleInMemoryMessages(ctx, sub)
		return
	}

	h.logger.Warnw("No pubsub available; WebSocket trade feed disabled")
}

func (h *Hub) handleRedisPubSubMessages(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.dispatch(msg.Payload)
		}
	}
}

func (h *Hub) handleInMemoryMessages(ctx context.Context, sub *store.Subscription) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg != nil {
				h.dispatch(msg.Payload)
			}
		}
	}
}

// dispatch routes one trade event to the clients following its market,
// the global feed, or the trader.
func (h *Hub) dispatch(payload string) {
	var hdr tradeHeader
	if err := json.Unmarshal([]byte(payload), &hdr); err != nil {
		h.logger.Warnw("Dropping malformed trade event", "error", err)
		return
	}
	topic := store.TradeChannel(hdr.MarketID)

	messageBytes, err := json.Marshal(Message{
		Type:      "trade",
		Topic:     topic,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(topic, hdr.Trader) {
			continue
		}
		select {
		case client.send <- messageBytes:
		default:
			// slow consumer
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// sendTo queues msg for c if it is still registered.
func (h *Hub) sendTo(c *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(time.Now().Add(-60 * time.Second))
		}
	}
}

func (h *Hub) cleanupInactiveClients(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.idleSince(cutoff) {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "address", client.getAddress())
		}
	}
}

// WebSocket endpoint handler
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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

func (c *Client) handleMessage(message []byte) {
	var sub WSSubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			if validTopic(topic) {
				c.topics[topic] = true
			}
		}
		if sub.Address != "" {
			c.address = sub.Address
			c.topics[TopicUserPrefix+sub.Address] = true
		}
	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
	default:
		c.mu.Unlock()
		return
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	c.hub.logger.Debugw("Client subscription changed", "type", sub.Type, "topics", topics)
	ack, _ := json.Marshal(struct {
		Type      string   `json:"type"`
		Topics    []string `json:"topics"`
		Timestamp int64    `json:"timestamp"`
	}{Type: sub.Type + "d", Topics: topics, Timestamp: time.Now().Unix()})
	c.hub.sendTo(c, ack)
}

// wants reports whether a trade on topic by trader should reach c.
func (c *Client) wants(topic, trader string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics[topic] || c.topics[store.ChannelTrades] || c.topics[store.ChannelTrades+":*"] {
		return true
	}
	return trader != "" && c.topics[TopicUserPrefix+trader]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive.Before(cutoff)
}

func (c *Client) getAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func validTopic(topic string) bool {
	if topic == store.ChannelTrades || topic == store.ChannelTrades+":*" {
		return true
	}
	_, ok := marketFromTopic(topic)
	return ok
}

// marketFromTopic parses "obs:trades:<id>".
func marketFromTopic(topic string) (uint64, bool) {
	rest, ok := strings.CutPrefix(topic, store.ChannelTrades+":")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	return id, err == nil
}
