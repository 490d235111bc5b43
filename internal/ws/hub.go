// Package ws streams auction events to browsers over WebSocket, sharded by
// client with a per-topic replay buffer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// TopicPrefix namespaces auction topics.
const TopicPrefix = "auction."

// Topic returns the topic carrying an auction's events.
func Topic(auctionID string) string { return TopicPrefix + auctionID }

// Message is one frame for a topic. Seq is the auction event sequence number.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

// add appends msg unless a frame with the same or a later Seq is already
// held, so a redelivered event is buffered once.
func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > 0 && r.buf[(r.start+r.count-1)%r.size].Seq >= msg.Seq {
		return
	}
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

// Client is one WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub
	quit chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) stop() { c.once.Do(func() { close(c.quit) }) }

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[topic]
	return ok
}

// Config tunes the hub.
type Config struct {
	Shards       int
	ReplaySize   int
	SendBuffer   int
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:       16,
		ReplaySize:   256,
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Hub fans auction events out to subscribed clients. It is a publisher sink.
type Hub struct {
	cfg    Config
	logger *zap.Logger
	shards []*hubShard

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	bufMu   sync.Mutex
	buffers map[string]*ringBuffer

	done chan struct{}

	upgrader websocket.Upgrader
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub; call Run to start it.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 1
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		shards:     make([]*hubShard, cfg.Shards),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		buffers:    make(map[string]*ringBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	return h
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			sh.clients[c] = struct{}{}
			sh.mu.Unlock()
		case c := <-h.unregister:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			delete(sh.clients, c)
			c.stop()
			sh.mu.Unlock()
		case msg := <-h.broadcast:
			for _, sh := range h.shards {
				sh.mu.RLock()
				for c := range sh.clients {
					if !c.subscribed(msg.Topic) {
						continue
					}
					select {
					case c.send <- msg:
					default:
						h.logger.Debug("Dropping frame for slow client", zap.String("client_id", c.id))
					}
				}
				sh.mu.RUnlock()
			}
		}
	}
}

func (h *Hub) closeAll() {
	for _, sh := range h.shards {
		sh.mu.Lock()
		for c := range sh.clients {
			delete(sh.clients, c)
			c.stop()
		}
		sh.mu.Unlock()
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) buffer(topic string) *ringBuffer {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	buf, ok := h.buffers[topic]
	if !ok {
		buf = newRingBuffer(h.cfg.ReplaySize)
		h.buffers[topic] = buf
	}
	return buf
}

func (h *Hub) Name() string { return "websocket" }

// Deliver buffers e for replay and broadcasts it on its auction topic. The
// frame is in the replay buffer once Deliver returns.
func (h *Hub) Deliver(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := Message{Topic: Topic(e.AuctionID), Seq: e.Seq, Data: data}
	h.buffer(msg.Topic).add(msg)
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay returns buffered frames for topic with Seq > since.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	buf, ok := h.buffers[topic]
	h.bufMu.Unlock()
	if !ok {
		return nil
	}
	return buf.since(since)
}

// Forget drops the replay buffer of a finished auction. Call it after the
// auction's last event has been delivered.
func (h *Hub) Forget(auctionID string) {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	delete(h.buffers, Topic(auctionID))
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:   clientID,
		conn: conn,
		send: make(chan Message, h.cfg.SendBuffer),
		hub:  h,
		quit: make(chan struct{}),
		subs: make(map[string]struct{}),
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

// Request is a client control frame:
// {"subscribe":["auction.lot-1"],"since":{"auction.lot-1":12},"unsubscribe":[...]}
type Request struct {
	Subscribe   []string          `json:"subscribe"`
	Unsubscribe []string          `json:"unsubscribe"`
	Since       map[string]uint64 `json:"since"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.apply(req)
	}
}

func (c *Client) apply(req Request) {
	for _, topic := range req.Subscribe {
		if !strings.HasPrefix(topic, TopicPrefix) {
			continue
		}
		c.mu.Lock()
		c.subs[topic] = struct{}{}
		c.mu.Unlock()
		for _, m := range c.hub.Replay(topic, req.Since[topic]) {
			select {
			case c.send <- m:
			default:
			}
		}
	}
	c.mu.Lock()
	for _, topic := range req.Unsubscribe {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
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
