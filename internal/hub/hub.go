// Package hub fans persisted detection events out to websocket clients,
// optionally relaying through Redis so several processes share one feed.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/walker.report/internal/db"
)

const channelPrefix = "walker:detections:"

// Client is one subscriber. Send is closed by Unregister.
type Client struct {
	Topic string
	Send  chan []byte
}

// Hub delivers payloads to the clients of a topic. Slow clients miss
// messages rather than blocking the publisher.
type Hub struct {
	redis *redis.Client
	logf  func(format string, v ...interface{})

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	pubsub *redis.PubSub
	done   chan struct{}
}

// Connect returns a Redis client for addr, or nil when addr is empty.
func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

// New returns a hub. With a Redis client, broadcasts go through Redis and
// every process delivers what it receives from the pattern subscription.
func New(redisClient *redis.Client, logf func(string, ...interface{})) *Hub {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	h := &Hub{
		redis:   redisClient,
		logf:    logf,
		clients: make(map[string]map[*Client]struct{}),
		done:    make(chan struct{}),
	}
	if redisClient == nil {
		close(h.done)
		return h
	}

	ctx := context.Background()
	pubsub := redisClient.PSubscribe(ctx, channelPrefix+"*")
	// Wait for the subscription so nothing published after New is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		logf("[hub] redis subscribe failed, delivering locally: %v", err)
		pubsub.Close()
		h.redis = nil
		close(h.done)
		return h
	}
	h.pubsub = pubsub
	go h.relay(pubsub)
	return h
}

// Topic names the feed for one kind of detection on one walker.
func Topic(kind, userID, walkerID string) string {
	return kind + ":" + userID + ":" + walkerID
}

func (h *Hub) Register(topic string) *Client {
	c := &Client{Topic: topic, Send: make(chan []byte, 64)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.Topic]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.Topic)
	}
	close(c.Send)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[topic] {
		select {
		case c.Send <- payload:
		default:
		}
	}
}

// Broadcast sends payload to every client of topic, in this process and,
// with Redis, in every other process on the same channel.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	r := h.redis
	h.mu.RUnlock()
	if r == nil {
		h.deliver(topic, payload)
		return
	}
	if err := r.Publish(context.Background(), channelPrefix+topic, payload).Err(); err != nil {
		h.logf("[hub] redis publish failed, delivering locally: %v", err)
		h.deliver(topic, payload)
	}
}

// Publish broadcasts a persisted detection event to its topic.
func (h *Hub) Publish(ev db.DetectionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logf("[hub] failed to encode %s: %v", ev.DetectionID, err)
		return
	}
	h.Broadcast(Topic(ev.Kind, ev.UserID, ev.WalkerID), data)
}

func (h *Hub) relay(pubsub *redis.PubSub) {
	defer close(h.done)
	for msg := range pubsub.Channel() {
		topic, ok := strings.CutPrefix(msg.Channel, channelPrefix)
		if !ok {
			continue
		}
		h.deliver(topic, []byte(msg.Payload))
	}
}

// Close stops the Redis relay. Local delivery keeps working.
func (h *Hub) Close() {
	h.mu.Lock()
	ps := h.pubsub
	h.pubsub = nil
	h.redis = nil
	h.mu.Unlock()
	if ps == nil {
		return
	}
	ps.Close()
	<-h.done
}
