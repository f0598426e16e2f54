package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chat-core/internal/errs"
	"chat-core/internal/observability"
	"chat-core/internal/pubsub"
)

// HubConfig sizes per-subscriber buffering.
type HubConfig struct {
	// SendBuffer is the number of frames queued per subscriber before it is
	// treated as a slow consumer and disconnected.
	SendBuffer int
	// SendRate caps frames per second written to a subscriber; zero means
	// unlimited. Frames over the rate wait in the send buffer.
	SendRate float64
}

// GroupResolver lists the groups a user belongs to.
type GroupResolver interface {
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
}

// Frame is what subscribers receive.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Client is one connected subscriber.
type Client struct {
	info    ConnInfo
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	topics  map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the connection id.
func (c *Client) ID() string { return c.info.ConnID }

// Messages exposes the outbound queue; the write pump drains it.
func (c *Client) Messages() <-chan []byte { return c.send }

// Done is closed once the hub dropped the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub keeps the connected subscribers and their topic subscriptions. It is
// the websocket fan-out transport.
type Hub struct {
	cfg    HubConfig
	groups GroupResolver
	log    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	topics  map[string]map[string]*Client
}

// NewHub creates an empty hub. Group-addressed envelopes are matched
// against groups resolved at publish time; a nil resolver matches users only.
func NewHub(cfg HubConfig, groups GroupResolver, log zerolog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		cfg:     cfg,
		groups:  groups,
		log:     log.With().Str("component", "ws_hub").Logger(),
		clients: make(map[string]*Client),
		topics:  make(map[string]map[string]*Client),
	}
}

func (h *Hub) Name() string { return "ws" }

// Register adds a subscriber. conn may be nil when the caller drains
// Messages itself.
func (h *Hub) Register(info ConnInfo, conn *websocket.Conn) *Client {
	limit := rate.Inf
	if h.cfg.SendRate > 0 {
		limit = rate.Limit(h.cfg.SendRate)
	}
	burst := h.cfg.SendBuffer
	c := &Client{
		info:    info,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		topics:  make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[info.ConnID] = c
	h.mu.Unlock()
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	return c
}

// Subscribe adds topic to the client's subscriptions.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.info.ConnID]; !ok {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Client)
		h.topics[topic] = subs
	}
	subs[c.info.ConnID] = c
	c.topics[topic] = struct{}{}
}

// Unsubscribe removes topic from the client's subscriptions.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c.info.ConnID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// Remove drops the client and all of its subscriptions.
func (h *Hub) Remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c.info.ConnID]
	if ok {
		delete(h.clients, c.info.ConnID)
		for topic := range c.topics {
			h.unsubscribeLocked(c, topic)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.closeOnce.Do(func() { close(c.done) })
	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	h.log.Debug().
		Str("conn_id", c.info.ConnID).
		Int64("user_id", c.info.UserID).
		Str("reason", reason).
		Msg("subscriber removed")
}

// Subscribers counts the clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish queues env for every subscriber of its topic that the audience
// admits. Subscribers whose buffer is full, or whose groups cannot be
// resolved, are disconnected so they resync from history on reconnect; the
// publish is then reported as degraded.
func (h *Hub) Publish(ctx context.Context, env pubsub.Envelope) error {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.topics[env.Topic]))
	for _, c := range h.topics[env.Topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	var unresolved int
	targets := subs[:0]
	groupsOf := make(map[int64][]int64)
	for _, c := range subs {
		ok, err := h.admits(ctx, env.Audience, c.info.UserID, groupsOf)
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", c.info.UserID).Str("topic", env.Topic).Msg("resolve groups failed")
			unresolved++
			h.Remove(c, "audience check failed")
			continue
		}
		if ok {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 && unresolved == 0 {
		return nil
	}

	frame, err := json.Marshal(Frame{Topic: env.Topic, Payload: env.Payload})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	var slow int
	for _, c := range targets {
		select {
		case c.send <- frame:
		case <-c.done:
		default:
			slow++
			h.Remove(c, "slow consumer")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if slow > 0 || unresolved > 0 {
		return errs.E(errs.KindDeliveryDegraded, "ws.Publish", "%d slow and %d unresolved of %d subscribers on %s",
			slow, unresolved, len(targets)+unresolved, env.Topic)
	}
	return nil
}

// admits checks the audience against the user's current groups. groupsOf
// caches lookups for the duration of one publish.
func (h *Hub) admits(ctx context.Context, a pubsub.Audience, userID int64, groupsOf map[int64][]int64) (bool, error) {
	if a.Allows(userID, nil) {
		return true, nil
	}
	if len(a.GroupIDs) == 0 || h.groups == nil {
		return false, nil
	}
	groups, ok := groupsOf[userID]
	if !ok {
		var err error
		if groups, err = h.groups.GroupsOf(ctx, userID); err != nil {
			return false, err
		}
		groupsOf[userID] = groups
	}
	return a.Allows(userID, groups), nil
}

// pace blocks until the client's send rate admits one more frame. It
// returns false when the client is dropped while waiting.
func (c *Client) pace() bool {
	r := c.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		r.Cancel()
		return false
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.Remove(c, "shutdown")
	}
}
