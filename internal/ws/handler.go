package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chat-core/internal/observability"
	"chat-core/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxControlSize = 4096
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// control is a client request to change subscriptions.
type control struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Handler upgrades authenticated requests and attaches them to the hub.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler constructs a Handler. An empty origin list accepts any origin.
func NewHandler(hub *Hub, auth Authenticator, allowedOrigins []string, log zerolog.Logger) *Handler {
	h := &Handler{
		hub:  hub,
		auth: auth,
		log:  log.With().Str("component", "ws_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Handle upgrades the connection, subscribes the topics listed in the
// "topics" query parameter and starts the pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-core/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}
	userID, err := h.validateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	var topics []string
	for _, t := range strings.Split(c.Query("topics"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !allowedTopic(t, userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "topic not allowed", "topic": t})
			return
		}
		topics = append(topics, t)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.hub.Register(info, conn)
	for _, t := range topics {
		h.hub.Subscribe(client, t)
	}
	h.log.Info().
		Str("conn_id", info.ConnID).
		Int64("user_id", userID).
		Str("device_id", info.DeviceID).
		Str("ip", info.IP).
		Strs("topics", topics).
		Msg("ws connected")

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Handler) validateToken(ctx context.Context, header string) (int64, error) {
	parts := strings.Split(header, " ")
	if len(parts) == 2 {
		return h.auth.ValidateToken(ctx, parts[1])
	}
	return 0, errors.New("invalid token")
}

func (h *Handler) readPump(c *Client) {
	reason := "closed"
	defer func() { h.hub.Remove(c, reason) }()

	c.conn.SetReadLimit(maxControlSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg control
		if err := c.conn.ReadJSON(&msg); err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.log.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("ws read failed")
			}
			return
		}
		if !allowedTopic(msg.Topic, c.info.UserID) {
			h.log.Warn().Str("conn_id", c.info.ConnID).Str("topic", msg.Topic).Msg("subscription refused")
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.hub.Subscribe(c, msg.Topic)
		case "unsubscribe":
			h.hub.Unsubscribe(c, msg.Topic)
		}
	}
}

func (h *Handler) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.log.Info().
			Str("conn_id", c.info.ConnID).
			Int64("user_id", c.info.UserID).
			Int64("duration_ms", time.Since(c.info.ConnectedAt).Milliseconds()).
			Msg("ws disconnected")
	}()
	for {
		select {
		case frame := <-c.send:
			if !c.pace() {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				observability.IncWSEvent("ws_error")
				h.hub.Remove(c, err.Error())
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Remove(c, err.Error())
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// allowedTopic reports whether userID may subscribe to topic. Channel
// topics are open because every frame is filtered by its audience; user
// topics are private.
func allowedTopic(topic string, userID int64) bool {
	if topic == pubsub.NewDirectMessageChannelTopic {
		return true
	}
	parts := strings.Split(topic, ":")
	switch {
	case len(parts) >= 2 && parts[0] == "channel":
		if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
			return false
		}
		return len(parts) == 2 || (len(parts) == 3 && parts[2] == "new-messages")
	case len(parts) == 3 && parts[0] == "user":
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id != userID {
			return false
		}
		return parts[2] == "tracking-state" || parts[2] == "new-mentions"
	}
	return false
}
