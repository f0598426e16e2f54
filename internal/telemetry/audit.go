package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"chat-core/internal/chat"
	"chat-core/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter ships moderation actions to the audit exchange. It
// implements chat.Auditor.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         zerolog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Action    string `json:"action"`
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id,omitempty"`
	AuthorID  int64  `json:"author_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log.With().Str("component", "audit").Logger(),
	}
}

func (e *AuditEmitter) Audit(ctx context.Context, ev chat.AuditEvent) {
	if e == nil || e.publisher == nil {
		return
	}

	requestID := observability.RequestIDFromContext(ctx)
	actor := strconv.FormatInt(ev.ActorID, 10)
	e.log.Info().
		Str("action", ev.Action).
		Str("request_id", requestID).
		Int64("actor_id", ev.ActorID).
		Int64("channel_id", ev.ChannelID).
		Int64("message_id", ev.MessageID).
		Msg("audit emit")
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        &actor,
		Payload: AuditPayload{
			Action:    ev.Action,
			ChannelID: ev.ChannelID,
			MessageID: ev.MessageID,
			AuthorID:  ev.AuthorID,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Error().Err(err).Str("action", ev.Action).Msg("audit publish failed")
	}
}
