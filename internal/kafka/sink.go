// Package kafka hands digests to the mailer pipeline through a kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"chat-core/internal/chat"
	"chat-core/internal/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DigestSink writes one message per digest keyed by user id, so all digests
// of a user land on the same partition in order.
type DigestSink struct {
	w   messageWriter
	log zerolog.Logger
}

// NewDigestSink builds a writer for topic. Writers are safe for concurrent use.
func NewDigestSink(brokers []string, topic string, log zerolog.Logger) *DigestSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newDigestSink(w, log.With().Str("component", "kafka_digest").Str("topic", topic).Logger())
}

func newDigestSink(w messageWriter, log zerolog.Logger) *DigestSink {
	return &DigestSink{w: w, log: log}
}

func (s *DigestSink) Deliver(ctx context.Context, digest chat.Digest) error {
	body, err := json.Marshal(digest)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(digest.UserID, 10)),
		Value: body,
	}
	for k, v := range observability.HeadersFromContext(ctx) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		s.log.Error().Err(err).Int64("user_id", digest.UserID).Msg("digest write failed")
		return err
	}
	return nil
}

func (s *DigestSink) Close() error { return s.w.Close() }
