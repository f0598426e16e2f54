// Package redisbus publishes fan-out envelopes on redis pub/sub so that
// other processes (edge gateways, other chat-core replicas) can relay them to
// their own websocket subscribers.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chat-core/internal/pubsub"
)

// Publisher sends every envelope to the redis channel "<prefix>:<topic>".
type Publisher struct {
	cli    *redis.Client
	prefix string
	log    zerolog.Logger
}

// New parses url and builds the client. The connection is established lazily.
func New(url, prefix string, log zerolog.Logger) (*Publisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), prefix, log), nil
}

func NewWithClient(cli *redis.Client, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{cli: cli, prefix: prefix, log: log.With().Str("component", "redisbus").Logger()}
}

// Channel returns the redis channel for topic.
func (p *Publisher) Channel(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

func (p *Publisher) Publish(ctx context.Context, env pubsub.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	receivers, err := p.cli.Publish(ctx, p.Channel(env.Topic), body).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", env.Topic, err)
	}
	p.log.Debug().Str("topic", env.Topic).Int64("receivers", receivers).Msg("published")
	return nil
}

func (p *Publisher) Name() string { return "redis" }

// Ping checks connectivity; used at startup and by the health check.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.cli.Ping(ctx).Err()
}

func (p *Publisher) Close() error { return p.cli.Close() }
