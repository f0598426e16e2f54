// Package pubsub defines the transport-neutral envelope the fan-out publisher
// hands to delivery backends (websocket hub, AMQP, redis).
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Topic builders. Channel topics carry lifecycle and unread signals; user
// topics are private to one user.
func ChannelTopic(channelID int64) string {
	return fmt.Sprintf("channel:%d", channelID)
}

func NewMessagesTopic(channelID int64) string {
	return fmt.Sprintf("channel:%d:new-messages", channelID)
}

func TrackingStateTopic(userID int64) string {
	return fmt.Sprintf("user:%d:tracking-state", userID)
}

func NewMentionsTopic(userID int64) string {
	return fmt.Sprintf("user:%d:new-mentions", userID)
}

const NewDirectMessageChannelTopic = "global:new-direct-message-channel"

// RoutingKey converts a topic into an AMQP-safe dotted routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Audience restricts delivery. A subscriber receives an envelope if its user
// id is listed or it belongs to one of the groups.
type Audience struct {
	UserIDs  []int64 `json:"user_ids,omitempty"`
	GroupIDs []int64 `json:"group_ids,omitempty"`
}

// UserAudience addresses a single user.
func UserAudience(userID int64) Audience {
	return Audience{UserIDs: []int64{userID}}
}

// Empty reports whether nobody is addressed.
func (a Audience) Empty() bool {
	return len(a.UserIDs) == 0 && len(a.GroupIDs) == 0
}

// Allows reports whether a subscriber with the given user and groups may receive.
func (a Audience) Allows(userID int64, groups []int64) bool {
	for _, id := range a.UserIDs {
		if id == userID {
			return true
		}
	}
	for _, g := range a.GroupIDs {
		for _, member := range groups {
			if g == member {
				return true
			}
		}
	}
	return false
}

// Normalize sorts and dedupes both id lists.
func (a Audience) Normalize() Audience {
	return Audience{UserIDs: dedupe(a.UserIDs), GroupIDs: dedupe(a.GroupIDs)}
}

func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Envelope is one event addressed to an audience on a topic.
type Envelope struct {
	Topic       string          `json:"topic"`
	Audience    Audience        `json:"audience"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEnvelope serializes payload once for every transport.
func NewEnvelope(topic string, audience Audience, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{Topic: topic, Audience: audience.Normalize(), Payload: body, PublishedAt: time.Now().UTC()}, nil
}

// Publisher delivers envelopes to currently connected subscribers.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Name() string
}

// Multi publishes to every backend and joins their failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, p := range m {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}
