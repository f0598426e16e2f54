package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"chat-core/internal/pubsub"
)

// RecordingPublisher keeps every envelope it is handed. Fail makes every
// publish return the given error after recording.
type RecordingPublisher struct {
	mu        sync.Mutex
	envelopes []pubsub.Envelope
	Fail      error
}

func (r *RecordingPublisher) Publish(_ context.Context, env pubsub.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return r.Fail
}

func (r *RecordingPublisher) Name() string { return "recorder" }

// Envelopes returns a copy of everything published so far.
func (r *RecordingPublisher) Envelopes() []pubsub.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pubsub.Envelope(nil), r.envelopes...)
}

// OnTopic returns the envelopes published on topic in order.
func (r *RecordingPublisher) OnTopic(topic string) []pubsub.Envelope {
	var out []pubsub.Envelope
	for _, env := range r.Envelopes() {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

// Decode unmarshals an envelope payload into v.
func Decode(env pubsub.Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
