package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/chat"
	"chat-core/internal/observability"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestDeliverWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	sink := newDigestSink(w, zerolog.Nop())
	digest := chat.Digest{UserID: 9, Channels: []chat.DigestChannel{{ChannelID: 1, Name: "general", Items: []chat.DigestItem{{MessageID: 3}}}}}
	ctx := observability.WithRequestID(context.Background(), "req-1")

	require.NoError(t, sink.Deliver(ctx, digest))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "9", string(w.msgs[0].Key))
	var got chat.Digest
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, 1, got.Count())
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "x-request-id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "req-1", string(w.msgs[0].Headers[0].Value))
}

func TestDeliverReturnsWriteErrors(t *testing.T) {
	sink := newDigestSink(&fakeWriter{err: assert.AnError}, zerolog.Nop())

	err := sink.Deliver(context.Background(), chat.Digest{UserID: 1})
	assert.ErrorIs(t, err, assert.AnError)
}
