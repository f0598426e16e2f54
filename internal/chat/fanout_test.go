package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/chat"
	"chat-core/internal/errs"
	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/pubsub"
)

// gatedPublisher blocks every publish until release is closed or the
// publish context expires.
type gatedPublisher struct {
	release chan struct{}

	mu         sync.Mutex
	delivered  int
	timedOut   int
	requestIDs []string
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{release: make(chan struct{})}
}

func (g *gatedPublisher) Publish(ctx context.Context, _ pubsub.Envelope) error {
	select {
	case <-g.release:
		g.mu.Lock()
		g.delivered++
		g.requestIDs = append(g.requestIDs, observability.RequestIDFromContext(ctx))
		g.mu.Unlock()
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		g.timedOut++
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *gatedPublisher) Name() string { return "gated" }

func (g *gatedPublisher) counts() (delivered, timedOut int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delivered, g.timedOut
}

func newTestFanout(t *testing.T, f *fixture, transport pubsub.Publisher, cfg chat.FanoutConfig) *chat.FanoutPublisher {
	t.Helper()
	fan := chat.NewFanoutPublisher(transport, chat.NewPermissionResolver(f.oracle, f.dir), cfg, zerolog.Nop())
	t.Cleanup(fan.Close)
	return fan
}

func TestExtensionPointsAreNotImplemented(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.post(t, alice, "flag me")

	err := f.svc.Fanout.PublishPresence(ctx, alice, f.channel.ID)
	assert.Equal(t, errs.KindNotImplemented, errs.KindOf(err))

	err = f.svc.Fanout.PublishFlag(ctx, f.channel, msg, bob)
	assert.Equal(t, errs.KindNotImplemented, errs.KindOf(err))
}

func TestFanoutKeepsPerChannelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		_, err := f.svc.Post(ctx, alice, f.channel.ID, "m", nil)
		require.NoError(t, err)
	}
	f.svc.Close()

	envelopes := f.bus.OnTopic(pubsub.ChannelTopic(f.channel.ID))
	require.Len(t, envelopes, n)
	for i, env := range envelopes {
		var ev models.MessageEvent
		require.NoError(t, mocks.Decode(env, &ev))
		assert.Equal(t, int64(i+1), ev.Message.ID)
	}
}

func TestFailingTransportDoesNotFailPost(t *testing.T) {
	failing := &mocks.RecordingPublisher{Fail: assert.AnError}
	f := newFixture(t, withTransport(failing))

	msg, err := f.svc.Post(context.Background(), alice, f.channel.ID, "still stored", nil)
	require.NoError(t, err)
	f.svc.Close()

	stored, err := f.svc.Channels.GetMessage(context.Background(), f.channel.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "still stored", stored.Body)
	assert.NotEmpty(t, failing.Envelopes(), "delivery was attempted")
}

func TestSlowTransportTimesOut(t *testing.T) {
	f := newFixture(t)
	slow := newGatedPublisher()
	fan := newTestFanout(t, f, slow, chat.FanoutConfig{Workers: 1, QueueSize: 8, PublishTimeout: 20 * time.Millisecond})

	fan.PublishUserTrackingState(context.Background(), bob, f.channel.ID, 1)
	fan.PublishUserTrackingState(context.Background(), bob, f.channel.ID, 2)

	done := make(chan struct{})
	go func() {
		fan.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not drain a stalled transport")
	}

	delivered, timedOut := slow.counts()
	assert.Zero(t, delivered)
	assert.Equal(t, 2, timedOut)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	f := newFixture(t)
	gate := newGatedPublisher()
	fan := newTestFanout(t, f, gate, chat.FanoutConfig{Workers: 1, QueueSize: 1, PublishTimeout: time.Minute})

	for i := int64(1); i <= 10; i++ {
		fan.PublishUserTrackingState(context.Background(), bob, f.channel.ID, i)
	}
	close(gate.release)
	fan.Close()

	delivered, _ := gate.counts()
	assert.GreaterOrEqual(t, delivered, 1)
	assert.LessOrEqual(t, delivered, 2, "one event in flight plus one queued")
}

func TestFanoutCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	gate := newGatedPublisher()
	close(gate.release)
	fan := newTestFanout(t, f, gate, chat.FanoutConfig{})

	ctx := observability.WithRequestID(context.Background(), "req-42")
	fan.PublishNewMention(ctx, bob, f.channel.ID, 1)
	fan.Close()

	assert.Equal(t, []string{"req-42"}, gate.requestIDs)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t)
	msg := f.post(t, alice, "late")
	f.svc.Close()
	f.svc.Close()

	f.svc.Fanout.PublishNew(context.Background(), f.channel, msg, nil)
	assert.Empty(t, f.bus.Envelopes())
}

func TestEmptyAudiencePublishesNothing(t *testing.T) {
	f := newFixture(t)
	orphan, err := f.svc.Channels.CreateChannel(context.Background(), chat.ChannelSpec{
		Name:     "nobody",
		Kind:     models.ChannelRestricted,
		Chatable: models.Chatable{Type: models.ChatableTopic, ID: 77},
	})
	require.NoError(t, err)
	msg, err := f.svc.Channels.Append(context.Background(), orphan.ID, alice, "echo", nil)
	require.NoError(t, err)

	f.svc.Fanout.PublishNew(context.Background(), orphan, msg, nil)
	f.svc.Close()
	assert.Empty(t, f.bus.Envelopes())
}
