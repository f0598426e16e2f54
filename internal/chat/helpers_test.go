package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-core/internal/authz"
	"chat-core/internal/chat"
	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/repositories/memstore"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
	dave  int64 = 4
)

var category = models.Chatable{Type: models.ChatableCategory, ID: 5}

type fixture struct {
	store   *memstore.Store
	oracle  *authz.CasbinOracle
	dir     *authz.StaticDirectory
	bus     *mocks.RecordingPublisher
	auditor chat.Auditor
	svc     *chat.Service
	channel models.Channel
}

type fixtureOption func(*chat.Options)

func withAuditor(a chat.Auditor) fixtureOption {
	return func(o *chat.Options) { o.Auditor = a }
}

func withSink(s chat.DigestSink) fixtureOption {
	return func(o *chat.Options) { o.DigestSink = s }
}

func withTransport(p *mocks.RecordingPublisher) fixtureOption {
	return func(o *chat.Options) { o.Transport = p }
}

// newFixture builds a service over the memory store with one open category
// channel visible to alice and bob. carol and dave exist but cannot see it.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	oracle, err := authz.NewCasbinOracle("", "", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, oracle.Allow(authz.UserSubject(alice), category, authz.ActionRead))
	require.NoError(t, oracle.Allow(authz.UserSubject(bob), category, authz.ActionRead))

	dir := authz.NewStaticDirectory().
		AddUser(alice, "alice").
		AddUser(bob, "bob").
		AddUser(carol, "carol").
		AddUser(dave, "dave")

	f := &fixture{
		store:  memstore.New(),
		oracle: oracle,
		dir:    dir,
		bus:    &mocks.RecordingPublisher{},
	}
	o := chat.Options{
		Store:     f.store,
		Oracle:    oracle,
		Directory: dir,
		Transport: f.bus,
		Fanout:    chat.FanoutConfig{Workers: 4, QueueSize: 4096, PublishTimeout: time.Second},
		Log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if rec, ok := o.Transport.(*mocks.RecordingPublisher); ok {
		f.bus = rec
	}
	f.auditor = o.Auditor
	f.svc = chat.New(o)
	t.Cleanup(f.svc.Close)

	f.channel, err = f.svc.Channels.CreateChannel(context.Background(), chat.ChannelSpec{
		Name:     "general",
		Kind:     models.ChannelRestricted,
		Chatable: category,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) follow(t *testing.T, users ...int64) {
	t.Helper()
	for _, u := range users {
		_, err := f.svc.Members.Follow(context.Background(), u, f.channel.ID)
		require.NoError(t, err)
	}
}

func (f *fixture) post(t *testing.T, author int64, body string) models.Message {
	t.Helper()
	msg, err := f.svc.Channels.Append(context.Background(), f.channel.ID, author, body, nil)
	require.NoError(t, err)
	return msg
}

func ptr[T any](v T) *T { return &v }
