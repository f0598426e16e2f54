package chat_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/chat"
	"chat-core/internal/errs"
	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/pubsub"
)

func sentEvent(id int64, body string, stagedID *string) models.MessageEvent {
	return models.MessageEvent{Type: models.EventSent, Message: &models.Message{ID: id, Body: body}, StagedID: stagedID}
}

func TestReconcilerReplacesPlaceholder(t *testing.T) {
	r := chat.NewReconciler()
	r.Track("tmp-1", models.Message{ID: 99, Body: "hello"})
	assert.Equal(t, 1, r.Pending())

	msg, replaced := r.Apply(sentEvent(7, "hello", ptr("tmp-1")))
	assert.True(t, replaced)
	assert.Equal(t, int64(7), msg.ID)
	assert.Zero(t, r.Pending())

	timeline := r.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, int64(7), timeline[0].ID)
}

func TestReconcilerDropsDuplicates(t *testing.T) {
	r := chat.NewReconciler()
	r.Track("tmp-1", models.Message{Body: "hello"})

	_, replaced := r.Apply(sentEvent(7, "hello", ptr("tmp-1")))
	require.True(t, replaced)
	_, replaced = r.Apply(sentEvent(7, "hello", ptr("tmp-1")))
	assert.False(t, replaced)
	_, replaced = r.Apply(sentEvent(7, "hello", nil))
	assert.False(t, replaced)

	assert.Len(t, r.Timeline(), 1)
}

func TestReconcilerDropsPlaceholderOfAlreadyDeliveredMessage(t *testing.T) {
	r := chat.NewReconciler()
	r.Track("tmp-1", models.Message{Body: "hello"})
	r.Track("tmp-2", models.Message{Body: "again"})

	r.Apply(sentEvent(7, "hello", nil))
	_, replaced := r.Apply(sentEvent(7, "hello", ptr("tmp-1")))
	assert.False(t, replaced)
	assert.Equal(t, 1, r.Pending())

	_, replaced = r.Apply(sentEvent(8, "again", ptr("tmp-2")))
	require.True(t, replaced)

	timeline := r.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, int64(8), timeline[0].ID)
	assert.Equal(t, int64(7), timeline[1].ID)
	for _, m := range timeline {
		assert.NotZero(t, m.ID, "no placeholder left behind")
	}

	edited := models.Message{ID: 7, Body: "hello, edited"}
	r.Apply(models.MessageEvent{Type: models.EventEdit, Message: &edited})
	assert.Equal(t, "hello, edited", r.Timeline()[1].Body)
}

func TestReconcilerAppendsForeignMessagesAndAppliesLifecycle(t *testing.T) {
	r := chat.NewReconciler()
	r.Track("mine", models.Message{Body: "mine"})

	r.Apply(sentEvent(3, "theirs", ptr("someone-else")))
	r.Apply(sentEvent(4, "mine", ptr("mine")))

	edited := models.Message{ID: 3, Body: "theirs, edited"}
	r.Apply(models.MessageEvent{Type: models.EventEdit, Message: &edited})
	r.Apply(models.MessageEvent{Type: models.EventDelete, Message: &models.Message{ID: 404}})

	timeline := r.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, int64(4), timeline[0].ID, "placeholder keeps its slot")
	assert.Equal(t, "theirs, edited", timeline[1].Body)
}

func TestStagedIDRoundTripsUnmodified(t *testing.T) {
	f := newFixture(t)
	token := "  Ünïcode token / with spaces  "

	_, err := f.svc.Post(context.Background(), alice, f.channel.ID, "hi", &token)
	require.NoError(t, err)
	f.svc.Close()

	sent := f.bus.OnTopic(pubsub.ChannelTopic(f.channel.ID))
	require.Len(t, sent, 1)
	var ev models.MessageEvent
	require.NoError(t, mocks.Decode(sent[0], &ev))
	require.NotNil(t, ev.StagedID)
	assert.Equal(t, token, *ev.StagedID)
}

func TestValidateStagedID(t *testing.T) {
	assert.NoError(t, chat.ValidateStagedID("op", nil))
	assert.NoError(t, chat.ValidateStagedID("op", ptr(strings.Repeat("a", chat.MaxStagedIDLength))))

	err := chat.ValidateStagedID("op", ptr(strings.Repeat("a", chat.MaxStagedIDLength+1)))
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}
