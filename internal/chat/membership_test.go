package chat_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/chat"
	"chat-core/internal/errs"
	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/pubsub"
)

func TestAdvanceCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	for i := 0; i < 5; i++ {
		f.post(t, alice, "m")
	}

	moved, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 3)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 2)
	require.NoError(t, err)
	assert.False(t, moved, "cursors never move backward")

	moved, err = f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 0)
	require.NoError(t, err)
	assert.False(t, moved)

	_, err = f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 6)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	require.NoError(t, f.svc.Channels.Purge(ctx, f.channel.ID, 5))
	moved, err = f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 5)
	require.NoError(t, err)
	assert.False(t, moved, "purged ids are ignored")

	m, err := f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Cursor())

	_, err = f.svc.Members.AdvanceCursor(ctx, carol, f.channel.ID, 1)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAdvanceCursorPublishesTrackingState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	f.post(t, alice, "a")
	f.post(t, alice, "b")

	_, err := f.svc.MarkRead(ctx, bob, f.channel.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.MarkRead(ctx, bob, f.channel.ID, 1)
	require.NoError(t, err)
	f.svc.Close()

	events := f.bus.OnTopic(pubsub.TrackingStateTopic(bob))
	require.Len(t, events, 1, "only successful advances are published")
	assert.Equal(t, []int64{bob}, events[0].Audience.UserIDs)
	var ev models.ChannelPointerEvent
	require.NoError(t, mocks.Decode(events[0], &ev))
	assert.Equal(t, models.ChannelPointerEvent{ChannelID: f.channel.ID, MessageID: 2}, ev)
}

func TestConcurrentAdvancesConvergeToMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	const n = 40
	for i := 0; i < n; i++ {
		f.post(t, alice, "m")
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= n; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	m, err := f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), m.Cursor())
}

func TestFollowRequiresVisibility(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Follow(context.Background(), carol, f.channel.ID)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	_, err = f.svc.Follow(context.Background(), alice, 404)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestUnfollowKeepsCursorAndLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	f.post(t, alice, "m")
	_, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 1)
	require.NoError(t, err)

	levels := models.NotificationLevels{Desktop: models.NotifyAlways, Mobile: models.NotifyNever, Email: models.NotifyMention}
	_, err = f.svc.Members.SetNotificationLevels(ctx, bob, f.channel.ID, levels)
	require.NoError(t, err)

	m, err := f.svc.Members.Unfollow(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.False(t, m.Following)
	assert.Equal(t, int64(1), m.Cursor())
	assert.Equal(t, levels, m.NotificationLevels)

	m, err = f.svc.Follow(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.True(t, m.Following)
	assert.Equal(t, int64(1), m.Cursor())

	_, err = f.svc.Members.SetNotificationLevels(ctx, bob, f.channel.ID, models.NotificationLevels{Desktop: "loud"})
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	for i := 0; i < 4; i++ {
		f.post(t, alice, "m")
	}

	n, err := f.svc.Members.UnreadCount(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.Channels.SoftDelete(ctx, f.channel.ID, 4)
	require.NoError(t, err)

	n, err = f.svc.Members.UnreadCount(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tombstones are not unread")
}

func TestRepairDeletesMembershipsOfDestroyedChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, alice, bob)
	f.store.OrphanMembership(models.Membership{UserID: bob, ChannelID: 99, Following: true})

	report, err := f.svc.RunMaintenance(ctx, chat.RepairOptions{BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Deleted)
	assert.Zero(t, report.Reset)

	_, err = f.svc.Members.Get(ctx, bob, 99)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
}

func TestRepairResetsDanglingCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, alice, bob)
	for i := 0; i < 4; i++ {
		f.post(t, alice, "m")
	}
	_, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 4)
	require.NoError(t, err)
	_, err = f.svc.Members.AdvanceCursor(ctx, alice, f.channel.ID, 4)
	require.NoError(t, err)
	require.NoError(t, f.svc.Channels.Purge(ctx, f.channel.ID, 4))

	report, err := f.svc.RunMaintenance(ctx, chat.RepairOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reset)
	assert.True(t, report.Changed())

	m, err := f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Cursor())

	again, err := f.svc.RunMaintenance(ctx, chat.RepairOptions{})
	require.NoError(t, err)
	assert.False(t, again.Changed(), "a second pass finds nothing to fix")
	assert.Equal(t, 2, again.Scanned)
}

func TestRepairResetToNull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	f.post(t, alice, "m")
	f.store.CorruptCursor(bob, f.channel.ID, 1000)

	report, err := f.svc.Members.RepairCorruptedCursors(ctx, chat.RepairOptions{Policy: chat.RepairResetToNull, BatchesPerSecond: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)

	m, err := f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Nil(t, m.LastReadMessageID)
}

func TestRepairOnEmptyChannelClearsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, bob)
	f.post(t, alice, "only")
	_, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.svc.Channels.Purge(ctx, f.channel.ID, 1))

	report, err := f.svc.RunMaintenance(ctx, chat.RepairOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)

	m, err := f.svc.Members.Get(ctx, bob, f.channel.ID)
	require.NoError(t, err)
	assert.Nil(t, m.LastReadMessageID)
}
