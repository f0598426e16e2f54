package repositories

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/db"
	"chat-core/internal/models"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.Connect(db.Config{
		Driver:  db.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "chat.db"),
		Migrate: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLStore(conn)
}

func createChannel(t *testing.T, s *SQLStore) models.Channel {
	t.Helper()
	ch, err := s.CreateChannel(context.Background(), models.Channel{
		Name:      "general",
		Kind:      models.ChannelPublic,
		Status:    models.ChannelOpen,
		Chatable:  models.Chatable{Type: models.ChatableCategory, ID: 5},
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return ch
}

func appendN(t *testing.T, s *SQLStore, channelID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.AppendMessage(context.Background(), models.Message{ChannelID: channelID, AuthorID: 1, Body: "m", CreatedAt: time.Now().UTC()})
		require.NoError(t, err)
	}
}

func TestSQLStoreAppendAssignsSequentialIDs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	a := createChannel(t, s)
	b := createChannel(t, s)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := s.AppendMessage(ctx, models.Message{ChannelID: a.ID, AuthorID: 1, Body: "x", CreatedAt: time.Now().UTC()})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	appendN(t, s, b.ID, 2)

	latest, err := s.LatestMessageID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), latest)
	latest, err = s.LatestMessageID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	_, err = s.AppendMessage(ctx, models.Message{ChannelID: 999, Body: "x", CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestSQLStoreMessageLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	ch := createChannel(t, s)
	appendN(t, s, ch.ID, 3)
	now := time.Now().UTC()

	edited, err := s.EditMessage(ctx, ch.ID, 1, "fixed", now)
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Body)
	require.NotNil(t, edited.EditedAt)

	deleted, err := s.SoftDeleteMessage(ctx, ch.ID, 1, now)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())

	_, err = s.SoftDeleteMessage(ctx, ch.ID, 1, now)
	assert.ErrorIs(t, err, ErrMessageStateConflict)
	_, err = s.EditMessage(ctx, ch.ID, 1, "again", now)
	assert.ErrorIs(t, err, ErrMessageStateConflict)

	count, err := s.CountMessagesAfter(ctx, ch.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	restored, err := s.RestoreMessage(ctx, ch.ID, 1)
	require.NoError(t, err)
	assert.False(t, restored.Deleted())

	require.NoError(t, s.PurgeMessage(ctx, ch.ID, 3))
	assert.ErrorIs(t, s.PurgeMessage(ctx, ch.ID, 3), ErrMessageNotFound)
	_, err = s.GetMessage(ctx, ch.ID, 3)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	latest, err := s.LatestMessageID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	next, err := s.AppendMessage(ctx, models.Message{ChannelID: ch.ID, Body: "after purge", CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.ID)
}

func TestSQLStoreListMessagesPages(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	ch := createChannel(t, s)
	appendN(t, s, ch.ID, 7)

	ids := func(msgs []models.Message) []int64 {
		out := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	page, err := s.ListMessages(ctx, ch.ID, MessageQuery{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, ids(page))

	page, err = s.ListMessages(ctx, ch.ID, MessageQuery{BeforeID: 5, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, ids(page))

	page, err = s.ListMessages(ctx, ch.ID, MessageQuery{AfterID: 2, BeforeID: 6, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, ids(page))
}

func TestSQLStoreCursorCompareAndSet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	ch := createChannel(t, s)
	appendN(t, s, ch.ID, 3)

	m, err := s.UpsertMembership(ctx, models.Membership{
		UserID:             7,
		ChannelID:          ch.ID,
		Following:          true,
		NotificationLevels: models.DefaultNotificationLevels(),
		UpdatedAt:          time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Nil(t, m.LastReadMessageID)

	two, three := int64(2), int64(3)
	ok, err := s.CompareAndSetCursor(ctx, 7, ch.ID, nil, &two)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetCursor(ctx, 7, ch.ID, nil, &three)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err = s.SetFollowing(ctx, 7, ch.ID, false)
	require.NoError(t, err)
	assert.False(t, m.Following)
	require.NotNil(t, m.LastReadMessageID)
	assert.Equal(t, int64(2), *m.LastReadMessageID)

	m, err = s.UpsertMembership(ctx, models.Membership{UserID: 7, ChannelID: ch.ID, Following: true, NotificationLevels: models.DefaultNotificationLevels(), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.True(t, m.Following)
	assert.Equal(t, int64(2), m.Cursor())

	deleted, err := s.DeleteMembershipIf(ctx, 7, ch.ID, &three)
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = s.DeleteMembershipIf(ctx, 7, ch.ID, &two)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetMembership(ctx, 7, ch.ID)
	assert.ErrorIs(t, err, ErrMembershipNotFound)
}

func TestSQLStoreScanMembershipsInKeyOrder(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	a := createChannel(t, s)
	b := createChannel(t, s)
	for _, key := range []MembershipKey{{b.ID, 1}, {a.ID, 2}, {a.ID, 1}} {
		_, err := s.UpsertMembership(ctx, models.Membership{UserID: key.UserID, ChannelID: key.ChannelID, Following: true, NotificationLevels: models.DefaultNotificationLevels(), UpdatedAt: time.Now().UTC()})
		require.NoError(t, err)
	}

	first, err := s.ScanMemberships(ctx, MembershipKey{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, MembershipKey{a.ID, 1}, MembershipKey{first[0].ChannelID, first[0].UserID})
	assert.Equal(t, MembershipKey{a.ID, 2}, MembershipKey{first[1].ChannelID, first[1].UserID})

	rest, err := s.ScanMemberships(ctx, MembershipKey{a.ID, 2}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, b.ID, rest[0].ChannelID)
}

func TestSQLStoreNotificationsAllOrNothing(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	ch := createChannel(t, s)
	appendN(t, s, ch.ID, 2)

	var ids []int64
	for _, msgID := range []int64{1, 2} {
		rec, err := s.CreateNotification(ctx, models.NotificationRecord{UserID: 9, ChannelID: ch.ID, MessageID: msgID, CreatedAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.Equal(t, models.NotificationUnprocessed, rec.Status)
		ids = append(ids, rec.ID)
	}

	users, err := s.UsersWithUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, users)

	err = s.MarkProcessed(ctx, append(ids, 9999), time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotificationConflict)
	pending, err := s.ListUnprocessed(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, s.PurgeMessage(ctx, ch.ID, 2))
	pending, err = s.ListUnprocessed(ctx, 9)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkProcessed(ctx, []int64{pending[0].ID}, time.Now().UTC()))
	pending, err = s.ListUnprocessed(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLStoreDirectMessagesAndDestroy(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	dm, err := s.CreateChannel(ctx, models.Channel{
		Kind:         models.ChannelDirectMessage,
		Status:       models.ChannelOpen,
		Chatable:     models.Chatable{Type: models.ChatableDirectMessage},
		Participants: []int64{3, 1},
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	found, err := s.FindDirectMessageChannel(ctx, []int64{1, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, dm.ID, found.ID)
	assert.Equal(t, []int64{1, 3}, found.Participants)

	appendN(t, s, dm.ID, 1)
	_, err = s.CreateWebhook(ctx, models.Webhook{Key: "k", ChannelID: dm.ID, Name: "bot"})
	require.NoError(t, err)
	hook, err := s.GetWebhook(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, dm.ID, hook.ChannelID)

	require.NoError(t, s.DestroyChannel(ctx, dm.ID))
	assert.ErrorIs(t, s.DestroyChannel(ctx, dm.ID), ErrChannelNotFound)

	exists, err := s.ChannelExists(ctx, dm.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = s.GetWebhook(ctx, "k")
	assert.ErrorIs(t, err, ErrWebhookNotFound)
	_, err = s.FindDirectMessageChannel(ctx, []int64{1, 3})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestDirectMessageKey(t *testing.T) {
	assert.Equal(t, "1,3,8", DirectMessageKey([]int64{8, 1, 3, 1}))
}
