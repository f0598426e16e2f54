package chat_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/chat"
	"chat-core/internal/errs"
	"chat-core/internal/models"
)

func TestAppendAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t)

	for want := int64(1); want <= 3; want++ {
		msg := f.post(t, alice, "hi")
		assert.Equal(t, want, msg.ID)
		assert.Equal(t, f.channel.ID, msg.ChannelID)
	}
}

func TestConcurrentAppendsGetUniqueIncreasingIDs(t *testing.T) {
	f := newFixture(t)
	other, err := f.svc.Channels.CreateChannel(context.Background(), chat.ChannelSpec{Kind: models.ChannelPublic, Chatable: category})
	require.NoError(t, err)

	const writers, perWriter = 16, 25
	var (
		mu  sync.Mutex
		ids = map[int64][]int64{}
		wg  sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			channelID := f.channel.ID
			if w%2 == 1 {
				channelID = other.ID
			}
			var last int64
			for i := 0; i < perWriter; i++ {
				msg, err := f.svc.Channels.Append(context.Background(), channelID, alice, "x", nil)
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, msg.ID, last, "ids observed by one writer must increase")
				last = msg.ID
				mu.Lock()
				ids[channelID] = append(ids[channelID], msg.ID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for channelID, got := range ids {
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, writers/2*perWriter, "channel %d", channelID)
		for i, id := range got {
			assert.Equal(t, int64(i+1), id, "channel %d ids must be gapless and unique", channelID)
		}
	}
}

func TestAppendErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Channels.Append(ctx, 999, alice, "hi", nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.Channels.Append(ctx, f.channel.ID, alice, "   ", nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = f.svc.Channels.Append(ctx, f.channel.ID, alice, "hi", ptr(strings.Repeat("s", chat.MaxStagedIDLength+1)))
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = f.svc.Channels.SetStatus(ctx, f.channel.ID, models.ChannelClosed)
	require.NoError(t, err)
	_, err = f.svc.Channels.Append(ctx, f.channel.ID, alice, "hi", nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestMessageLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.post(t, alice, "first")

	edited, err := f.svc.Channels.Edit(ctx, f.channel.ID, msg.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", edited.Body)
	assert.Equal(t, msg.ID, edited.ID)
	require.NotNil(t, edited.EditedAt)

	deleted, err := f.svc.Channels.SoftDelete(ctx, f.channel.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())
	assert.Equal(t, msg.ID, deleted.ID)

	_, err = f.svc.Channels.Edit(ctx, f.channel.ID, msg.ID, "third")
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	_, err = f.svc.Channels.SoftDelete(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	restored, err := f.svc.Channels.Restore(ctx, f.channel.ID, msg.ID)
	require.NoError(t, err)
	assert.False(t, restored.Deleted())
	_, err = f.svc.Channels.Restore(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	require.NoError(t, f.svc.Channels.Purge(ctx, f.channel.ID, msg.ID))
	_, err = f.svc.Channels.Edit(ctx, f.channel.ID, msg.ID, "gone")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.Channels.SoftDelete(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.Channels.Restore(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	next := f.post(t, alice, "after purge")
	assert.Equal(t, msg.ID+1, next.ID, "purged ids are never reused")
}

func TestChannelStatusGatesEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.post(t, alice, "hello")

	_, err := f.svc.Channels.SetStatus(ctx, f.channel.ID, models.ChannelClosed)
	require.NoError(t, err)
	_, err = f.svc.Channels.Edit(ctx, f.channel.ID, msg.ID, "edit")
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	_, err = f.svc.Channels.SoftDelete(ctx, f.channel.ID, msg.ID)
	require.NoError(t, err, "closed channels can still be moderated")

	_, err = f.svc.Channels.SetStatus(ctx, f.channel.ID, models.ChannelArchived)
	require.NoError(t, err)
	_, err = f.svc.Channels.Restore(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func pageIDs(page []models.Message) []int64 {
	ids := make([]int64, 0, len(page))
	for _, m := range page {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestHistoryBackward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		f.post(t, alice, "m")
	}

	it, err := f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{PageSize: 3})
	require.NoError(t, err)

	var pages [][]int64
	for {
		page, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		pages = append(pages, pageIDs(page))
	}
	assert.Equal(t, [][]int64{{5, 6, 7}, {2, 3, 4}, {1}}, pages)

	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted iterators stay exhausted")

	it.Reset()
	page, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{5, 6, 7}, pageIDs(page))
}

func TestHistoryForwardAndBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		f.post(t, alice, "m")
	}

	it, err := f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{AfterID: 2, PageSize: 2})
	require.NoError(t, err)
	all, err := it.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, pageIDs(all))

	it, err = f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{AfterID: 2, BeforeID: 6, PageSize: 50})
	require.NoError(t, err)
	all, err = it.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, pageIDs(all))

	it, err = f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{BeforeID: 4, PageSize: 50})
	require.NoError(t, err)
	all, err = it.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, pageIDs(all))
}

func TestHistoryIncludesTombstonesAndClampsPageSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.post(t, alice, "m")
	}
	_, err := f.svc.Channels.SoftDelete(ctx, f.channel.ID, 2)
	require.NoError(t, err)

	it, err := f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{PageSize: 10_000})
	require.NoError(t, err)
	assert.Equal(t, chat.MaxPageSize, it.PageSize())

	all, err := it.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[1].Deleted())

	it, err = f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, chat.MaxPageSize, it.PageSize(), "unspecified size reads full pages")
	page, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, page, 3)

	it, err = f.svc.Channels.History(ctx, f.channel.ID, chat.HistoryQuery{PageSize: -4})
	require.NoError(t, err)
	assert.Equal(t, 1, it.PageSize())

	_, err = f.svc.Channels.History(ctx, 999, chat.HistoryQuery{})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCreateDirectMessageChannelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, created, err := f.svc.Channels.CreateDirectMessageChannel(ctx, []int64{bob, alice, bob})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []int64{alice, bob}, ch.Participants)
	assert.Equal(t, models.ChatableDirectMessage, ch.Chatable.Type)

	again, created, err := f.svc.Channels.CreateDirectMessageChannel(ctx, []int64{alice, bob})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ch.ID, again.ID)

	_, err = f.svc.Channels.CreateChannel(ctx, chat.ChannelSpec{Kind: models.ChannelDirectMessage})
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestDestroyChannelCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, alice, bob)
	msg := f.post(t, alice, "bye")
	_, err := f.svc.Members.AdvanceCursor(ctx, bob, f.channel.ID, msg.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Channels.DestroyChannel(ctx, f.channel.ID))

	_, err = f.svc.Channels.GetChannel(ctx, f.channel.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.Channels.GetMessage(ctx, f.channel.ID, msg.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.Members.Get(ctx, bob, f.channel.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Equal(t, errs.KindNotFound, errs.KindOf(f.svc.Channels.DestroyChannel(ctx, f.channel.ID)))
}
