package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// TrackingPublisher receives successful cursor advances.
type TrackingPublisher interface {
	PublishUserTrackingState(ctx context.Context, userID, channelID, messageID int64)
}

// MembershipRegistry tracks follows, notification preferences and read cursors.
type MembershipRegistry struct {
	store       repositories.Store
	permissions *PermissionResolver
	tracking    TrackingPublisher
	log         zerolog.Logger
	now         func() time.Time
}

func NewMembershipRegistry(store repositories.Store, permissions *PermissionResolver, tracking TrackingPublisher, log zerolog.Logger) *MembershipRegistry {
	return &MembershipRegistry{
		store:       store,
		permissions: permissions,
		tracking:    tracking,
		log:         log.With().Str("component", "membership").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Follow creates the membership or reactivates an unfollowed one. Users
// outside the channel's audience are refused.
func (r *MembershipRegistry) Follow(ctx context.Context, userID, channelID int64) (models.Membership, error) {
	const op = "membership.Follow"
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return models.Membership{}, classify(op, err)
	}
	ok, err := r.permissions.CanSee(ctx, ch, userID)
	if err != nil {
		return models.Membership{}, err
	}
	if !ok {
		return models.Membership{}, errs.Forbidden(op, "user %d cannot see channel %d", userID, channelID)
	}
	m, err := r.store.UpsertMembership(ctx, models.Membership{
		UserID:             userID,
		ChannelID:          channelID,
		Following:          true,
		NotificationLevels: models.DefaultNotificationLevels(),
		UpdatedAt:          r.now(),
	})
	return m, classify(op, err)
}

// Unfollow stops following; the cursor and preferences are kept.
func (r *MembershipRegistry) Unfollow(ctx context.Context, userID, channelID int64) (models.Membership, error) {
	m, err := r.store.SetFollowing(ctx, userID, channelID, false)
	return m, classify("membership.Unfollow", err)
}

// SetNotificationLevels stores per-surface preferences.
func (r *MembershipRegistry) SetNotificationLevels(ctx context.Context, userID, channelID int64, levels models.NotificationLevels) (models.Membership, error) {
	const op = "membership.SetNotificationLevels"
	for _, l := range []models.NotificationLevel{levels.Desktop, levels.Mobile, levels.Email} {
		if !l.Valid() {
			return models.Membership{}, errs.InvalidState(op, "unknown notification level %q", l)
		}
	}
	m, err := r.store.SetNotificationLevels(ctx, userID, channelID, levels)
	return m, classify(op, err)
}

// Get returns one membership.
func (r *MembershipRegistry) Get(ctx context.Context, userID, channelID int64) (models.Membership, error) {
	m, err := r.store.GetMembership(ctx, userID, channelID)
	return m, classify("membership.Get", err)
}

// AdvanceCursor moves the read cursor forward to messageID. Backward, stale
// or purged ids are ignored; an id never assigned in the channel is rejected.
// Concurrent advances converge on the largest id.
func (r *MembershipRegistry) AdvanceCursor(ctx context.Context, userID, channelID, messageID int64) (bool, error) {
	const op = "membership.AdvanceCursor"
	m, err := r.store.GetMembership(ctx, userID, channelID)
	if err != nil {
		return false, classify(op, err)
	}
	if messageID <= 0 {
		return false, nil
	}
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return false, classify(op, err)
	}
	if messageID > ch.LastMessageID {
		return false, errs.InvalidState(op, "message %d is past the newest message %d", messageID, ch.LastMessageID)
	}

	for {
		if cur := m.LastReadMessageID; cur != nil && *cur >= messageID {
			return false, nil
		}
		exists, err := r.store.MessageExists(ctx, channelID, messageID)
		if err != nil {
			return false, classify(op, err)
		}
		if !exists {
			return false, nil
		}
		next := messageID
		swapped, err := r.store.CompareAndSetCursor(ctx, userID, channelID, m.LastReadMessageID, &next)
		if err != nil {
			return false, classify(op, err)
		}
		if swapped {
			r.tracking.PublishUserTrackingState(ctx, userID, channelID, messageID)
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		m, err = r.store.GetMembership(ctx, userID, channelID)
		if err != nil {
			return false, classify(op, err)
		}
	}
}

// UnreadCount counts live messages after the user's cursor.
func (r *MembershipRegistry) UnreadCount(ctx context.Context, userID, channelID int64) (int, error) {
	const op = "membership.UnreadCount"
	m, err := r.store.GetMembership(ctx, userID, channelID)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := r.store.CountMessagesAfter(ctx, channelID, m.Cursor())
	return n, classify(op, err)
}

// ListChannelMembers returns every membership of a channel.
func (r *MembershipRegistry) ListChannelMembers(ctx context.Context, channelID int64) ([]models.Membership, error) {
	ms, err := r.store.ListChannelMemberships(ctx, channelID)
	if err != nil && !errors.Is(err, repositories.ErrChannelNotFound) {
		return nil, classify("membership.ListChannelMembers", err)
	}
	return ms, nil
}
