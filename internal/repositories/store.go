package repositories

import (
	"context"
	"errors"
	"time"

	"chat-core/internal/models"
)

var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrMembershipNotFound   = errors.New("membership not found")
	ErrWebhookNotFound      = errors.New("webhook not found")
	ErrMessageStateConflict = errors.New("message state does not allow this change")
	ErrNotificationConflict = errors.New("notification batch changed since collection")
	ErrChannelExists        = errors.New("channel already exists")
)

// MessageQuery bounds a history page. Zero ids mean unbounded.
type MessageQuery struct {
	BeforeID int64
	AfterID  int64
	Limit    int
}

// MembershipKey orders memberships for batched scans.
type MembershipKey struct {
	ChannelID int64
	UserID    int64
}

// Less reports whether k sorts before o.
func (k MembershipKey) Less(o MembershipKey) bool {
	if k.ChannelID != o.ChannelID {
		return k.ChannelID < o.ChannelID
	}
	return k.UserID < o.UserID
}

// ChannelRepository persists channels and their direct-message participants.
type ChannelRepository interface {
	CreateChannel(ctx context.Context, ch models.Channel) (models.Channel, error)
	GetChannel(ctx context.Context, channelID int64) (models.Channel, error)
	FindDirectMessageChannel(ctx context.Context, participants []int64) (models.Channel, error)
	SetChannelStatus(ctx context.Context, channelID int64, status models.ChannelStatus) (models.Channel, error)
	// DestroyChannel removes the channel, its messages and its memberships and
	// reaps notification records pointing into it.
	DestroyChannel(ctx context.Context, channelID int64) error
	ChannelExists(ctx context.Context, channelID int64) (bool, error)
}

// MessageRepository is the append-only per-channel log.
type MessageRepository interface {
	// AppendMessage assigns the next id of msg.ChannelID atomically and stores the message.
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error)
	EditMessage(ctx context.Context, channelID, messageID int64, body string, at time.Time) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, channelID, messageID int64, at time.Time) (models.Message, error)
	RestoreMessage(ctx context.Context, channelID, messageID int64) (models.Message, error)
	// PurgeMessage hard-removes a message and reaps its notification records.
	PurgeMessage(ctx context.Context, channelID, messageID int64) error
	// ListMessages returns at most q.Limit messages in ascending id order. With only
	// BeforeID (or no bound) the newest matching messages are returned.
	ListMessages(ctx context.Context, channelID int64, q MessageQuery) ([]models.Message, error)
	// LatestMessageID returns the highest surviving id, 0 if the log is empty.
	LatestMessageID(ctx context.Context, channelID int64) (int64, error)
	MessageExists(ctx context.Context, channelID, messageID int64) (bool, error)
	CountMessagesAfter(ctx context.Context, channelID, afterID int64) (int, error)
}

// MembershipRepository tracks follows, preferences and read cursors.
type MembershipRepository interface {
	// UpsertMembership creates the membership or sets following=true on an existing one.
	UpsertMembership(ctx context.Context, m models.Membership) (models.Membership, error)
	GetMembership(ctx context.Context, userID, channelID int64) (models.Membership, error)
	SetFollowing(ctx context.Context, userID, channelID int64, following bool) (models.Membership, error)
	SetNotificationLevels(ctx context.Context, userID, channelID int64, levels models.NotificationLevels) (models.Membership, error)
	// CompareAndSetCursor stores next only if the cursor still equals expected.
	CompareAndSetCursor(ctx context.Context, userID, channelID int64, expected, next *int64) (bool, error)
	// DeleteMembershipIf removes the membership only if its cursor still equals expected.
	DeleteMembershipIf(ctx context.Context, userID, channelID int64, expected *int64) (bool, error)
	// ScanMemberships returns up to limit memberships strictly after key, ordered by key.
	ScanMemberships(ctx context.Context, after MembershipKey, limit int) ([]models.Membership, error)
	ListChannelMemberships(ctx context.Context, channelID int64) ([]models.Membership, error)
}

// NotificationRepository stores mention records for digests.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, error)
	// ListUnprocessed returns a user's unprocessed records ordered by channel, then creation time.
	ListUnprocessed(ctx context.Context, userID int64) ([]models.NotificationRecord, error)
	// MarkProcessed flips every id to processed or none of them.
	MarkProcessed(ctx context.Context, ids []int64, at time.Time) error
	UsersWithUnprocessed(ctx context.Context) ([]int64, error)
}

// WebhookRepository resolves external posting credentials.
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, hook models.Webhook) (models.Webhook, error)
	GetWebhook(ctx context.Context, key string) (models.Webhook, error)
}

// Store is everything the channel core persists.
type Store interface {
	ChannelRepository
	MessageRepository
	MembershipRepository
	NotificationRepository
	WebhookRepository
}

// CursorEqual compares nullable cursors.
func CursorEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
