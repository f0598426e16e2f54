package models

import "time"

// NotificationLevel is a per-surface notification preference.
type NotificationLevel string

const (
	NotifyAlways  NotificationLevel = "always"
	NotifyMention NotificationLevel = "mention"
	NotifyNever   NotificationLevel = "never"
)

// Valid reports whether l is a known level.
func (l NotificationLevel) Valid() bool {
	switch l {
	case NotifyAlways, NotifyMention, NotifyNever:
		return true
	}
	return false
}

// NotificationLevels groups the per-surface preferences of a membership.
type NotificationLevels struct {
	Desktop NotificationLevel `db:"desktop_level" json:"desktop"`
	Mobile  NotificationLevel `db:"mobile_level" json:"mobile"`
	Email   NotificationLevel `db:"email_level" json:"email"`
}

// DefaultNotificationLevels applies to memberships created by Follow.
func DefaultNotificationLevels() NotificationLevels {
	return NotificationLevels{Desktop: NotifyMention, Mobile: NotifyMention, Email: NotifyMention}
}

// Muted reports whether every surface is silenced.
func (n NotificationLevels) Muted() bool {
	return n.Desktop == NotifyNever && n.Mobile == NotifyNever && n.Email == NotifyNever
}

// Membership is a user's relation to a channel including the read cursor.
type Membership struct {
	UserID            int64  `db:"user_id" json:"user_id"`
	ChannelID         int64  `db:"channel_id" json:"channel_id"`
	Following         bool   `db:"following" json:"following"`
	LastReadMessageID *int64 `db:"last_read_message_id" json:"last_read_message_id"`
	NotificationLevels
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Cursor returns the read cursor, 0 when unset.
func (m Membership) Cursor() int64 {
	if m.LastReadMessageID == nil {
		return 0
	}
	return *m.LastReadMessageID
}
