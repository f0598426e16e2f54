package models

import "time"

// Message is one entry of a channel log. ID is unique and strictly increasing
// within ChannelID and doubles as the read cursor value.
type Message struct {
	ID         int64      `db:"id" json:"id"`
	ChannelID  int64      `db:"channel_id" json:"channel_id"`
	AuthorID   int64      `db:"author_id" json:"author_id"`
	WebhookKey *string    `db:"webhook_key" json:"webhook_key,omitempty"`
	Body       string     `db:"body" json:"body"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	EditedAt   *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Webhook is an external posting credential bound to one channel.
type Webhook struct {
	Key       string `db:"hook_key" json:"key"`
	ChannelID int64  `db:"channel_id" json:"channel_id"`
	Name      string `db:"name" json:"name"`
}
