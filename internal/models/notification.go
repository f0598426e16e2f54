package models

import "time"

// NotificationStatus tracks the digest lifecycle of a record.
type NotificationStatus string

const (
	NotificationUnprocessed NotificationStatus = "unprocessed"
	NotificationProcessed   NotificationStatus = "processed"
)

// NotificationRecord is one mention waiting for digest aggregation.
type NotificationRecord struct {
	ID          int64              `db:"id" json:"id"`
	UserID      int64              `db:"user_id" json:"user_id"`
	ChannelID   int64              `db:"channel_id" json:"channel_id"`
	MessageID   int64              `db:"message_id" json:"message_id"`
	Status      NotificationStatus `db:"status" json:"status"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
}
