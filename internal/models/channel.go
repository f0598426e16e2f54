package models

import "time"

// ChannelKind controls how a channel's audience is resolved.
type ChannelKind string

const (
	ChannelPublic        ChannelKind = "public"
	ChannelRestricted    ChannelKind = "restricted"
	ChannelDirectMessage ChannelKind = "direct_message"
)

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus string

const (
	ChannelOpen     ChannelStatus = "open"
	ChannelClosed   ChannelStatus = "closed"
	ChannelArchived ChannelStatus = "archived"
)

// ChatableType names the external entity a channel hangs off.
type ChatableType string

const (
	ChatableTopic         ChatableType = "topic"
	ChatableCategory      ChatableType = "category"
	ChatableDirectMessage ChatableType = "direct_message"
)

// Chatable is an opaque reference to the owning entity.
type Chatable struct {
	Type ChatableType `db:"chatable_type" json:"type"`
	ID   int64        `db:"chatable_id" json:"id"`
}

// Channel is an addressable conversation with its own ordered message log.
type Channel struct {
	ID            int64         `db:"id" json:"id"`
	Name          string        `db:"name" json:"name"`
	Kind          ChannelKind   `db:"kind" json:"kind"`
	Status        ChannelStatus `db:"status" json:"status"`
	Chatable      Chatable      `db:"-" json:"chatable"`
	Participants  []int64       `db:"-" json:"participants,omitempty"`
	LastMessageID int64         `db:"last_message_id" json:"last_message_id"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// IsDirectMessage reports whether the audience is the fixed participant set.
func (c Channel) IsDirectMessage() bool {
	return c.Kind == ChannelDirectMessage
}

// AcceptsMessages reports whether new messages may be appended.
func (c Channel) AcceptsMessages() bool {
	return c.Status == ChannelOpen
}

// AllowsEdits reports whether message bodies may still change.
func (c Channel) AllowsEdits() bool {
	return c.Status == ChannelOpen
}

// AllowsModeration reports whether messages may be deleted or restored.
func (c Channel) AllowsModeration() bool {
	return c.Status != ChannelArchived
}

// HasParticipant reports whether userID is one of a direct-message channel's participants.
func (c Channel) HasParticipant(userID int64) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}
