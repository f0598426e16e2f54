package models

// EventType discriminates message lifecycle events.
type EventType string

const (
	EventSent    EventType = "sent"
	EventEdit    EventType = "edit"
	EventDelete  EventType = "delete"
	EventRestore EventType = "restore"
)

// MessageEvent is broadcast on channel:{id}.
type MessageEvent struct {
	Type     EventType `json:"type"`
	Message  *Message  `json:"message"`
	StagedID *string   `json:"staged_id,omitempty"`
}

// NewMessagesEvent is the lightweight unread signal on channel:{id}:new-messages.
type NewMessagesEvent struct {
	MessageID int64 `json:"message_id"`
	AuthorID  int64 `json:"author_id"`
}

// ChannelPointerEvent is sent on the per-user tracking-state and new-mentions topics.
type ChannelPointerEvent struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

// NewDirectMessageChannelEvent carries the full descriptor of a created DM channel.
type NewDirectMessageChannelEvent struct {
	Channel Channel `json:"channel"`
}
