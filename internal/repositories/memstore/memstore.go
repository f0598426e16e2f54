// Package memstore is an in-process implementation of repositories.Store.
//
// Locking mirrors the SQL store's row locks: each channel log, each
// membership row and each user's notification inbox has its own mutex. The
// store-level RWMutex only guards the lookup maps and is never held while a
// row lock is waited on, so work in different channels never serializes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

type channelState struct {
	mu        sync.Mutex
	ch        models.Channel
	messages  []models.Message
	destroyed bool
}

func (c *channelState) index(messageID int64) int {
	i := sort.Search(len(c.messages), func(i int) bool { return c.messages[i].ID >= messageID })
	if i < len(c.messages) && c.messages[i].ID == messageID {
		return i
	}
	return -1
}

type memberState struct {
	mu      sync.Mutex
	m       models.Membership
	deleted bool
}

type inbox struct {
	mu      sync.Mutex
	records []models.NotificationRecord
}

// Store keeps everything in memory.
type Store struct {
	mu       sync.RWMutex
	channels map[int64]*channelState
	dmKeys   map[string]int64
	members  map[repositories.MembershipKey]*memberState
	inboxes  map[int64]*inbox
	owners   map[int64]int64
	hooks    map[string]models.Webhook

	nextChannelID      atomic.Int64
	nextNotificationID atomic.Int64
}

var _ repositories.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		channels: make(map[int64]*channelState),
		dmKeys:   make(map[string]int64),
		members:  make(map[repositories.MembershipKey]*memberState),
		inboxes:  make(map[int64]*inbox),
		owners:   make(map[int64]int64),
		hooks:    make(map[string]models.Webhook),
	}
}

func (s *Store) channel(channelID int64) (*channelState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[channelID]
	return c, ok
}

func (s *Store) member(userID, channelID int64) (*memberState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[repositories.MembershipKey{ChannelID: channelID, UserID: userID}]
	return m, ok
}

func (s *Store) inboxFor(userID int64) *inbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.inboxes[userID]
	if !ok {
		box = &inbox{}
		s.inboxes[userID] = box
	}
	return box
}

func copyChannel(ch models.Channel) models.Channel {
	ch.Participants = append([]int64(nil), ch.Participants...)
	return ch
}

// CreateChannel stores a new channel.
func (s *Store) CreateChannel(_ context.Context, ch models.Channel) (models.Channel, error) {
	ch.ID = s.nextChannelID.Add(1)
	ch.LastMessageID = 0
	ch = copyChannel(ch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.IsDirectMessage() {
		key := repositories.DirectMessageKey(ch.Participants)
		if _, exists := s.dmKeys[key]; exists {
			return models.Channel{}, repositories.ErrChannelExists
		}
		s.dmKeys[key] = ch.ID
	}
	s.channels[ch.ID] = &channelState{ch: ch}
	return copyChannel(ch), nil
}

// GetChannel returns a snapshot of the channel.
func (s *Store) GetChannel(_ context.Context, channelID int64) (models.Channel, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	return copyChannel(c.ch), nil
}

// FindDirectMessageChannel looks up a channel by participant set.
func (s *Store) FindDirectMessageChannel(ctx context.Context, participants []int64) (models.Channel, error) {
	s.mu.RLock()
	id, ok := s.dmKeys[repositories.DirectMessageKey(participants)]
	s.mu.RUnlock()
	if !ok {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	return s.GetChannel(ctx, id)
}

// SetChannelStatus changes the lifecycle status.
func (s *Store) SetChannelStatus(_ context.Context, channelID int64, status models.ChannelStatus) (models.Channel, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	c.ch.Status = status
	return copyChannel(c.ch), nil
}

// DestroyChannel drops the channel and reaps dependent rows.
func (s *Store) DestroyChannel(_ context.Context, channelID int64) error {
	c, ok := s.channel(channelID)
	if !ok {
		return repositories.ErrChannelNotFound
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return repositories.ErrChannelNotFound
	}
	c.destroyed = true
	c.messages = nil
	ch := c.ch
	c.mu.Unlock()

	s.mu.Lock()
	delete(s.channels, channelID)
	if ch.IsDirectMessage() {
		delete(s.dmKeys, repositories.DirectMessageKey(ch.Participants))
	}
	var dropped []*memberState
	for key, m := range s.members {
		if key.ChannelID == channelID {
			dropped = append(dropped, m)
			delete(s.members, key)
		}
	}
	for key, hook := range s.hooks {
		if hook.ChannelID == channelID {
			delete(s.hooks, key)
		}
	}
	boxes := s.allInboxesLocked()
	s.mu.Unlock()

	for _, m := range dropped {
		m.mu.Lock()
		m.deleted = true
		m.mu.Unlock()
	}
	s.reapNotifications(boxes, func(rec models.NotificationRecord) bool { return rec.ChannelID == channelID })
	return nil
}

// ChannelExists reports whether the channel is live.
func (s *Store) ChannelExists(ctx context.Context, channelID int64) (bool, error) {
	_, err := s.GetChannel(ctx, channelID)
	if err == repositories.ErrChannelNotFound {
		return false, nil
	}
	return err == nil, err
}

// AppendMessage assigns the next id under the channel lock.
func (s *Store) AppendMessage(_ context.Context, msg models.Message) (models.Message, error) {
	c, ok := s.channel(msg.ChannelID)
	if !ok {
		return models.Message{}, repositories.ErrChannelNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return models.Message{}, repositories.ErrChannelNotFound
	}
	c.ch.LastMessageID++
	msg.ID = c.ch.LastMessageID
	c.messages = append(c.messages, msg)
	return msg, nil
}

// GetMessage returns one message, tombstones included.
func (s *Store) GetMessage(_ context.Context, channelID, messageID int64) (models.Message, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(messageID)
	if i < 0 {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return c.messages[i], nil
}

func (s *Store) mutate(channelID, messageID int64, fn func(m *models.Message) bool) (models.Message, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(messageID)
	if i < 0 {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if !fn(&c.messages[i]) {
		return models.Message{}, repositories.ErrMessageStateConflict
	}
	return c.messages[i], nil
}

// EditMessage replaces the body of a live message.
func (s *Store) EditMessage(_ context.Context, channelID, messageID int64, body string, at time.Time) (models.Message, error) {
	return s.mutate(channelID, messageID, func(m *models.Message) bool {
		if m.Deleted() {
			return false
		}
		m.Body = body
		m.EditedAt = &at
		return true
	})
}

// SoftDeleteMessage tombstones a live message.
func (s *Store) SoftDeleteMessage(_ context.Context, channelID, messageID int64, at time.Time) (models.Message, error) {
	return s.mutate(channelID, messageID, func(m *models.Message) bool {
		if m.Deleted() {
			return false
		}
		m.DeletedAt = &at
		return true
	})
}

// RestoreMessage clears a tombstone.
func (s *Store) RestoreMessage(_ context.Context, channelID, messageID int64) (models.Message, error) {
	return s.mutate(channelID, messageID, func(m *models.Message) bool {
		if !m.Deleted() {
			return false
		}
		m.DeletedAt = nil
		return true
	})
}

// PurgeMessage hard-removes a message and its notification records.
func (s *Store) PurgeMessage(_ context.Context, channelID, messageID int64) error {
	c, ok := s.channel(channelID)
	if !ok {
		return repositories.ErrMessageNotFound
	}
	c.mu.Lock()
	i := c.index(messageID)
	if i < 0 {
		c.mu.Unlock()
		return repositories.ErrMessageNotFound
	}
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
	c.mu.Unlock()

	s.mu.RLock()
	boxes := s.allInboxesLocked()
	s.mu.RUnlock()
	s.reapNotifications(boxes, func(rec models.NotificationRecord) bool {
		return rec.ChannelID == channelID && rec.MessageID == messageID
	})
	return nil
}

// ListMessages returns one history page in ascending order.
func (s *Store) ListMessages(_ context.Context, channelID int64, q repositories.MessageQuery) ([]models.Message, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []models.Message
	for _, m := range c.messages {
		if q.AfterID > 0 && m.ID <= q.AfterID {
			continue
		}
		if q.BeforeID > 0 && m.ID >= q.BeforeID {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) <= q.Limit {
		return matched, nil
	}
	if q.AfterID > 0 {
		return append([]models.Message(nil), matched[:q.Limit]...), nil
	}
	return append([]models.Message(nil), matched[len(matched)-q.Limit:]...), nil
}

// LatestMessageID returns the highest surviving id.
func (s *Store) LatestMessageID(_ context.Context, channelID int64) (int64, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return 0, nil
	}
	return c.messages[len(c.messages)-1].ID, nil
}

// MessageExists reports whether the message is present.
func (s *Store) MessageExists(ctx context.Context, channelID, messageID int64) (bool, error) {
	_, err := s.GetMessage(ctx, channelID, messageID)
	if err == repositories.ErrMessageNotFound {
		return false, nil
	}
	return err == nil, err
}

// CountMessagesAfter counts live messages newer than afterID.
func (s *Store) CountMessagesAfter(_ context.Context, channelID, afterID int64) (int, error) {
	c, ok := s.channel(channelID)
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, m := range c.messages {
		if m.ID > afterID && !m.Deleted() {
			count++
		}
	}
	return count, nil
}
