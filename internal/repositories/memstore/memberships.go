package memstore

import (
	"context"
	"sort"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

func copyMembership(m models.Membership) models.Membership {
	if m.LastReadMessageID != nil {
		v := *m.LastReadMessageID
		m.LastReadMessageID = &v
	}
	return m
}

// UpsertMembership creates or reactivates a membership.
func (s *Store) UpsertMembership(_ context.Context, m models.Membership) (models.Membership, error) {
	key := repositories.MembershipKey{ChannelID: m.ChannelID, UserID: m.UserID}
	for {
		s.mu.Lock()
		st, ok := s.members[key]
		if !ok {
			st = &memberState{m: copyMembership(m)}
			s.members[key] = st
			s.mu.Unlock()
			return copyMembership(m), nil
		}
		s.mu.Unlock()

		st.mu.Lock()
		if st.deleted {
			// lost a race with a delete; retry against the fresh map state
			st.mu.Unlock()
			continue
		}
		st.m.Following = m.Following
		st.m.UpdatedAt = m.UpdatedAt
		out := copyMembership(st.m)
		st.mu.Unlock()
		return out, nil
	}
}

// GetMembership returns a snapshot of one membership.
func (s *Store) GetMembership(_ context.Context, userID, channelID int64) (models.Membership, error) {
	st, ok := s.member(userID, channelID)
	if !ok {
		return models.Membership{}, repositories.ErrMembershipNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return models.Membership{}, repositories.ErrMembershipNotFound
	}
	return copyMembership(st.m), nil
}

func (s *Store) updateMember(userID, channelID int64, fn func(m *models.Membership)) (models.Membership, error) {
	st, ok := s.member(userID, channelID)
	if !ok {
		return models.Membership{}, repositories.ErrMembershipNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return models.Membership{}, repositories.ErrMembershipNotFound
	}
	fn(&st.m)
	st.m.UpdatedAt = time.Now().UTC()
	return copyMembership(st.m), nil
}

// SetFollowing flips the following flag.
func (s *Store) SetFollowing(_ context.Context, userID, channelID int64, following bool) (models.Membership, error) {
	return s.updateMember(userID, channelID, func(m *models.Membership) { m.Following = following })
}

// SetNotificationLevels stores per-surface preferences.
func (s *Store) SetNotificationLevels(_ context.Context, userID, channelID int64, levels models.NotificationLevels) (models.Membership, error) {
	return s.updateMember(userID, channelID, func(m *models.Membership) { m.NotificationLevels = levels })
}

// CompareAndSetCursor swaps the cursor under the row lock.
func (s *Store) CompareAndSetCursor(_ context.Context, userID, channelID int64, expected, next *int64) (bool, error) {
	st, ok := s.member(userID, channelID)
	if !ok {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted || !repositories.CursorEqual(st.m.LastReadMessageID, expected) {
		return false, nil
	}
	if next == nil {
		st.m.LastReadMessageID = nil
	} else {
		v := *next
		st.m.LastReadMessageID = &v
	}
	st.m.UpdatedAt = time.Now().UTC()
	return true, nil
}

// DeleteMembershipIf deletes the membership when its cursor is unchanged.
func (s *Store) DeleteMembershipIf(_ context.Context, userID, channelID int64, expected *int64) (bool, error) {
	key := repositories.MembershipKey{ChannelID: channelID, UserID: userID}
	st, ok := s.member(userID, channelID)
	if !ok {
		return false, nil
	}
	st.mu.Lock()
	if st.deleted || !repositories.CursorEqual(st.m.LastReadMessageID, expected) {
		st.mu.Unlock()
		return false, nil
	}
	st.deleted = true
	st.mu.Unlock()

	s.mu.Lock()
	if s.members[key] == st {
		delete(s.members, key)
	}
	s.mu.Unlock()
	return true, nil
}

// ScanMemberships pages through memberships in key order.
func (s *Store) ScanMemberships(_ context.Context, after repositories.MembershipKey, limit int) ([]models.Membership, error) {
	s.mu.RLock()
	keys := make([]repositories.MembershipKey, 0, len(s.members))
	for key := range s.members {
		if after.Less(key) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	states := make([]*memberState, 0, len(keys))
	for _, key := range keys {
		states = append(states, s.members[key])
	}
	s.mu.RUnlock()

	out := make([]models.Membership, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.deleted {
			out = append(out, copyMembership(st.m))
		}
		st.mu.Unlock()
	}
	return out, nil
}

// ListChannelMemberships returns every membership of a channel ordered by user.
func (s *Store) ListChannelMemberships(_ context.Context, channelID int64) ([]models.Membership, error) {
	s.mu.RLock()
	var states []*memberState
	for key, st := range s.members {
		if key.ChannelID == channelID {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()

	out := make([]models.Membership, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.deleted {
			out = append(out, copyMembership(st.m))
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CorruptCursor plants a dangling cursor. Only tests and fixtures need it.
func (s *Store) CorruptCursor(userID, channelID, messageID int64) {
	st, ok := s.member(userID, channelID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.m.LastReadMessageID = &messageID
}

// OrphanMembership inserts a membership without checking that its channel exists.
func (s *Store) OrphanMembership(m models.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[repositories.MembershipKey{ChannelID: m.ChannelID, UserID: m.UserID}] = &memberState{m: copyMembership(m)}
}
