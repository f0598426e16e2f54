package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chat-core/internal/models"
)

const membershipColumns = `user_id, channel_id, following, last_read_message_id, desktop_level, mobile_level, email_level, updated_at`

// UpsertMembership creates a membership or reactivates an existing one.
func (s *SQLStore) UpsertMembership(ctx context.Context, m models.Membership) (models.Membership, error) {
	var out models.Membership
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO chat_memberships (user_id, channel_id, following, last_read_message_id, desktop_level, mobile_level, email_level, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (channel_id, user_id) DO UPDATE SET following = EXCLUDED.following, updated_at = EXCLUDED.updated_at
        RETURNING `+membershipColumns),
		m.UserID, m.ChannelID, m.Following, m.LastReadMessageID, string(m.Desktop), string(m.Mobile), string(m.Email), m.UpdatedAt).StructScan(&out)
	return out, err
}

// GetMembership fetches one membership.
func (s *SQLStore) GetMembership(ctx context.Context, userID, channelID int64) (models.Membership, error) {
	var m models.Membership
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+membershipColumns+` FROM chat_memberships WHERE user_id=? AND channel_id=?`), userID, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, err
}

func (s *SQLStore) updateMembership(ctx context.Context, userID, channelID int64, set string, args ...any) (models.Membership, error) {
	var m models.Membership
	args = append(args, time.Now().UTC(), userID, channelID)
	err := s.db.QueryRowxContext(ctx, s.q(`UPDATE chat_memberships SET `+set+`, updated_at=? WHERE user_id=? AND channel_id=? RETURNING `+membershipColumns), args...).StructScan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, err
}

// SetFollowing flips the following flag without touching the cursor.
func (s *SQLStore) SetFollowing(ctx context.Context, userID, channelID int64, following bool) (models.Membership, error) {
	return s.updateMembership(ctx, userID, channelID, `following=?`, following)
}

// SetNotificationLevels stores per-surface preferences.
func (s *SQLStore) SetNotificationLevels(ctx context.Context, userID, channelID int64, levels models.NotificationLevels) (models.Membership, error) {
	return s.updateMembership(ctx, userID, channelID, `desktop_level=?, mobile_level=?, email_level=?`,
		string(levels.Desktop), string(levels.Mobile), string(levels.Email))
}

func cursorPredicate(expected *int64) (string, []any) {
	if expected == nil {
		return `last_read_message_id IS NULL`, nil
	}
	return `last_read_message_id=?`, []any{*expected}
}

// CompareAndSetCursor is a conditional update on the current cursor value.
// A cursor that no longer references a message is reported as not swapped.
func (s *SQLStore) CompareAndSetCursor(ctx context.Context, userID, channelID int64, expected, next *int64) (bool, error) {
	pred, predArgs := cursorPredicate(expected)
	args := append([]any{next, time.Now().UTC(), userID, channelID}, predArgs...)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_memberships SET last_read_message_id=?, updated_at=? WHERE user_id=? AND channel_id=? AND `+pred), args...)
	if isForeignKeyViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count == 1, err
}

// DeleteMembershipIf deletes the membership if its cursor is unchanged.
func (s *SQLStore) DeleteMembershipIf(ctx context.Context, userID, channelID int64, expected *int64) (bool, error) {
	pred, predArgs := cursorPredicate(expected)
	args := append([]any{userID, channelID}, predArgs...)
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM chat_memberships WHERE user_id=? AND channel_id=? AND `+pred), args...)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count == 1, err
}

// ScanMemberships pages through all memberships in key order.
func (s *SQLStore) ScanMemberships(ctx context.Context, after MembershipKey, limit int) ([]models.Membership, error) {
	var out []models.Membership
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+membershipColumns+` FROM chat_memberships
        WHERE channel_id > ? OR (channel_id = ? AND user_id > ?)
        ORDER BY channel_id, user_id LIMIT ?`), after.ChannelID, after.ChannelID, after.UserID, limit)
	return out, err
}

// ListChannelMemberships returns every membership of a channel.
func (s *SQLStore) ListChannelMemberships(ctx context.Context, channelID int64) ([]models.Membership, error) {
	var out []models.Membership
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+membershipColumns+` FROM chat_memberships WHERE channel_id=? ORDER BY user_id`), channelID)
	return out, err
}
