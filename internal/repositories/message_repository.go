package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

const messageColumns = `id, channel_id, author_id, webhook_key, body, created_at, edited_at, deleted_at`

// AppendMessage bumps the channel's counter and inserts the message in one
// transaction. The counter row is the per-channel serialization point.
func (s *SQLStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var next int64
		err := tx.QueryRowxContext(ctx, s.q(`UPDATE chat_channels SET last_message_id = last_message_id + 1 WHERE id=? RETURNING last_message_id`), msg.ChannelID).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChannelNotFound
		}
		if err != nil {
			return err
		}
		msg.ID = next
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO chat_messages (channel_id, id, author_id, webhook_key, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
			msg.ChannelID, msg.ID, msg.AuthorID, msg.WebhookKey, msg.Body, msg.CreatedAt)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetMessage fetches a single message, tombstones included.
func (s *SQLStore) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg, s.q(`SELECT `+messageColumns+` FROM chat_messages WHERE channel_id=? AND id=?`), channelID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// mutateMessage runs a conditional update and tells a missing row apart from
// a failed precondition.
func (s *SQLStore) mutateMessage(ctx context.Context, channelID, messageID int64, query string, args ...any) (models.Message, error) {
	var msg models.Message
	err := s.db.QueryRowxContext(ctx, s.q(query+` RETURNING `+messageColumns), args...).StructScan(&msg)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, err
	}
	exists, err := s.MessageExists(ctx, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if !exists {
		return models.Message{}, ErrMessageNotFound
	}
	return models.Message{}, ErrMessageStateConflict
}

// EditMessage replaces the body of a live message.
func (s *SQLStore) EditMessage(ctx context.Context, channelID, messageID int64, body string, at time.Time) (models.Message, error) {
	return s.mutateMessage(ctx, channelID, messageID,
		`UPDATE chat_messages SET body=?, edited_at=? WHERE channel_id=? AND id=? AND deleted_at IS NULL`,
		body, at, channelID, messageID)
}

// SoftDeleteMessage tombstones a live message.
func (s *SQLStore) SoftDeleteMessage(ctx context.Context, channelID, messageID int64, at time.Time) (models.Message, error) {
	return s.mutateMessage(ctx, channelID, messageID,
		`UPDATE chat_messages SET deleted_at=? WHERE channel_id=? AND id=? AND deleted_at IS NULL`,
		at, channelID, messageID)
}

// RestoreMessage clears a tombstone.
func (s *SQLStore) RestoreMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	return s.mutateMessage(ctx, channelID, messageID,
		`UPDATE chat_messages SET deleted_at=NULL WHERE channel_id=? AND id=? AND deleted_at IS NOT NULL`,
		channelID, messageID)
}

// PurgeMessage hard-removes a message and the notification records that point at it.
func (s *SQLStore) PurgeMessage(ctx context.Context, channelID, messageID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM chat_notifications WHERE channel_id=? AND message_id=?`), channelID, messageID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM chat_messages WHERE channel_id=? AND id=?`), channelID, messageID)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrMessageNotFound
		}
		return nil
	})
}

// ListMessages returns one history page in ascending id order.
func (s *SQLStore) ListMessages(ctx context.Context, channelID int64, q MessageQuery) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE channel_id=?`
	args := []any{channelID}
	if q.AfterID > 0 {
		query += ` AND id > ?`
		args = append(args, q.AfterID)
	}
	if q.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, q.BeforeID)
	}
	ascending := q.AfterID > 0
	if ascending {
		query += ` ORDER BY id ASC LIMIT ?`
	} else {
		query += ` ORDER BY id DESC LIMIT ?`
	}
	args = append(args, q.Limit)

	var msgs []models.Message
	if err := s.db.SelectContext(ctx, &msgs, s.q(query), args...); err != nil {
		return nil, err
	}
	if !ascending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// LatestMessageID returns the highest surviving message id.
func (s *SQLStore) LatestMessageID(ctx context.Context, channelID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`SELECT COALESCE(MAX(id), 0) FROM chat_messages WHERE channel_id=?`), channelID)
	return id, err
}

// MessageExists reports whether the message row is present.
func (s *SQLStore) MessageExists(ctx context.Context, channelID, messageID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.q(`SELECT EXISTS(SELECT 1 FROM chat_messages WHERE channel_id=? AND id=?)`), channelID, messageID)
	return exists, err
}

// CountMessagesAfter counts live messages newer than afterID.
func (s *SQLStore) CountMessagesAfter(ctx context.Context, channelID, afterID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.q(`SELECT COUNT(*) FROM chat_messages WHERE channel_id=? AND id > ? AND deleted_at IS NULL`), channelID, afterID)
	return count, err
}
