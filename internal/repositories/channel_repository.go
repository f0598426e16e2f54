package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

type channelRow struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	Kind          string         `db:"kind"`
	Status        string         `db:"status"`
	ChatableType  string         `db:"chatable_type"`
	ChatableID    int64          `db:"chatable_id"`
	DMKey         sql.NullString `db:"dm_key"`
	LastMessageID int64          `db:"last_message_id"`
	CreatedAt     sql.NullTime   `db:"created_at"`
}

func (r channelRow) model() models.Channel {
	return models.Channel{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          models.ChannelKind(r.Kind),
		Status:        models.ChannelStatus(r.Status),
		Chatable:      models.Chatable{Type: models.ChatableType(r.ChatableType), ID: r.ChatableID},
		LastMessageID: r.LastMessageID,
		CreatedAt:     r.CreatedAt.Time,
	}
}

const channelColumns = `id, name, kind, status, chatable_type, chatable_id, dm_key, last_message_id, created_at`

// DirectMessageKey canonicalizes a participant set.
func DirectMessageKey(participants []int64) string {
	ids := append([]int64(nil), participants...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// CreateChannel inserts a channel and, for direct messages, its participants.
func (s *SQLStore) CreateChannel(ctx context.Context, ch models.Channel) (models.Channel, error) {
	var dmKey sql.NullString
	if ch.IsDirectMessage() {
		dmKey = sql.NullString{String: DirectMessageKey(ch.Participants), Valid: true}
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row channelRow
		if err := tx.QueryRowxContext(ctx, s.q(`INSERT INTO chat_channels (name, kind, status, chatable_type, chatable_id, dm_key, last_message_id, created_at)
            VALUES (?, ?, ?, ?, ?, ?, 0, ?) RETURNING `+channelColumns),
			ch.Name, string(ch.Kind), string(ch.Status), string(ch.Chatable.Type), ch.Chatable.ID, dmKey, ch.CreatedAt).StructScan(&row); err != nil {
			return err
		}
		participants := ch.Participants
		ch = row.model()
		ch.Participants = participants
		for _, userID := range participants {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO chat_channel_participants (channel_id, user_id) VALUES (?, ?)`), ch.ID, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

// GetChannel fetches a channel with its participants.
func (s *SQLStore) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+channelColumns+` FROM chat_channels WHERE id=?`), channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, err
	}
	return s.withParticipants(ctx, row.model())
}

func (s *SQLStore) withParticipants(ctx context.Context, ch models.Channel) (models.Channel, error) {
	if !ch.IsDirectMessage() {
		return ch, nil
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.q(`SELECT user_id FROM chat_channel_participants WHERE channel_id=? ORDER BY user_id`), ch.ID); err != nil {
		return models.Channel{}, err
	}
	ch.Participants = ids
	return ch, nil
}

// FindDirectMessageChannel looks up the channel for an exact participant set.
func (s *SQLStore) FindDirectMessageChannel(ctx context.Context, participants []int64) (models.Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+channelColumns+` FROM chat_channels WHERE dm_key=?`), DirectMessageKey(participants))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, err
	}
	return s.withParticipants(ctx, row.model())
}

// SetChannelStatus changes the lifecycle status.
func (s *SQLStore) SetChannelStatus(ctx context.Context, channelID int64, status models.ChannelStatus) (models.Channel, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_channels SET status=? WHERE id=?`), string(status), channelID)
	if err != nil {
		return models.Channel{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Channel{}, err
	}
	if count == 0 {
		return models.Channel{}, ErrChannelNotFound
	}
	return s.GetChannel(ctx, channelID)
}

// DestroyChannel removes a channel and everything it owns.
func (s *SQLStore) DestroyChannel(ctx context.Context, channelID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM chat_notifications WHERE channel_id=?`,
			`DELETE FROM chat_memberships WHERE channel_id=?`,
			`DELETE FROM chat_messages WHERE channel_id=?`,
			`DELETE FROM chat_channel_participants WHERE channel_id=?`,
			`DELETE FROM chat_webhooks WHERE channel_id=?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), channelID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM chat_channels WHERE id=?`), channelID)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrChannelNotFound
		}
		return nil
	})
}

// ChannelExists checks whether the channel row is present.
func (s *SQLStore) ChannelExists(ctx context.Context, channelID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.q(`SELECT EXISTS(SELECT 1 FROM chat_channels WHERE id=?)`), channelID)
	return exists, err
}
