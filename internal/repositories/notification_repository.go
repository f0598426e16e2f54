package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

const notificationColumns = `id, user_id, channel_id, message_id, status, created_at, processed_at`

// CreateNotification stores an unprocessed mention record.
func (s *SQLStore) CreateNotification(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, error) {
	var out models.NotificationRecord
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO chat_notifications (user_id, channel_id, message_id, status, created_at) VALUES (?, ?, ?, ?, ?) RETURNING `+notificationColumns),
		rec.UserID, rec.ChannelID, rec.MessageID, string(models.NotificationUnprocessed), rec.CreatedAt).StructScan(&out)
	return out, err
}

// ListUnprocessed returns a user's pending records grouped by channel.
func (s *SQLStore) ListUnprocessed(ctx context.Context, userID int64) ([]models.NotificationRecord, error) {
	var out []models.NotificationRecord
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+notificationColumns+` FROM chat_notifications
        WHERE user_id=? AND status=? ORDER BY channel_id, created_at, id`), userID, string(models.NotificationUnprocessed))
	return out, err
}

// MarkProcessed flips the whole batch in one transaction. If any record is
// gone or already processed, nothing changes.
func (s *SQLStore) MarkProcessed(ctx context.Context, ids []int64, at time.Time) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`UPDATE chat_notifications SET status=?, processed_at=? WHERE status=? AND id IN (?)`,
			string(models.NotificationProcessed), at, string(models.NotificationUnprocessed), ids)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count != int64(len(ids)) {
			return ErrNotificationConflict
		}
		return nil
	})
}

// UsersWithUnprocessed lists users that have pending digest items.
func (s *SQLStore) UsersWithUnprocessed(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(`SELECT DISTINCT user_id FROM chat_notifications WHERE status=? ORDER BY user_id`), string(models.NotificationUnprocessed))
	return ids, err
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
