package repositories

import (
	"context"
	"database/sql"
	"errors"

	"chat-core/internal/models"
)

// CreateWebhook registers a posting key for a channel.
func (s *SQLStore) CreateWebhook(ctx context.Context, hook models.Webhook) (models.Webhook, error) {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO chat_webhooks (hook_key, channel_id, name) VALUES (?, ?, ?)`), hook.Key, hook.ChannelID, hook.Name)
	if isForeignKeyViolation(err) {
		return models.Webhook{}, ErrChannelNotFound
	}
	return hook, err
}

// GetWebhook resolves a key.
func (s *SQLStore) GetWebhook(ctx context.Context, key string) (models.Webhook, error) {
	var hook models.Webhook
	err := s.db.GetContext(ctx, &hook, s.q(`SELECT hook_key, channel_id, name FROM chat_webhooks WHERE hook_key=?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Webhook{}, ErrWebhookNotFound
	}
	return hook, err
}
