package memstore

import (
	"context"
	"sort"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

func (s *Store) allInboxesLocked() []*inbox {
	boxes := make([]*inbox, 0, len(s.inboxes))
	for _, box := range s.inboxes {
		boxes = append(boxes, box)
	}
	return boxes
}

func (s *Store) reapNotifications(boxes []*inbox, match func(rec models.NotificationRecord) bool) {
	var reaped []int64
	for _, box := range boxes {
		box.mu.Lock()
		kept := box.records[:0]
		for _, rec := range box.records {
			if match(rec) {
				reaped = append(reaped, rec.ID)
				continue
			}
			kept = append(kept, rec)
		}
		box.records = kept
		box.mu.Unlock()
	}
	if len(reaped) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range reaped {
		delete(s.owners, id)
	}
	s.mu.Unlock()
}

// CreateNotification appends an unprocessed record to the user's inbox.
func (s *Store) CreateNotification(_ context.Context, rec models.NotificationRecord) (models.NotificationRecord, error) {
	rec.ID = s.nextNotificationID.Add(1)
	rec.Status = models.NotificationUnprocessed
	rec.ProcessedAt = nil

	box := s.inboxFor(rec.UserID)
	s.mu.Lock()
	s.owners[rec.ID] = rec.UserID
	s.mu.Unlock()

	box.mu.Lock()
	box.records = append(box.records, rec)
	box.mu.Unlock()
	return rec, nil
}

// ListUnprocessed snapshots a user's pending records.
func (s *Store) ListUnprocessed(_ context.Context, userID int64) ([]models.NotificationRecord, error) {
	s.mu.RLock()
	box, ok := s.inboxes[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	box.mu.Lock()
	var out []models.NotificationRecord
	for _, rec := range box.records {
		if rec.Status == models.NotificationUnprocessed {
			out = append(out, rec)
		}
	}
	box.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkProcessed locks every affected inbox in user order, validates the
// whole batch, then flips it.
func (s *Store) MarkProcessed(_ context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	byUser := make(map[int64]*inbox)
	for id := range wanted {
		owner, ok := s.owners[id]
		if !ok {
			s.mu.RUnlock()
			return repositories.ErrNotificationConflict
		}
		byUser[owner] = s.inboxes[owner]
	}
	s.mu.RUnlock()

	users := make([]int64, 0, len(byUser))
	for userID := range byUser {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	for _, userID := range users {
		byUser[userID].mu.Lock()
	}
	defer func() {
		for _, userID := range users {
			byUser[userID].mu.Unlock()
		}
	}()

	var targets []*models.NotificationRecord
	for _, userID := range users {
		box := byUser[userID]
		for i := range box.records {
			if _, ok := wanted[box.records[i].ID]; ok {
				targets = append(targets, &box.records[i])
			}
		}
	}
	if len(targets) != len(wanted) {
		return repositories.ErrNotificationConflict
	}
	for _, rec := range targets {
		if rec.Status != models.NotificationUnprocessed {
			return repositories.ErrNotificationConflict
		}
	}
	for _, rec := range targets {
		processedAt := at
		rec.Status = models.NotificationProcessed
		rec.ProcessedAt = &processedAt
	}
	return nil
}

// UsersWithUnprocessed lists users with pending records.
func (s *Store) UsersWithUnprocessed(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	boxes := make(map[int64]*inbox, len(s.inboxes))
	for userID, box := range s.inboxes {
		boxes[userID] = box
	}
	s.mu.RUnlock()

	var users []int64
	for userID, box := range boxes {
		box.mu.Lock()
		for _, rec := range box.records {
			if rec.Status == models.NotificationUnprocessed {
				users = append(users, userID)
				break
			}
		}
		box.mu.Unlock()
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// CreateWebhook registers a posting key.
func (s *Store) CreateWebhook(ctx context.Context, hook models.Webhook) (models.Webhook, error) {
	if ok, _ := s.ChannelExists(ctx, hook.ChannelID); !ok {
		return models.Webhook{}, repositories.ErrChannelNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hook.Key] = hook
	return hook, nil
}

// GetWebhook resolves a posting key.
func (s *Store) GetWebhook(_ context.Context, key string) (models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hook, ok := s.hooks[key]
	if !ok {
		return models.Webhook{}, repositories.ErrWebhookNotFound
	}
	return hook, nil
}
