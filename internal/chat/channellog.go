package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

// ChannelSpec describes a topic or category channel to create.
type ChannelSpec struct {
	Name     string
	Kind     models.ChannelKind
	Chatable models.Chatable
}

// ChannelLog owns channels and their ordered message logs.
type ChannelLog struct {
	store repositories.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewChannelLog builds a ChannelLog on top of store.
func NewChannelLog(store repositories.Store, log zerolog.Logger) *ChannelLog {
	return &ChannelLog{
		store: store,
		log:   log.With().Str("component", "channel_log").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateChannel creates an open topic or category channel.
func (l *ChannelLog) CreateChannel(ctx context.Context, spec ChannelSpec) (models.Channel, error) {
	const op = "channellog.CreateChannel"
	switch spec.Kind {
	case models.ChannelPublic, models.ChannelRestricted:
	case models.ChannelDirectMessage:
		return models.Channel{}, errs.InvalidState(op, "direct message channels are created from participants")
	default:
		return models.Channel{}, errs.InvalidState(op, "unknown channel kind %q", spec.Kind)
	}
	switch spec.Chatable.Type {
	case models.ChatableTopic, models.ChatableCategory:
	default:
		return models.Channel{}, errs.InvalidState(op, "unsupported chatable %q", spec.Chatable.Type)
	}

	ch, err := l.store.CreateChannel(ctx, models.Channel{
		Name:      strings.TrimSpace(spec.Name),
		Kind:      spec.Kind,
		Status:    models.ChannelOpen,
		Chatable:  spec.Chatable,
		CreatedAt: l.now(),
	})
	if err != nil {
		return models.Channel{}, classify(op, err)
	}
	l.log.Info().Int64("channel_id", ch.ID).Str("chatable", string(ch.Chatable.Type)).Msg("channel created")
	return ch, nil
}

// CreateDirectMessageChannel returns the channel for the participant set,
// creating it when absent. created is false when it already existed.
func (l *ChannelLog) CreateDirectMessageChannel(ctx context.Context, participants []int64) (ch models.Channel, created bool, err error) {
	const op = "channellog.CreateDirectMessageChannel"
	set := uniqueSorted(participants)
	if len(set) == 0 {
		return models.Channel{}, false, errs.InvalidState(op, "no participants")
	}

	existing, err := l.store.FindDirectMessageChannel(ctx, set)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repositories.ErrChannelNotFound) {
		return models.Channel{}, false, classify(op, err)
	}

	ch, err = l.store.CreateChannel(ctx, models.Channel{
		Kind:         models.ChannelDirectMessage,
		Status:       models.ChannelOpen,
		Chatable:     models.Chatable{Type: models.ChatableDirectMessage},
		Participants: set,
		CreatedAt:    l.now(),
	})
	if errors.Is(err, repositories.ErrChannelExists) {
		// a concurrent request created the same participant set
		existing, err := l.store.FindDirectMessageChannel(ctx, set)
		return existing, false, classify(op, err)
	}
	if err != nil {
		return models.Channel{}, false, classify(op, err)
	}
	l.log.Info().Int64("channel_id", ch.ID).Ints64("participants", set).Msg("direct message channel created")
	return ch, true, nil
}

// GetChannel loads a live channel.
func (l *ChannelLog) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	ch, err := l.store.GetChannel(ctx, channelID)
	return ch, classify("channellog.GetChannel", err)
}

// SetStatus opens, closes or archives a channel.
func (l *ChannelLog) SetStatus(ctx context.Context, channelID int64, status models.ChannelStatus) (models.Channel, error) {
	const op = "channellog.SetStatus"
	switch status {
	case models.ChannelOpen, models.ChannelClosed, models.ChannelArchived:
	default:
		return models.Channel{}, errs.InvalidState(op, "unknown status %q", status)
	}
	ch, err := l.store.SetChannelStatus(ctx, channelID, status)
	return ch, classify(op, err)
}

// DestroyChannel removes the channel together with its messages and memberships.
func (l *ChannelLog) DestroyChannel(ctx context.Context, channelID int64) error {
	if err := l.store.DestroyChannel(ctx, channelID); err != nil {
		return classify("channellog.DestroyChannel", err)
	}
	l.log.Info().Int64("channel_id", channelID).Msg("channel destroyed")
	return nil
}

// Append assigns the next id in the channel and stores the message. The
// staged id is validated but not persisted; callers hand it to the fan-out.
func (l *ChannelLog) Append(ctx context.Context, channelID, authorID int64, body string, stagedID *string) (models.Message, error) {
	return l.append(ctx, "channellog.Append", models.Message{ChannelID: channelID, AuthorID: authorID, Body: body}, stagedID)
}

func (l *ChannelLog) append(ctx context.Context, op string, msg models.Message, stagedID *string) (models.Message, error) {
	if err := ValidateStagedID(op, stagedID); err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(msg.Body) == "" {
		return models.Message{}, errs.InvalidState(op, "empty message body")
	}
	ch, err := l.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return models.Message{}, classify(op, err)
	}
	if !ch.AcceptsMessages() {
		return models.Message{}, errs.InvalidState(op, "channel %d is %s", ch.ID, ch.Status)
	}

	msg.CreatedAt = l.now()
	stored, err := l.store.AppendMessage(ctx, msg)
	if err != nil {
		return models.Message{}, classify(op, err)
	}
	observability.IncMessageAppended()
	return stored, nil
}

// GetMessage returns a message, tombstones included.
func (l *ChannelLog) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	msg, err := l.store.GetMessage(ctx, channelID, messageID)
	return msg, classify("channellog.GetMessage", err)
}

// Edit replaces the body of a live message.
func (l *ChannelLog) Edit(ctx context.Context, channelID, messageID int64, body string) (models.Message, error) {
	const op = "channellog.Edit"
	if strings.TrimSpace(body) == "" {
		return models.Message{}, errs.InvalidState(op, "empty message body")
	}
	ch, err := l.store.GetChannel(ctx, channelID)
	if err != nil {
		return models.Message{}, classify(op, err)
	}
	if !ch.AllowsEdits() {
		return models.Message{}, errs.InvalidState(op, "channel %d is %s", ch.ID, ch.Status)
	}
	msg, err := l.store.EditMessage(ctx, channelID, messageID, body, l.now())
	return msg, classify(op, err)
}

// SoftDelete tombstones a live message.
func (l *ChannelLog) SoftDelete(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	const op = "channellog.SoftDelete"
	if err := l.checkModeration(ctx, op, channelID); err != nil {
		return models.Message{}, err
	}
	msg, err := l.store.SoftDeleteMessage(ctx, channelID, messageID, l.now())
	return msg, classify(op, err)
}

// Restore clears a tombstone.
func (l *ChannelLog) Restore(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	const op = "channellog.Restore"
	if err := l.checkModeration(ctx, op, channelID); err != nil {
		return models.Message{}, err
	}
	msg, err := l.store.RestoreMessage(ctx, channelID, messageID)
	return msg, classify(op, err)
}

// Purge hard-removes a message and reaps the notification records pointing at it.
func (l *ChannelLog) Purge(ctx context.Context, channelID, messageID int64) error {
	const op = "channellog.Purge"
	if err := l.store.PurgeMessage(ctx, channelID, messageID); err != nil {
		return classify(op, err)
	}
	l.log.Info().Int64("channel_id", channelID).Int64("message_id", messageID).Msg("message purged")
	return nil
}

func (l *ChannelLog) checkModeration(ctx context.Context, op string, channelID int64) error {
	ch, err := l.store.GetChannel(ctx, channelID)
	if err != nil {
		return classify(op, err)
	}
	if !ch.AllowsModeration() {
		return errs.InvalidState(op, "channel %d is %s", ch.ID, ch.Status)
	}
	return nil
}

// History returns a lazy page iterator over the channel log.
func (l *ChannelLog) History(ctx context.Context, channelID int64, q HistoryQuery) (*HistoryIterator, error) {
	const op = "channellog.History"
	ok, err := l.store.ChannelExists(ctx, channelID)
	if err != nil {
		return nil, classify(op, err)
	}
	if !ok {
		return nil, errs.NotFound(op, "channel %d", channelID)
	}
	return newHistoryIterator(l.store, channelID, q), nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
