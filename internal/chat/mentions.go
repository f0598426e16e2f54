package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

// mentionPattern matches @name tokens that are not part of an email address
// or another word. Trailing punctuation is trimmed after matching.
var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.@-])@([A-Za-z0-9_][A-Za-z0-9_.\-]*)`)

// ParseMentionNames extracts lower-cased, de-duplicated names in body order.
func ParseMentionNames(body string) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		name := strings.ToLower(strings.TrimRight(m[1], ".-"))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Mentions is the resolution of a message body. UserIDs already contains
// the members of every mentioned group as they were at resolution time.
type Mentions struct {
	UserIDs  []int64
	GroupIDs []int64
}

// MentionPublisher receives per-user mention events.
type MentionPublisher interface {
	PublishNewMention(ctx context.Context, userID, channelID, messageID int64)
}

// MentionNotifier turns mentions into notification records and events.
type MentionNotifier struct {
	store       repositories.Store
	permissions *PermissionResolver
	directory   Directory
	publisher   MentionPublisher
	log         zerolog.Logger
	now         func() time.Time
}

func NewMentionNotifier(store repositories.Store, permissions *PermissionResolver, directory Directory, publisher MentionPublisher, log zerolog.Logger) *MentionNotifier {
	return &MentionNotifier{
		store:       store,
		permissions: permissions,
		directory:   directory,
		publisher:   publisher,
		log:         log.With().Str("component", "mentions").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ResolveMentions maps @name tokens to users, expanding groups to a snapshot
// of their members. Unknown names are ignored.
func (n *MentionNotifier) ResolveMentions(ctx context.Context, body string) (Mentions, error) {
	names := ParseMentionNames(body)
	if len(names) == 0 {
		return Mentions{}, nil
	}
	users, groups, err := n.directory.Lookup(ctx, names)
	if err != nil {
		return Mentions{}, errs.Wrap(errs.KindUnknown, "mentions.Resolve", err)
	}

	var out Mentions
	for _, name := range names {
		if id, ok := users[name]; ok {
			out.UserIDs = append(out.UserIDs, id)
		}
		if id, ok := groups[name]; ok {
			out.GroupIDs = append(out.GroupIDs, id)
			members, err := n.directory.MembersOf(ctx, id)
			if err != nil {
				return Mentions{}, errs.Wrap(errs.KindUnknown, "mentions.Resolve", err)
			}
			out.UserIDs = append(out.UserIDs, members...)
		}
	}
	out.UserIDs = uniqueSorted(out.UserIDs)
	out.GroupIDs = uniqueSorted(out.GroupIDs)
	return out, nil
}

// Notify creates one notification record per mentioned user who can see the
// channel, is not the author, has not muted the channel and has not read the
// message yet. It returns the records it created.
func (n *MentionNotifier) Notify(ctx context.Context, ch models.Channel, msg models.Message) ([]models.NotificationRecord, error) {
	const op = "mentions.Notify"
	ctx, span := otel.Tracer("chat-core/mentions").Start(ctx, "mentions.notify",
		trace.WithAttributes(attribute.Int64("channel_id", ch.ID), attribute.Int64("message_id", msg.ID)))
	defer span.End()

	mentions, err := n.ResolveMentions(ctx, msg.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(mentions.UserIDs) == 0 {
		return nil, nil
	}
	audience, err := n.permissions.AudienceFor(ctx, ch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var created []models.NotificationRecord
	for _, userID := range mentions.UserIDs {
		if userID == msg.AuthorID {
			continue
		}
		visible, err := n.permissions.Contains(ctx, audience, userID)
		if err != nil {
			return created, err
		}
		if !visible {
			n.log.Debug().Int64("user_id", userID).Int64("channel_id", ch.ID).Msg("mention of user outside audience dropped")
			continue
		}

		m, err := n.store.GetMembership(ctx, userID, ch.ID)
		switch {
		case errors.Is(err, repositories.ErrMembershipNotFound):
		case err != nil:
			return created, classify(op, err)
		case m.Cursor() >= msg.ID:
			continue
		case m.NotificationLevels.Muted():
			continue
		}

		rec, err := n.store.CreateNotification(ctx, models.NotificationRecord{
			UserID:    userID,
			ChannelID: ch.ID,
			MessageID: msg.ID,
			CreatedAt: n.now(),
		})
		if err != nil {
			return created, classify(op, err)
		}
		observability.IncNotificationCreated()
		n.publisher.PublishNewMention(ctx, userID, ch.ID, msg.ID)
		created = append(created, rec)
	}
	return created, nil
}
