package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/pubsub"
	"chat-core/internal/repositories"
)

// AuditEvent records a moderation action.
type AuditEvent struct {
	Action    string
	ActorID   int64
	ChannelID int64
	MessageID int64
	AuthorID  int64
}

// Auditor ships moderation actions to an audit trail.
type Auditor interface {
	Audit(ctx context.Context, ev AuditEvent)
}

type noopAuditor struct{}

func (noopAuditor) Audit(context.Context, AuditEvent) {}

// Options wires a Service.
type Options struct {
	Store      repositories.Store
	Oracle     Oracle
	Directory  Directory
	Transport  pubsub.Publisher
	Fanout     FanoutConfig
	DigestSink DigestSink
	Auditor    Auditor
	Log        zerolog.Logger
}

// Service runs the write paths: it checks the actor, writes through the
// channel log and then hands the result to fan-out and mention processing.
// Anything after the write is best effort and never fails the call.
type Service struct {
	Channels    *ChannelLog
	Members     *MembershipRegistry
	Permissions *PermissionResolver
	Fanout      *FanoutPublisher
	Mentions    *MentionNotifier
	Digests     *DigestAggregator

	store repositories.Store
	audit Auditor
	log   zerolog.Logger
}

// New builds every component and starts the fan-out workers.
func New(opts Options) *Service {
	if opts.Auditor == nil {
		opts.Auditor = noopAuditor{}
	}
	if opts.DigestSink == nil {
		opts.DigestSink = LogSink{Log: opts.Log}
	}
	permissions := NewPermissionResolver(opts.Oracle, opts.Directory)
	fanout := NewFanoutPublisher(opts.Transport, permissions, opts.Fanout, opts.Log)
	return &Service{
		Channels:    NewChannelLog(opts.Store, opts.Log),
		Members:     NewMembershipRegistry(opts.Store, permissions, fanout, opts.Log),
		Permissions: permissions,
		Fanout:      fanout,
		Mentions:    NewMentionNotifier(opts.Store, permissions, opts.Directory, fanout, opts.Log),
		Digests:     NewDigestAggregator(opts.Store, opts.DigestSink, opts.Log),
		store:       opts.Store,
		audit:       opts.Auditor,
		log:         opts.Log.With().Str("component", "chat").Logger(),
	}
}

// Close drains pending fan-out.
func (s *Service) Close() {
	s.Fanout.Close()
}

func (s *Service) span(ctx context.Context, name string, channelID int64) (context.Context, trace.Span) {
	return otel.Tracer("chat-core/chat").Start(ctx, name, trace.WithAttributes(attribute.Int64("channel_id", channelID)))
}

func (s *Service) visibleChannel(ctx context.Context, op string, actorID, channelID int64) (models.Channel, error) {
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	ok, err := s.Permissions.CanSee(ctx, ch, actorID)
	if err != nil {
		return models.Channel{}, err
	}
	if !ok {
		return models.Channel{}, errs.Forbidden(op, "user %d cannot see channel %d", actorID, channelID)
	}
	return ch, nil
}

// Post appends a message for actorID and starts its fan-out.
func (s *Service) Post(ctx context.Context, actorID, channelID int64, body string, stagedID *string) (models.Message, error) {
	const op = "chat.Post"
	ctx, span := s.span(ctx, op, channelID)
	defer span.End()

	ch, err := s.visibleChannel(ctx, op, actorID, channelID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	msg, err := s.Channels.Append(ctx, channelID, actorID, body, stagedID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int64("message_id", msg.ID))
	s.afterAppend(ctx, ch, msg, stagedID)
	return msg, nil
}

// PostAsWebhook appends a message on behalf of a webhook key.
func (s *Service) PostAsWebhook(ctx context.Context, key, body string, stagedID *string) (models.Message, error) {
	const op = "chat.PostAsWebhook"
	hook, err := s.store.GetWebhook(ctx, key)
	if err != nil {
		return models.Message{}, classify(op, err)
	}
	ctx, span := s.span(ctx, op, hook.ChannelID)
	defer span.End()

	ch, err := s.Channels.GetChannel(ctx, hook.ChannelID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := s.Channels.append(ctx, op, models.Message{ChannelID: ch.ID, WebhookKey: &hook.Key, Body: body}, stagedID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	s.afterAppend(ctx, ch, msg, stagedID)
	return msg, nil
}

// CreateChannel creates a topic or category channel. The actor must be able
// to moderate the chatable it hangs off.
func (s *Service) CreateChannel(ctx context.Context, actorID int64, spec ChannelSpec) (models.Channel, error) {
	const op = "chat.CreateChannel"
	if err := s.requireModerator(ctx, op, models.Channel{Kind: spec.Kind, Chatable: spec.Chatable}, actorID); err != nil {
		return models.Channel{}, err
	}
	ch, err := s.Channels.CreateChannel(ctx, spec)
	if err != nil {
		return models.Channel{}, err
	}
	s.audit.Audit(ctx, AuditEvent{Action: "channel.create", ActorID: actorID, ChannelID: ch.ID})
	return ch, nil
}

// AddWebhook mints a posting key for a channel. Moderators only.
func (s *Service) AddWebhook(ctx context.Context, actorID, channelID int64, name string) (models.Webhook, error) {
	const op = "chat.AddWebhook"
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return models.Webhook{}, err
	}
	if err := s.requireModerator(ctx, op, ch, actorID); err != nil {
		return models.Webhook{}, err
	}
	hook, err := s.RegisterWebhook(ctx, models.Webhook{Key: uuid.NewString(), ChannelID: ch.ID, Name: name})
	if err != nil {
		return models.Webhook{}, err
	}
	s.audit.Audit(ctx, AuditEvent{Action: "webhook.create", ActorID: actorID, ChannelID: ch.ID})
	return hook, nil
}

// RegisterWebhook binds a new posting key to a channel.
func (s *Service) RegisterWebhook(ctx context.Context, hook models.Webhook) (models.Webhook, error) {
	const op = "chat.RegisterWebhook"
	if hook.Key == "" {
		return models.Webhook{}, errs.InvalidState(op, "empty webhook key")
	}
	out, err := s.store.CreateWebhook(ctx, hook)
	return out, classify(op, err)
}

func (s *Service) afterAppend(ctx context.Context, ch models.Channel, msg models.Message, stagedID *string) {
	s.Fanout.PublishNew(ctx, ch, msg, stagedID)
	if _, err := s.Mentions.Notify(ctx, ch, msg); err != nil {
		s.log.Warn().Err(err).Int64("channel_id", ch.ID).Int64("message_id", msg.ID).Msg("mention processing failed")
	}
}

// Edit replaces the body of the actor's own message.
func (s *Service) Edit(ctx context.Context, actorID, channelID, messageID int64, body string) (models.Message, error) {
	const op = "chat.Edit"
	ctx, span := s.span(ctx, op, channelID)
	defer span.End()

	ch, err := s.visibleChannel(ctx, op, actorID, channelID)
	if err != nil {
		return models.Message{}, err
	}
	current, err := s.Channels.GetMessage(ctx, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.AuthorID != actorID || current.WebhookKey != nil {
		return models.Message{}, errs.Forbidden(op, "only the author may edit message %d", messageID)
	}
	msg, err := s.Channels.Edit(ctx, channelID, messageID, body)
	if err != nil {
		return models.Message{}, err
	}
	s.Fanout.PublishEdit(ctx, ch, msg)
	return msg, nil
}

// Delete soft-deletes a message. Authors may delete their own messages,
// moderators any message.
func (s *Service) Delete(ctx context.Context, actorID, channelID, messageID int64) (models.Message, error) {
	const op = "chat.Delete"
	ctx, span := s.span(ctx, op, channelID)
	defer span.End()

	ch, current, err := s.authorOrModerator(ctx, op, actorID, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := s.Channels.SoftDelete(ctx, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	s.Fanout.PublishDelete(ctx, ch, msg)
	s.auditIfModerated(ctx, "message.delete", actorID, current)
	return msg, nil
}

// Restore clears a tombstone under the same rules as Delete.
func (s *Service) Restore(ctx context.Context, actorID, channelID, messageID int64) (models.Message, error) {
	const op = "chat.Restore"
	ctx, span := s.span(ctx, op, channelID)
	defer span.End()

	ch, current, err := s.authorOrModerator(ctx, op, actorID, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := s.Channels.Restore(ctx, channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	s.Fanout.PublishRestore(ctx, ch, msg)
	s.auditIfModerated(ctx, "message.restore", actorID, current)
	return msg, nil
}

// Purge hard-removes a message. Moderators only. Subscribers get a delete
// event carrying an empty tombstone.
func (s *Service) Purge(ctx context.Context, actorID, channelID, messageID int64) error {
	const op = "chat.Purge"
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.requireModerator(ctx, op, ch, actorID); err != nil {
		return err
	}
	current, err := s.Channels.GetMessage(ctx, channelID, messageID)
	if err != nil {
		return err
	}
	if err := s.Channels.Purge(ctx, channelID, messageID); err != nil {
		return err
	}
	tombstone := current
	tombstone.Body = ""
	if tombstone.DeletedAt == nil {
		now := s.Channels.now()
		tombstone.DeletedAt = &now
	}
	s.Fanout.PublishDelete(ctx, ch, tombstone)
	s.audit.Audit(ctx, AuditEvent{Action: "message.purge", ActorID: actorID, ChannelID: channelID, MessageID: messageID, AuthorID: current.AuthorID})
	return nil
}

func (s *Service) authorOrModerator(ctx context.Context, op string, actorID, channelID, messageID int64) (models.Channel, models.Message, error) {
	ch, err := s.visibleChannel(ctx, op, actorID, channelID)
	if err != nil {
		return models.Channel{}, models.Message{}, err
	}
	msg, err := s.Channels.GetMessage(ctx, channelID, messageID)
	if err != nil {
		return models.Channel{}, models.Message{}, err
	}
	if msg.AuthorID == actorID && msg.WebhookKey == nil {
		return ch, msg, nil
	}
	if err := s.requireModerator(ctx, op, ch, actorID); err != nil {
		return models.Channel{}, models.Message{}, err
	}
	return ch, msg, nil
}

func (s *Service) requireModerator(ctx context.Context, op string, ch models.Channel, actorID int64) error {
	ok, err := s.Permissions.CanModerate(ctx, ch, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Forbidden(op, "user %d cannot moderate channel %d", actorID, ch.ID)
	}
	return nil
}

func (s *Service) auditIfModerated(ctx context.Context, action string, actorID int64, msg models.Message) {
	if msg.AuthorID == actorID && msg.WebhookKey == nil {
		return
	}
	s.audit.Audit(ctx, AuditEvent{Action: action, ActorID: actorID, ChannelID: msg.ChannelID, MessageID: msg.ID, AuthorID: msg.AuthorID})
}

// OpenDirectMessage returns the direct message channel between actorID and
// others. A participant without a membership is made to follow it, and the
// channel is announced whenever that happens, so a retry after a failed
// setup finishes the job. Memberships that already exist are left alone.
func (s *Service) OpenDirectMessage(ctx context.Context, actorID int64, others []int64) (models.Channel, error) {
	const op = "chat.OpenDirectMessage"
	if actorID <= 0 {
		return models.Channel{}, errs.Forbidden(op, "anonymous users cannot open direct messages")
	}
	participants := append([]int64{actorID}, others...)
	ch, created, err := s.Channels.CreateDirectMessageChannel(ctx, participants)
	if err != nil {
		return models.Channel{}, err
	}
	joined := false
	for _, userID := range ch.Participants {
		if !created {
			_, err := s.Members.Get(ctx, userID, ch.ID)
			if err == nil {
				continue
			}
			if errs.KindOf(err) != errs.KindNotFound {
				return models.Channel{}, err
			}
		}
		if _, err := s.Members.Follow(ctx, userID, ch.ID); err != nil {
			return models.Channel{}, err
		}
		joined = true
	}
	if joined {
		s.Fanout.PublishNewDirectMessageChannel(ctx, ch)
	}
	return ch, nil
}

// SetChannelStatus opens, closes or archives a channel. Moderators only.
func (s *Service) SetChannelStatus(ctx context.Context, actorID, channelID int64, status models.ChannelStatus) (models.Channel, error) {
	const op = "chat.SetChannelStatus"
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.requireModerator(ctx, op, ch, actorID); err != nil {
		return models.Channel{}, err
	}
	out, err := s.Channels.SetStatus(ctx, channelID, status)
	if err != nil {
		return models.Channel{}, err
	}
	s.audit.Audit(ctx, AuditEvent{Action: "channel." + string(status), ActorID: actorID, ChannelID: channelID})
	return out, nil
}

// DestroyChannel removes a channel. Moderators only.
func (s *Service) DestroyChannel(ctx context.Context, actorID, channelID int64) error {
	const op = "chat.DestroyChannel"
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.requireModerator(ctx, op, ch, actorID); err != nil {
		return err
	}
	if err := s.Channels.DestroyChannel(ctx, channelID); err != nil {
		return err
	}
	s.audit.Audit(ctx, AuditEvent{Action: "channel.destroy", ActorID: actorID, ChannelID: channelID})
	return nil
}

// Channel returns a channel the actor can see.
func (s *Service) Channel(ctx context.Context, actorID, channelID int64) (models.Channel, error) {
	return s.visibleChannel(ctx, "chat.Channel", actorID, channelID)
}

// History opens a history iterator for a user who can see the channel.
func (s *Service) History(ctx context.Context, actorID, channelID int64, q HistoryQuery) (*HistoryIterator, error) {
	if _, err := s.visibleChannel(ctx, "chat.History", actorID, channelID); err != nil {
		return nil, err
	}
	return s.Channels.History(ctx, channelID, q)
}

// Follow subscribes actorID to a channel.
func (s *Service) Follow(ctx context.Context, actorID, channelID int64) (models.Membership, error) {
	return s.Members.Follow(ctx, actorID, channelID)
}

// MarkRead advances the actor's read cursor.
func (s *Service) MarkRead(ctx context.Context, actorID, channelID, messageID int64) (bool, error) {
	return s.Members.AdvanceCursor(ctx, actorID, channelID, messageID)
}

// RunMaintenance repairs cursors once; it is what the scheduler and CLI call.
func (s *Service) RunMaintenance(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	start := time.Now()
	report, err := s.Members.RepairCorruptedCursors(ctx, opts)
	if err != nil {
		s.log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("cursor repair failed")
	}
	return report, err
}
