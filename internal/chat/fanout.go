package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/pubsub"
)

// FanoutConfig sizes the delivery worker pool.
type FanoutConfig struct {
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
}

func (c FanoutConfig) withDefaults() FanoutConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

type fanoutJob struct {
	kind      string
	channelID int64
	envelopes []pubsub.Envelope
	headers   map[string]string
	span      trace.SpanContext
}

// FanoutPublisher delivers lifecycle and tracking events asynchronously.
// Jobs are sharded by channel id so events of one channel keep their order;
// a slow transport only delays its own shard. Delivery failures are counted
// and logged, never returned to the writer.
type FanoutPublisher struct {
	transport   pubsub.Publisher
	permissions *PermissionResolver
	cfg         FanoutConfig
	log         zerolog.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan fanoutJob
	wg     sync.WaitGroup
}

// NewFanoutPublisher starts the worker shards.
func NewFanoutPublisher(transport pubsub.Publisher, permissions *PermissionResolver, cfg FanoutConfig, log zerolog.Logger) *FanoutPublisher {
	cfg = cfg.withDefaults()
	f := &FanoutPublisher{
		transport:   transport,
		permissions: permissions,
		cfg:         cfg,
		log:         log.With().Str("component", "fanout").Str("transport", transport.Name()).Logger(),
		shards:      make([]chan fanoutJob, cfg.Workers),
	}
	for i := range f.shards {
		f.shards[i] = make(chan fanoutJob, cfg.QueueSize)
		f.wg.Add(1)
		go f.worker(f.shards[i])
	}
	return f
}

// PublishNew broadcasts a sent event and the companion new-messages signal.
func (f *FanoutPublisher) PublishNew(ctx context.Context, ch models.Channel, msg models.Message, stagedID *string) {
	f.publishLifecycle(ctx, ch, models.MessageEvent{Type: models.EventSent, Message: &msg, StagedID: stagedID},
		envelopeSpec{topic: pubsub.NewMessagesTopic(ch.ID), payload: models.NewMessagesEvent{MessageID: msg.ID, AuthorID: msg.AuthorID}})
}

// PublishEdit broadcasts an edit event.
func (f *FanoutPublisher) PublishEdit(ctx context.Context, ch models.Channel, msg models.Message) {
	f.publishLifecycle(ctx, ch, models.MessageEvent{Type: models.EventEdit, Message: &msg})
}

// PublishDelete broadcasts a delete event carrying the tombstone.
func (f *FanoutPublisher) PublishDelete(ctx context.Context, ch models.Channel, msg models.Message) {
	f.publishLifecycle(ctx, ch, models.MessageEvent{Type: models.EventDelete, Message: &msg})
}

// PublishRestore broadcasts a restore event.
func (f *FanoutPublisher) PublishRestore(ctx context.Context, ch models.Channel, msg models.Message) {
	f.publishLifecycle(ctx, ch, models.MessageEvent{Type: models.EventRestore, Message: &msg})
}

// PublishUserTrackingState syncs a read cursor across the user's sessions.
func (f *FanoutPublisher) PublishUserTrackingState(ctx context.Context, userID, channelID, messageID int64) {
	f.publishPrivate(ctx, "tracking_state", channelID, pubsub.TrackingStateTopic(userID), userID,
		models.ChannelPointerEvent{ChannelID: channelID, MessageID: messageID})
}

// PublishNewMention notifies one user of a mention.
func (f *FanoutPublisher) PublishNewMention(ctx context.Context, userID, channelID, messageID int64) {
	f.publishPrivate(ctx, "new_mention", channelID, pubsub.NewMentionsTopic(userID), userID,
		models.ChannelPointerEvent{ChannelID: channelID, MessageID: messageID})
}

// PublishNewDirectMessageChannel announces a direct message channel to its participants.
func (f *FanoutPublisher) PublishNewDirectMessageChannel(ctx context.Context, ch models.Channel) {
	env, err := pubsub.NewEnvelope(pubsub.NewDirectMessageChannelTopic, pubsub.Audience{UserIDs: ch.Participants},
		models.NewDirectMessageChannelEvent{Channel: ch})
	if err != nil {
		f.degraded("new_dm_channel", ch.ID, "encode", err)
		return
	}
	f.enqueue(ctx, "new_dm_channel", ch.ID, env)
}

// PublishPresence is an extension point with no delivery semantics yet.
func (f *FanoutPublisher) PublishPresence(ctx context.Context, userID, channelID int64) error {
	return errs.NotImplemented("fanout.PublishPresence")
}

// PublishFlag is an extension point for flagged-message notifications.
func (f *FanoutPublisher) PublishFlag(ctx context.Context, ch models.Channel, msg models.Message, flaggerID int64) error {
	return errs.NotImplemented("fanout.PublishFlag")
}

// Close stops accepting events and waits until queued ones are delivered.
func (f *FanoutPublisher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, shard := range f.shards {
		close(shard)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

type envelopeSpec struct {
	topic   string
	payload any
}

func (f *FanoutPublisher) publishLifecycle(ctx context.Context, ch models.Channel, ev models.MessageEvent, extra ...envelopeSpec) {
	kind := string(ev.Type)
	ctx, span := otel.Tracer("chat-core/fanout").Start(ctx, "fanout.lifecycle",
		trace.WithAttributes(attribute.Int64("channel_id", ch.ID), attribute.String("event", kind)))
	defer span.End()

	audience, err := f.permissions.AudienceFor(ctx, ch)
	if err != nil {
		span.RecordError(err)
		f.degraded(kind, ch.ID, "audience", err)
		return
	}
	if audience.Empty() {
		f.log.Debug().Int64("channel_id", ch.ID).Str("event", kind).Msg("empty audience, nothing to publish")
		return
	}

	specs := append([]envelopeSpec{{topic: pubsub.ChannelTopic(ch.ID), payload: ev}}, extra...)
	envelopes := make([]pubsub.Envelope, 0, len(specs))
	for _, s := range specs {
		env, err := pubsub.NewEnvelope(s.topic, audience, s.payload)
		if err != nil {
			f.degraded(kind, ch.ID, "encode", err)
			return
		}
		envelopes = append(envelopes, env)
	}
	f.enqueue(ctx, kind, ch.ID, envelopes...)
}

func (f *FanoutPublisher) publishPrivate(ctx context.Context, kind string, channelID int64, topic string, userID int64, payload any) {
	env, err := pubsub.NewEnvelope(topic, pubsub.UserAudience(userID), payload)
	if err != nil {
		f.degraded(kind, channelID, "encode", err)
		return
	}
	f.enqueue(ctx, kind, channelID, env)
}

func (f *FanoutPublisher) enqueue(ctx context.Context, kind string, channelID int64, envelopes ...pubsub.Envelope) {
	job := fanoutJob{
		kind:      kind,
		channelID: channelID,
		envelopes: envelopes,
		headers:   observability.HeadersFromContext(ctx),
		span:      trace.SpanContextFromContext(ctx),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.degraded(kind, channelID, "closed", errors.New("publisher closed"))
		return
	}
	shard := f.shards[shardFor(channelID, len(f.shards))]
	select {
	case shard <- job:
	default:
		f.degraded(kind, channelID, "queue_full", errors.New("fan-out queue full"))
	}
}

func shardFor(channelID int64, n int) int {
	if channelID < 0 {
		channelID = -channelID
	}
	return int(channelID % int64(n))
}

func (f *FanoutPublisher) worker(jobs <-chan fanoutJob) {
	defer f.wg.Done()
	for job := range jobs {
		f.deliver(job)
	}
}

func (f *FanoutPublisher) deliver(job fanoutJob) {
	base := trace.ContextWithRemoteSpanContext(context.Background(), job.span)
	if id := job.headers["x-request-id"]; id != "" {
		base = observability.WithRequestID(base, id)
	}
	for _, env := range job.envelopes {
		ctx, cancel := context.WithTimeout(base, f.cfg.PublishTimeout)
		err := f.transport.Publish(ctx, env)
		cancel()
		if err != nil {
			reason := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			f.degraded(job.kind, job.channelID, reason, errs.Wrap(errs.KindDeliveryDegraded, env.Topic, err))
			continue
		}
		observability.IncEventPublished(job.kind)
	}
}

func (f *FanoutPublisher) degraded(kind string, channelID int64, reason string, err error) {
	observability.IncDeliveryDegraded(f.transport.Name(), reason)
	f.log.Warn().Err(err).
		Str("event", kind).
		Int64("channel_id", channelID).
		Str("reason", reason).
		Msg("fan-out delivery degraded")
}
