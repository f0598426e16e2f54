package chat

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

const excerptLength = 140

// DigestItem is one mention inside a digest.
type DigestItem struct {
	NotificationID int64     `json:"notification_id"`
	MessageID      int64     `json:"message_id"`
	AuthorID       int64     `json:"author_id"`
	Excerpt        string    `json:"excerpt"`
	MentionedAt    time.Time `json:"mentioned_at"`
}

// DigestChannel groups the mentions of one channel.
type DigestChannel struct {
	ChannelID int64        `json:"channel_id"`
	Name      string       `json:"name"`
	Items     []DigestItem `json:"items"`
}

// Digest is the summary handed to a sink for one user.
type Digest struct {
	UserID      int64           `json:"user_id"`
	Channels    []DigestChannel `json:"channels"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Count returns the number of mentions summarized.
func (d Digest) Count() int {
	n := 0
	for _, ch := range d.Channels {
		n += len(ch.Items)
	}
	return n
}

// DigestSink delivers a digest to the user, typically via a mailer.
type DigestSink interface {
	Deliver(ctx context.Context, digest Digest) error
}

// DigestReport summarizes a RunAll sweep.
type DigestReport struct {
	Users     int `json:"users"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// DigestAggregator batches unprocessed notification records into digests.
// Records are marked processed only after the sink accepted the digest, and
// only all together, so a failed pass is retried with the same records.
type DigestAggregator struct {
	store repositories.Store
	sink  DigestSink
	log   zerolog.Logger
	now   func() time.Time
}

func NewDigestAggregator(store repositories.Store, sink DigestSink, log zerolog.Logger) *DigestAggregator {
	return &DigestAggregator{
		store: store,
		sink:  sink,
		log:   log.With().Str("component", "digest").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CollectUnprocessed snapshots a user's unprocessed records grouped by
// channel and ordered by creation time inside each group.
func (d *DigestAggregator) CollectUnprocessed(ctx context.Context, userID int64) ([]models.NotificationRecord, error) {
	recs, err := d.store.ListUnprocessed(ctx, userID)
	return recs, classify("digest.CollectUnprocessed", err)
}

// MarkProcessed flips every record or none.
func (d *DigestAggregator) MarkProcessed(ctx context.Context, records []models.NotificationRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return classify("digest.MarkProcessed", d.store.MarkProcessed(ctx, ids, d.now()))
}

// UsersWithUnprocessed lists users a sweep has to visit.
func (d *DigestAggregator) UsersWithUnprocessed(ctx context.Context) ([]int64, error) {
	users, err := d.store.UsersWithUnprocessed(ctx)
	return users, classify("digest.UsersWithUnprocessed", err)
}

// RunPass collects, summarizes, delivers and marks one user's records. It
// returns false without side effects when nothing is pending.
func (d *DigestAggregator) RunPass(ctx context.Context, userID int64) (bool, error) {
	ctx, span := otel.Tracer("chat-core/digest").Start(ctx, "digest.pass",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	records, err := d.CollectUnprocessed(ctx, userID)
	if err != nil {
		return false, d.failed(span, userID, "collect", err)
	}
	if len(records) == 0 {
		observability.IncDigestPass("empty")
		return false, nil
	}

	digest, err := d.Summarize(ctx, userID, records)
	if err != nil {
		return false, d.failed(span, userID, "summarize", err)
	}
	if err := d.sink.Deliver(ctx, digest); err != nil {
		return false, d.failed(span, userID, "deliver", err)
	}
	if err := d.MarkProcessed(ctx, records); err != nil {
		return false, d.failed(span, userID, "mark", err)
	}

	observability.IncDigestPass("delivered")
	d.log.Info().Int64("user_id", userID).Int("records", len(records)).Msg("digest delivered")
	return true, nil
}

// RunAll runs a pass for every user with pending records. A failing user
// does not stop the sweep.
func (d *DigestAggregator) RunAll(ctx context.Context) (DigestReport, error) {
	users, err := d.UsersWithUnprocessed(ctx)
	if err != nil {
		return DigestReport{}, err
	}
	report := DigestReport{Users: len(users)}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		delivered, err := d.RunPass(ctx, userID)
		switch {
		case err != nil:
			report.Failed++
		case delivered:
			report.Delivered++
		}
	}
	return report, nil
}

// Summarize builds the digest body. Records whose message has been purged
// since collection fail the pass so the next sweep sees a consistent set.
func (d *DigestAggregator) Summarize(ctx context.Context, userID int64, records []models.NotificationRecord) (Digest, error) {
	const op = "digest.Summarize"
	digest := Digest{UserID: userID, GeneratedAt: d.now()}
	var current *DigestChannel
	for _, rec := range records {
		if current == nil || current.ChannelID != rec.ChannelID {
			ch, err := d.store.GetChannel(ctx, rec.ChannelID)
			if err != nil {
				return Digest{}, classify(op, err)
			}
			digest.Channels = append(digest.Channels, DigestChannel{ChannelID: ch.ID, Name: ch.Name})
			current = &digest.Channels[len(digest.Channels)-1]
		}
		msg, err := d.store.GetMessage(ctx, rec.ChannelID, rec.MessageID)
		if err != nil {
			return Digest{}, classify(op, err)
		}
		excerpt := ""
		if !msg.Deleted() {
			excerpt = truncate(msg.Body, excerptLength)
		}
		current.Items = append(current.Items, DigestItem{
			NotificationID: rec.ID,
			MessageID:      msg.ID,
			AuthorID:       msg.AuthorID,
			Excerpt:        excerpt,
			MentionedAt:    rec.CreatedAt,
		})
	}
	return digest, nil
}

func (d *DigestAggregator) failed(span trace.Span, userID int64, stage string, err error) error {
	span.RecordError(err)
	observability.IncDigestPass("failed")
	level := zerolog.ErrorLevel
	if errors.Is(err, errs.ErrInvalidState) {
		level = zerolog.WarnLevel
	}
	d.log.WithLevel(level).Err(err).Int64("user_id", userID).Str("stage", stage).
		Msg("digest pass failed, records left unprocessed")
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

// LogSink writes digests to the process log. It stands in for a mailer in
// development.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, digest Digest) error {
	s.Log.Info().
		Int64("user_id", digest.UserID).
		Int("channels", len(digest.Channels)).
		Int("mentions", digest.Count()).
		Msg("digest")
	return nil
}
