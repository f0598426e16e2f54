package chat

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

// RepairPolicy decides where a dangling cursor is moved.
type RepairPolicy int

const (
	// RepairResetToLatest points the cursor at the channel's highest surviving
	// message, marking everything older as read.
	RepairResetToLatest RepairPolicy = iota
	// RepairResetToNull clears the cursor so the whole channel counts as unread.
	RepairResetToNull
)

// RepairOptions tunes a repair pass.
type RepairOptions struct {
	BatchSize int
	// BatchesPerSecond paces the scan; zero disables pacing.
	BatchesPerSecond float64
	Policy           RepairPolicy
}

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Scanned  int           `json:"scanned"`
	Deleted  int           `json:"deleted"`
	Reset    int           `json:"reset"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Changed reports whether the pass modified anything.
func (r RepairReport) Changed() bool {
	return r.Deleted > 0 || r.Reset > 0
}

// RepairCorruptedCursors deletes memberships of vanished channels and
// re-points cursors that reference missing messages. It pages through
// memberships in key order and changes each row with a compare-and-set, so
// it can run alongside appends and deletes and can be repeated safely. Rows
// that changed under it are skipped and picked up by the next pass.
func (r *MembershipRegistry) RepairCorruptedCursors(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	const op = "membership.RepairCorruptedCursors"
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BatchesPerSecond), 1)
	}

	var (
		report RepairReport
		after  repositories.MembershipKey
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		batch, err := r.store.ScanMemberships(ctx, after, opts.BatchSize)
		if err != nil {
			return report, classify(op, err)
		}
		if len(batch) == 0 {
			break
		}

		channels := make(map[int64]bool)
		for _, m := range batch {
			if err := r.repairOne(ctx, m, opts.Policy, channels, &report); err != nil {
				return report, err
			}
		}
		last := batch[len(batch)-1]
		after = repositories.MembershipKey{ChannelID: last.ChannelID, UserID: last.UserID}
		if len(batch) < opts.BatchSize {
			break
		}
	}

	report.Duration = time.Since(start)
	observability.AddCursorsRepaired("deleted", report.Deleted)
	observability.AddCursorsRepaired("reset", report.Reset)
	r.log.Info().
		Int("scanned", report.Scanned).
		Int("deleted", report.Deleted).
		Int("reset", report.Reset).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("cursor repair pass finished")
	return report, nil
}

func (r *MembershipRegistry) repairOne(ctx context.Context, m models.Membership, policy RepairPolicy, channels map[int64]bool, report *RepairReport) error {
	const op = "membership.repair"
	report.Scanned++

	exists, seen := channels[m.ChannelID]
	if !seen {
		var err error
		exists, err = r.store.ChannelExists(ctx, m.ChannelID)
		if err != nil {
			return classify(op, err)
		}
		channels[m.ChannelID] = exists
	}
	if !exists {
		deleted, err := r.store.DeleteMembershipIf(ctx, m.UserID, m.ChannelID, m.LastReadMessageID)
		if err != nil {
			return classify(op, err)
		}
		if deleted {
			report.Deleted++
			r.logCorrupted(m, "membership of destroyed channel deleted")
		} else {
			report.Skipped++
		}
		return nil
	}

	if m.LastReadMessageID == nil {
		return nil
	}
	ok, err := r.store.MessageExists(ctx, m.ChannelID, *m.LastReadMessageID)
	if err != nil {
		return classify(op, err)
	}
	if ok {
		return nil
	}

	var target *int64
	if policy == RepairResetToLatest {
		latest, err := r.store.LatestMessageID(ctx, m.ChannelID)
		if err != nil {
			return classify(op, err)
		}
		if latest > 0 {
			target = &latest
		}
	}
	swapped, err := r.store.CompareAndSetCursor(ctx, m.UserID, m.ChannelID, m.LastReadMessageID, target)
	if err != nil {
		return classify(op, err)
	}
	if swapped {
		report.Reset++
		r.logCorrupted(m, "dangling cursor reset")
	} else {
		report.Skipped++
	}
	return nil
}

func (r *MembershipRegistry) logCorrupted(m models.Membership, msg string) {
	ev := r.log.Info().
		Str("kind", errs.KindCorruptedCursor.String()).
		Int64("user_id", m.UserID).
		Int64("channel_id", m.ChannelID)
	if m.LastReadMessageID != nil {
		ev = ev.Int64("cursor", *m.LastReadMessageID)
	}
	ev.Msg(msg)
}
