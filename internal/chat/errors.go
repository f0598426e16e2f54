package chat

import (
	"errors"

	"chat-core/internal/errs"
	"chat-core/internal/repositories"
)

// classify maps repository sentinels onto the error taxonomy. Unknown
// failures are wrapped without a kind so callers treat them as internal.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errs.KindOf(err) != errs.KindUnknown:
		return err
	case errors.Is(err, repositories.ErrChannelNotFound),
		errors.Is(err, repositories.ErrMessageNotFound),
		errors.Is(err, repositories.ErrMembershipNotFound),
		errors.Is(err, repositories.ErrWebhookNotFound):
		return errs.Wrap(errs.KindNotFound, op, err)
	case errors.Is(err, repositories.ErrMessageStateConflict),
		errors.Is(err, repositories.ErrNotificationConflict):
		return errs.Wrap(errs.KindInvalidState, op, err)
	default:
		return &errs.Error{Kind: errs.KindUnknown, Op: op, Err: err}
	}
}
