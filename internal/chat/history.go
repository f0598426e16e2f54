package chat

import (
	"context"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// MaxPageSize caps every history page.
const MaxPageSize = 50

// HistoryQuery bounds a history read. With AfterID set pages move forward in
// time, otherwise they move backward from BeforeID (or the newest message).
type HistoryQuery struct {
	BeforeID int64
	AfterID  int64
	PageSize int
}

// ClampPageSize forces size into [1, MaxPageSize]. Zero means unspecified
// and reads full pages.
func ClampPageSize(size int) int {
	switch {
	case size == 0:
		return MaxPageSize
	case size < 1:
		return 1
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

// HistoryIterator walks a channel log page by page. Every page is in
// ascending id order. The walk always terminates because each page moves the
// bound strictly past the ids it returned.
type HistoryIterator struct {
	repo      repositories.MessageRepository
	channelID int64
	initial   HistoryQuery
	pageSize  int
	forward   bool

	before int64
	after  int64
	done   bool
}

func newHistoryIterator(repo repositories.MessageRepository, channelID int64, q HistoryQuery) *HistoryIterator {
	it := &HistoryIterator{
		repo:      repo,
		channelID: channelID,
		initial:   q,
		pageSize:  ClampPageSize(q.PageSize),
		forward:   q.AfterID > 0,
	}
	it.Reset()
	return it
}

// PageSize reports the effective page size after clamping.
func (it *HistoryIterator) PageSize() int { return it.pageSize }

// Reset rewinds the iterator to its original bounds.
func (it *HistoryIterator) Reset() {
	it.before = it.initial.BeforeID
	it.after = it.initial.AfterID
	it.done = it.before > 0 && it.after > 0 && it.after+1 >= it.before
}

// Next returns the next page. ok is false once the sequence is exhausted.
func (it *HistoryIterator) Next(ctx context.Context) (page []models.Message, ok bool, err error) {
	if it.done {
		return nil, false, nil
	}
	page, err = it.repo.ListMessages(ctx, it.channelID, repositories.MessageQuery{
		BeforeID: it.before,
		AfterID:  it.after,
		Limit:    it.pageSize,
	})
	if err != nil {
		return nil, false, classify("history.Next", err)
	}
	if len(page) < it.pageSize {
		it.done = true
	}
	if len(page) == 0 {
		return nil, false, nil
	}
	if it.forward {
		it.after = page[len(page)-1].ID
	} else {
		it.before = page[0].ID
	}
	return page, true, nil
}

// All drains the iterator from its current position.
func (it *HistoryIterator) All(ctx context.Context) ([]models.Message, error) {
	var out []models.Message
	for {
		page, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if it.forward {
			out = append(out, page...)
		} else {
			out = append(page, out...)
		}
	}
}
