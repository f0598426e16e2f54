package chat

import (
	"sync"

	"chat-core/internal/errs"
	"chat-core/internal/models"
)

// MaxStagedIDLength bounds the client correlation token carried in events.
const MaxStagedIDLength = 128

// ValidateStagedID checks the length of a client token. The token is never
// inspected otherwise.
func ValidateStagedID(op string, stagedID *string) error {
	if stagedID != nil && len(*stagedID) > MaxStagedIDLength {
		return errs.InvalidState(op, "staged id longer than %d bytes", MaxStagedIDLength)
	}
	return nil
}

// Reconciler is the client side of staged sends: it keeps a local timeline,
// swaps optimistic placeholders for confirmed messages and drops duplicate
// deliveries. The server never depends on it.
type Reconciler struct {
	mu       sync.Mutex
	pending  map[string]int
	timeline []models.Message
	byID     map[int64]int
}

// NewReconciler returns an empty timeline.
func NewReconciler() *Reconciler {
	return &Reconciler{pending: make(map[string]int), byID: make(map[int64]int)}
}

// Track records an optimistic placeholder under its staged id.
func (r *Reconciler) Track(stagedID string, placeholder models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	placeholder.ID = 0
	r.timeline = append(r.timeline, placeholder)
	r.pending[stagedID] = len(r.timeline) - 1
}

// Apply folds a lifecycle event into the timeline. replaced is true when a
// sent event confirmed a tracked placeholder.
func (r *Reconciler) Apply(ev models.MessageEvent) (msg models.Message, replaced bool) {
	if ev.Message == nil {
		return models.Message{}, false
	}
	msg = *ev.Message

	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Type != models.EventSent {
		if i, ok := r.byID[msg.ID]; ok {
			r.timeline[i] = msg
		}
		return msg, false
	}

	if ev.StagedID != nil {
		if i, ok := r.pending[*ev.StagedID]; ok {
			delete(r.pending, *ev.StagedID)
			if _, dup := r.byID[msg.ID]; !dup {
				r.timeline[i] = msg
				r.byID[msg.ID] = i
				return msg, true
			}
			r.removeAt(i)
		}
	}
	if _, dup := r.byID[msg.ID]; dup {
		return msg, false
	}
	r.timeline = append(r.timeline, msg)
	r.byID[msg.ID] = len(r.timeline) - 1
	return msg, false
}

// removeAt drops slot i and shifts the indexes that follow it.
func (r *Reconciler) removeAt(i int) {
	r.timeline = append(r.timeline[:i], r.timeline[i+1:]...)
	for k, j := range r.pending {
		if j > i {
			r.pending[k] = j - 1
		}
	}
	for id, j := range r.byID {
		if j > i {
			r.byID[id] = j - 1
		}
	}
}

// Pending reports how many placeholders await confirmation.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Timeline returns confirmed messages and unconfirmed placeholders in display order.
func (r *Reconciler) Timeline() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.timeline...)
}
