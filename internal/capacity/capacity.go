// Package capacity guards an event's maximum-participant limit. Only
// attending states consume a slot; interested never does. The atomicity of
// the check-and-write lives in the store (a FOR UPDATE transaction in the
// postgres implementation), never in a read-then-write here.
package capacity

import (
	"context"

	"github.com/sanghaapp/sangha-events/internal/model"
)

// Store is the reservation surface the guard needs. The postgres
// implementation is repository.ParticipantRepository.
type Store interface {
	ReserveAttending(ctx context.Context, eventID, userID string, state model.ParticipationState) (*model.Participant, error)
	MarkCancelled(ctx context.Context, eventID, userID string) error
}

// Guard reserves and releases participation slots.
type Guard struct {
	store Store
}

// NewGuard constructs a Guard.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Reserve atomically claims a slot for the user. Paid events reserve in the
// pending-payment state; free events go straight to attending. On a full
// event the store returns repository.ErrCapacityExceeded and no payment
// intent must be created by the caller.
func (g *Guard) Reserve(ctx context.Context, event *model.Event, userID string) (*model.Participant, error) {
	state := model.StateAttendingPending
	if event.Free() {
		state = model.StateAttendingFree
	}
	return g.store.ReserveAttending(ctx, event.ID, userID, state)
}

// Release returns a non-paid slot to the pool, as the compensating action
// when a participant cancels or abandons an unpaid reservation.
func (g *Guard) Release(ctx context.Context, eventID, userID string) error {
	return g.store.MarkCancelled(ctx, eventID, userID)
}
