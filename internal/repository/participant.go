package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sanghaapp/sangha-events/internal/model"
)

// ErrInvalidTransition is returned when a state update is attempted from a
// state that does not allow it.
var ErrInvalidTransition = errors.New("invalid participation state transition")

const participantColumns = `id, event_id, user_id, state, payment_intent_id,
	refund_id, message, created_at, updated_at`

// liveStates mirrors the uq_participants_live index predicate: the states a
// user may hold at most one row in per event. Cancelled and refunded rows
// fall outside it and accumulate as history.
const liveStates = `('interested', 'attending_free', 'attending_pending', 'attending_paid')`

// ParticipantRepository handles persistence for participation records.
type ParticipantRepository struct {
	db *pgxpool.Pool
}

// NewParticipantRepository constructs a ParticipantRepository.
func NewParticipantRepository(db *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var p model.Participant
	err := row.Scan(
		&p.ID, &p.EventID, &p.UserID, &p.State, &p.PaymentIntentID,
		&p.RefundID, &p.Message, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

// Get returns the newest participation record for one (event, user) pair.
// Earlier cancelled or refunded attempts stay behind as history; current
// operations act on the latest row.
func (r *ParticipantRepository) Get(ctx context.Context, eventID, userID string) (*model.Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participantColumns+`
		 FROM participants WHERE event_id = $1 AND user_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		eventID, userID,
	)
	return scanParticipant(row)
}

// GetByIntent returns the participation record holding a payment intent.
// Used by the webhook path, which only knows the intent id.
func (r *ParticipantRepository) GetByIntent(ctx context.Context, intentID string) (*model.Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE payment_intent_id = $1`,
		intentID,
	)
	return scanParticipant(row)
}

// SetInterested creates or updates a record with the interested state.
// Interested never consumes capacity, so no locking is needed; a user
// already holding a slot cannot silently downgrade out of it.
func (r *ParticipantRepository) SetInterested(ctx context.Context, eventID, userID, message string) (*model.Participant, error) {
	existing, err := r.Get(ctx, eventID, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.State.ConsumesCapacity() {
		return nil, ErrAlreadyAttending
	}

	now := time.Now().UTC()
	p := &model.Participant{
		ID:        uuid.New().String(),
		EventID:   eventID,
		UserID:    userID,
		State:     model.StateInterested,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO participants (id, event_id, user_id, state, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id, user_id) WHERE state IN `+liveStates+` DO UPDATE
		 SET state = EXCLUDED.state, message = EXCLUDED.message, updated_at = EXCLUDED.updated_at
		 RETURNING `+participantColumns,
		p.ID, p.EventID, p.UserID, p.State, p.Message, p.CreatedAt, p.UpdatedAt,
	)
	return scanParticipant(row)
}

// ReserveAttending atomically claims a capacity slot and writes the
// participation record in the given attending state.
//
// Two users racing for the last slot is a real race: a naive
// count-then-insert lets both see free capacity and overbooks the event.
// The events row is therefore locked with SELECT ... FOR UPDATE for the
// duration of the transaction, which serialises concurrent reservations on
// the same event. The attending count, the capacity check and the upsert
// all happen under that lock.
func (r *ParticipantRepository) ReserveAttending(ctx context.Context, eventID, userID string, state model.ParticipationState) (*model.Participant, error) {
	if !state.ConsumesCapacity() {
		return nil, fmt.Errorf("reserve with non-attending state %q: %w", state, ErrInvalidTransition)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Lock the event row. Concurrent reservations block here until commit.
	var maxParticipants *int
	var cancelled bool
	err = tx.QueryRow(ctx,
		`SELECT max_participants, cancelled FROM events WHERE id = $1 FOR UPDATE`,
		eventID,
	).Scan(&maxParticipants, &cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock event row: %w", err)
	}
	if cancelled {
		err = ErrNotFound
		return nil, err
	}

	// A user already holding a slot must not reserve a second one. Only
	// the live row matters; cancelled and refunded attempts are history.
	var existingState *model.ParticipationState
	err = tx.QueryRow(ctx,
		`SELECT state FROM participants
		 WHERE event_id = $1 AND user_id = $2 AND state IN `+liveStates,
		eventID, userID,
	).Scan(&existingState)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing participation: %w", err)
	}
	err = nil
	if existingState != nil && existingState.ConsumesCapacity() {
		err = ErrAlreadyAttending
		return nil, err
	}

	// Capacity check under the lock. NULL max means unlimited.
	if maxParticipants != nil {
		var attending int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM participants
			 WHERE event_id = $1
			   AND state IN ('attending_free', 'attending_pending', 'attending_paid')`,
			eventID,
		).Scan(&attending)
		if err != nil {
			return nil, fmt.Errorf("count attending: %w", err)
		}
		if attending >= *maxParticipants {
			err = ErrCapacityExceeded
			return nil, err
		}
	}

	now := time.Now().UTC()
	p := &model.Participant{
		ID:        uuid.New().String(),
		EventID:   eventID,
		UserID:    userID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// A conflict can only be with an interested row (attending was rejected
	// above), which carries no payment ids, so the upgrade is in place.
	// Re-joining after a cancellation or refund inserts a fresh row and the
	// prior attempt keeps its intent and refund ids.
	row := tx.QueryRow(ctx,
		`INSERT INTO participants (id, event_id, user_id, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id, user_id) WHERE state IN `+liveStates+` DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		 RETURNING `+participantColumns,
		p.ID, p.EventID, p.UserID, p.State, p.CreatedAt, p.UpdatedAt,
	)
	p, err = scanParticipant(row)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return p, nil
}

// SetPaymentIntent attaches a provider intent to a pending participation.
func (r *ParticipantRepository) SetPaymentIntent(ctx context.Context, participantID, intentID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET payment_intent_id = $2, updated_at = NOW()
		 WHERE id = $1 AND state = 'attending_pending'`,
		participantID, intentID,
	)
	if err != nil {
		return fmt.Errorf("set payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkPaid transitions attending_pending to attending_paid. Returns false
// without error when the record is already paid, making the transition
// idempotent across the direct-confirm and webhook channels.
func (r *ParticipantRepository) MarkPaid(ctx context.Context, participantID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET state = 'attending_paid', updated_at = NOW()
		 WHERE id = $1 AND state = 'attending_pending'`,
		participantID,
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var state model.ParticipationState
	err = r.db.QueryRow(ctx, `SELECT state FROM participants WHERE id = $1`, participantID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("check participant state: %w", err)
	}
	if state == model.StateAttendingPaid {
		return false, nil
	}
	return false, fmt.Errorf("mark paid from %q: %w", state, ErrInvalidTransition)
}

// MarkRefunded transitions attending_paid to refunded, recording the
// provider refund id. Refunded is only reachable from paid.
func (r *ParticipantRepository) MarkRefunded(ctx context.Context, participantID, refundID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET state = 'refunded', refund_id = $2, updated_at = NOW()
		 WHERE id = $1 AND state = 'attending_paid'`,
		participantID, refundID,
	)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkCancelled transitions a non-paid record to cancelled, releasing its
// slot if it held one. Paid records must be refunded instead.
func (r *ParticipantRepository) MarkCancelled(ctx context.Context, eventID, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET state = 'cancelled', updated_at = NOW()
		 WHERE event_id = $1 AND user_id = $2
		   AND state IN ('interested', 'attending_free', 'attending_pending')`,
		eventID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ListByEvent returns every participation record for an event, cancelled
// rows included, ordered by creation time.
func (r *ParticipantRepository) ListByEvent(ctx context.Context, eventID string) ([]model.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+`
		 FROM participants WHERE event_id = $1 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListByStates returns the event's participants in any of the given states.
func (r *ParticipantRepository) ListByStates(ctx context.Context, eventID string, states ...model.ParticipationState) ([]model.Participant, error) {
	strs := make([]string, len(states))
	for i, s := range states {
		strs[i] = string(s)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+`
		 FROM participants WHERE event_id = $1 AND state = ANY($2) ORDER BY created_at ASC`,
		eventID, strs,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants by state: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
