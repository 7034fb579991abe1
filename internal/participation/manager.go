// Package participation owns the participant state machine: joining events,
// reconciling payment confirmations from the direct and webhook channels,
// and cancellation with refunds.
package participation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sanghaapp/sangha-events/internal/model"
	"github.com/sanghaapp/sangha-events/internal/payment"
	"github.com/sanghaapp/sangha-events/internal/repository"
)

// ErrEventCancelled is returned when joining a cancelled event.
var ErrEventCancelled = errors.New("event is cancelled")

// ErrAlreadyCancelled is returned when cancelling a participation twice.
var ErrAlreadyCancelled = errors.New("participation already cancelled")

// ErrUnauthorized is returned when acting on another user's participation
// or a non-owned event.
var ErrUnauthorized = errors.New("not allowed")

// ErrRefundNotEligible is returned when a refund is attempted on a
// participation that is not paid.
var ErrRefundNotEligible = errors.New("participation is not refundable")

// EventStore is the read/cancel surface of the event catalog.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
	MarkCancelled(ctx context.Context, id string) error
}

// ParticipantStore persists participation records and their transitions.
type ParticipantStore interface {
	Get(ctx context.Context, eventID, userID string) (*model.Participant, error)
	GetByIntent(ctx context.Context, intentID string) (*model.Participant, error)
	SetInterested(ctx context.Context, eventID, userID, message string) (*model.Participant, error)
	SetPaymentIntent(ctx context.Context, participantID, intentID string) error
	MarkPaid(ctx context.Context, participantID string) (bool, error)
	MarkRefunded(ctx context.Context, participantID, refundID string) error
	ListByEvent(ctx context.Context, eventID string) ([]model.Participant, error)
	ListByStates(ctx context.Context, eventID string, states ...model.ParticipationState) ([]model.Participant, error)
}

// CapacityGuard reserves and releases participation slots.
type CapacityGuard interface {
	Reserve(ctx context.Context, event *model.Event, userID string) (*model.Participant, error)
	Release(ctx context.Context, eventID, userID string) error
}

// WebhookLog deduplicates at-least-once webhook deliveries.
type WebhookLog interface {
	Seen(ctx context.Context, deliveryID string) (bool, error)
	MarkProcessed(ctx context.Context, deliveryID, eventType string) (bool, error)
}

// ArchiveConfirmer completes archive purchases from the webhook channel.
// Intents unknown to the participant store are routed here.
type ArchiveConfirmer interface {
	CompleteByIntent(ctx context.Context, intentID string) error
}

// Manager drives the participation/payment state machine. Every dependency
// is constructor-injected so the machine can be exercised against fakes.
type Manager struct {
	events       EventStore
	participants ParticipantStore
	guard        CapacityGuard
	provider     payment.Provider
	webhooks     WebhookLog
	archives     ArchiveConfirmer
	refundPolicy RefundPolicy
	log          zerolog.Logger
}

// NewManager constructs a Manager. A nil refundPolicy defaults to a full
// refund; archives may be nil when no archive flow exists.
func NewManager(
	events EventStore,
	participants ParticipantStore,
	guard CapacityGuard,
	provider payment.Provider,
	webhooks WebhookLog,
	archives ArchiveConfirmer,
	refundPolicy RefundPolicy,
	log zerolog.Logger,
) *Manager {
	if refundPolicy == nil {
		refundPolicy = FullRefund
	}
	return &Manager{
		events:       events,
		participants: participants,
		guard:        guard,
		provider:     provider,
		webhooks:     webhooks,
		archives:     archives,
		refundPolicy: refundPolicy,
		log:          log,
	}
}

// JoinResult is the outcome of a join attempt. ClientSecret is set only
// when a payment is required; the client completes the payment with it.
type JoinResult struct {
	ParticipantID   string `json:"participant_id"`
	PaymentRequired bool   `json:"payment_required"`
	ClientSecret    string `json:"payment_intent_client_secret,omitempty"`
}

// CancelResult is the outcome of a cancellation.
type CancelResult struct {
	Refunded     bool   `json:"refunded"`
	RefundAmount int64  `json:"refund_amount,omitempty"`
	RefundID     string `json:"-"`
}

// Join registers the user for an event.
//
// interested never touches capacity or the payment provider. attending
// reserves a slot first; a full event fails the attempt before any provider
// call, so no orphaned intents are created. For paid events the intent is
// created only after a successful reservation.
//
// A payment-creation failure leaves the reservation in place for the caller
// to retry or cancel explicitly. Reserved-but-unpaid slots have no
// automatic expiry; defining a reservation TTL and reaper is an open
// product decision.
func (m *Manager) Join(ctx context.Context, eventID, userID, desiredStatus, message string) (*JoinResult, error) {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Cancelled {
		return nil, ErrEventCancelled
	}

	if desiredStatus == "interested" {
		p, err := m.participants.SetInterested(ctx, eventID, userID, message)
		if err != nil {
			return nil, err
		}
		return &JoinResult{ParticipantID: p.ID, PaymentRequired: false}, nil
	}

	p, err := m.guard.Reserve(ctx, event, userID)
	if err != nil {
		return nil, err
	}

	if event.Free() {
		return &JoinResult{ParticipantID: p.ID, PaymentRequired: false}, nil
	}

	intent, err := m.provider.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:   event.Fee,
		Currency: event.Currency,
		Metadata: map[string]string{
			"event_id": event.ID,
			"user_id":  userID,
			"purpose":  "event_fee",
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("event_id", eventID).Str("user_id", userID).
			Msg("payment intent creation failed, reservation kept")
		return nil, err
	}

	if err := m.participants.SetPaymentIntent(ctx, p.ID, intent.ID); err != nil {
		return nil, err
	}

	return &JoinResult{
		ParticipantID:   p.ID,
		PaymentRequired: true,
		ClientSecret:    intent.ClientSecret,
	}, nil
}

// ConfirmPayment applies the paid transition via the direct channel. It is
// idempotent: a participation that is already paid returns success without
// touching the provider. A provider failure leaves the participant pending
// with the slot reserved, so the caller can retry or cancel explicitly.
func (m *Manager) ConfirmPayment(ctx context.Context, intentID, eventID, userID string) error {
	p, err := m.participants.Get(ctx, eventID, userID)
	if err != nil {
		return err
	}
	if p.PaymentIntentID == nil || *p.PaymentIntentID != intentID {
		return fmt.Errorf("intent %s: %w", intentID, repository.ErrNotFound)
	}
	if p.State == model.StateAttendingPaid {
		return nil
	}
	if p.State != model.StateAttendingPending {
		return fmt.Errorf("confirm from %q: %w", p.State, repository.ErrInvalidTransition)
	}

	intent, err := m.provider.ConfirmIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != payment.IntentSucceeded {
		return &payment.ProviderError{
			Code:    "payment_incomplete",
			Message: fmt.Sprintf("payment intent status is %s", intent.Status),
		}
	}

	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if intent.Amount != event.Fee {
		return &payment.ProviderError{
			Code:    "amount_mismatch",
			Message: fmt.Sprintf("confirmed amount %d does not match event fee %d", intent.Amount, event.Fee),
		}
	}

	applied, err := m.participants.MarkPaid(ctx, p.ID)
	if err != nil {
		return err
	}
	if !applied {
		// The webhook channel got there first.
		m.log.Debug().Str("intent_id", intentID).Msg("payment already applied")
	}
	return nil
}

// HandleWebhookEvent reconciles an asynchronous provider notification with
// local state. Deliveries already in the processed log are acknowledged
// without rework. Everything else is applied first and recorded only once
// the state change has landed: a transient failure mid-processing leaves
// the delivery id unconsumed, so the provider's redelivery gets a full
// second attempt instead of a hollow acknowledgement. The paid transition
// itself is conditional on current state, so a webhook arriving after (or
// instead of) the direct confirm never double-applies payment.
func (m *Manager) HandleWebhookEvent(ctx context.Context, event *payment.VerifiedEvent) error {
	seen, err := m.webhooks.Seen(ctx, event.DeliveryID)
	if err != nil {
		return err
	}
	if seen {
		m.log.Debug().Str("delivery_id", event.DeliveryID).Msg("duplicate webhook delivery ignored")
		return nil
	}

	if err := m.applyPaymentEvent(ctx, event); err != nil {
		return err
	}

	if _, err := m.webhooks.MarkProcessed(ctx, event.DeliveryID, event.Type); err != nil {
		return err
	}
	return nil
}

func (m *Manager) applyPaymentEvent(ctx context.Context, event *payment.VerifiedEvent) error {
	if event.Type != payment.EventPaymentSucceeded {
		m.log.Debug().Str("type", event.Type).Msg("unhandled webhook type")
		return nil
	}

	p, err := m.participants.GetByIntent(ctx, event.IntentID)
	if errors.Is(err, repository.ErrNotFound) {
		if m.archives != nil {
			if aerr := m.archives.CompleteByIntent(ctx, event.IntentID); aerr == nil {
				return nil
			} else if !errors.Is(aerr, repository.ErrNotFound) {
				return aerr
			}
		}
		// Unknown intents are acknowledged so the provider stops retrying.
		m.log.Warn().Str("intent_id", event.IntentID).Msg("webhook for unknown intent")
		return nil
	}
	if err != nil {
		return err
	}

	ev, err := m.events.GetByID(ctx, p.EventID)
	if err != nil {
		return err
	}
	if event.Amount != ev.Fee {
		// Never mark paid off a mismatched amount. The error keeps the
		// delivery unconsumed, so the anomaly surfaces on every redelivery
		// until someone investigates.
		return fmt.Errorf("webhook amount %d does not match fee %d for intent %s",
			event.Amount, ev.Fee, event.IntentID)
	}

	applied, err := m.participants.MarkPaid(ctx, p.ID)
	if err != nil {
		return err
	}
	if applied {
		m.log.Info().Str("intent_id", event.IntentID).Str("participant_id", p.ID).
			Msg("payment applied via webhook")
	}
	return nil
}

// Cancel cancels the user's participation. A paid participation is refunded
// per the configured policy before its slot is released; anything else
// releases the slot (or drops interest) directly.
func (m *Manager) Cancel(ctx context.Context, eventID, userID, reason string) (*CancelResult, error) {
	p, err := m.participants.Get(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}

	switch p.State {
	case model.StateCancelled, model.StateRefunded:
		return nil, ErrAlreadyCancelled

	case model.StateAttendingPaid:
		event, err := m.events.GetByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		amount := m.refundPolicy(event.Fee)
		if amount < 0 {
			amount = 0
		}
		if amount > event.Fee {
			amount = event.Fee
		}

		if amount == 0 {
			// Policy keeps the whole fee; no provider call to make. The
			// record still moves to refunded (the terminal state for a
			// paid participation), but with an empty refund id and
			// Refunded=false in the result: that combination is how
			// "cancelled, fee retained" reads in the audit trail.
			if err := m.participants.MarkRefunded(ctx, p.ID, ""); err != nil {
				return nil, mapRefundErr(err)
			}
			return &CancelResult{Refunded: false}, nil
		}

		refund, err := m.provider.CreateRefund(ctx, payment.RefundParams{
			IntentID: *p.PaymentIntentID,
			Amount:   amount,
			Reason:   reason,
		})
		if err != nil {
			return nil, err
		}
		if err := m.participants.MarkRefunded(ctx, p.ID, refund.ID); err != nil {
			return nil, mapRefundErr(err)
		}
		return &CancelResult{Refunded: true, RefundAmount: refund.Amount, RefundID: refund.ID}, nil

	default:
		if err := m.guard.Release(ctx, eventID, userID); err != nil {
			return nil, err
		}
		return &CancelResult{Refunded: false}, nil
	}
}

func mapRefundErr(err error) error {
	if errors.Is(err, repository.ErrInvalidTransition) {
		return ErrRefundNotEligible
	}
	return err
}

// CancelEvent cancels an event on behalf of its organizer and compensates
// every participant: paid slots are refunded in full (the organizer
// cancelled, so no cancellation fee applies), everything else is released.
func (m *Manager) CancelEvent(ctx context.Context, eventID, requesterID, reason string) (int, error) {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if event.CreatedBy != requesterID {
		return 0, ErrUnauthorized
	}
	if err := m.events.MarkCancelled(ctx, eventID); err != nil {
		return 0, err
	}

	refunded := 0
	paid, err := m.participants.ListByStates(ctx, eventID, model.StateAttendingPaid)
	if err != nil {
		return 0, err
	}
	for _, p := range paid {
		refund, err := m.provider.CreateRefund(ctx, payment.RefundParams{
			IntentID: *p.PaymentIntentID,
			Amount:   event.Fee,
			Reason:   reason,
		})
		if err != nil {
			// Keep going; the remaining participants still deserve their
			// refunds. Failures stay paid for a later retry.
			m.log.Error().Err(err).Str("participant_id", p.ID).Msg("refund on event cancellation failed")
			continue
		}
		if err := m.participants.MarkRefunded(ctx, p.ID, refund.ID); err != nil {
			m.log.Error().Err(err).Str("participant_id", p.ID).Msg("refund state update failed")
			continue
		}
		refunded++
	}

	open, err := m.participants.ListByStates(ctx, eventID,
		model.StateInterested, model.StateAttendingFree, model.StateAttendingPending)
	if err != nil {
		return refunded, err
	}
	for _, p := range open {
		if err := m.guard.Release(ctx, eventID, p.UserID); err != nil {
			m.log.Error().Err(err).Str("participant_id", p.ID).Msg("release on event cancellation failed")
		}
	}

	return refunded, nil
}

// ListParticipants returns an event's full participation history to its
// organizer, cancelled rows included.
func (m *Manager) ListParticipants(ctx context.Context, eventID, requesterID string) ([]model.Participant, error) {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.CreatedBy != requesterID {
		return nil, ErrUnauthorized
	}
	return m.participants.ListByEvent(ctx, eventID)
}
