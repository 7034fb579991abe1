// Package model defines the core domain types for event participation,
// payment orchestration, and workshop access.
package model

import "time"

// ParticipationState is the combined participation/payment state of a user's
// relationship to an event. It is a single variant rather than two
// independent status fields so that illegal combinations (e.g. a refunded
// participant that was never paid) cannot be stored.
type ParticipationState string

const (
	// StateInterested marks a user following an event without holding a
	// capacity slot.
	StateInterested ParticipationState = "interested"
	// StateAttendingFree holds a slot for a free event; no payment exists.
	StateAttendingFree ParticipationState = "attending_free"
	// StateAttendingPending holds a slot while a payment intent awaits
	// confirmation.
	StateAttendingPending ParticipationState = "attending_pending"
	// StateAttendingPaid holds a slot backed by a confirmed payment.
	StateAttendingPaid ParticipationState = "attending_paid"
	// StateCancelled releases the slot; no refund was owed.
	StateCancelled ParticipationState = "cancelled"
	// StateRefunded releases the slot after a refund of a paid participation.
	StateRefunded ParticipationState = "refunded"
)

// AttendingStates are the states that consume a capacity slot.
var AttendingStates = []ParticipationState{
	StateAttendingFree, StateAttendingPending, StateAttendingPaid,
}

// ConsumesCapacity reports whether the state holds a capacity slot.
func (s ParticipationState) ConsumesCapacity() bool {
	switch s {
	case StateAttendingFree, StateAttendingPending, StateAttendingPaid:
		return true
	}
	return false
}

// ParticipationStatus derives the external participation status
// (interested / attending / cancelled) from the combined state.
func (s ParticipationState) ParticipationStatus() string {
	switch s {
	case StateInterested:
		return "interested"
	case StateAttendingFree, StateAttendingPending, StateAttendingPaid:
		return "attending"
	case StateCancelled, StateRefunded:
		return "cancelled"
	}
	return ""
}

// PaymentStatus derives the external payment status
// (none / pending / paid / refunded) from the combined state.
func (s ParticipationState) PaymentStatus() string {
	switch s {
	case StateInterested, StateAttendingFree, StateCancelled:
		return "none"
	case StateAttendingPending:
		return "pending"
	case StateAttendingPaid:
		return "paid"
	case StateRefunded:
		return "refunded"
	}
	return ""
}

// Event is a bookable gathering created by an organizer. Workshops are
// events carrying the recording/archive fields; a plain event leaves them
// zero-valued.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`

	// Fee is in the currency's smallest unit; 0 means free.
	Fee      int64  `json:"fee"`
	Currency string `json:"currency"`

	// MaxParticipants is nil for unlimited events.
	MaxParticipants *int `json:"max_participants"`

	CreatedBy string `json:"created_by"`
	Cancelled bool   `json:"cancelled"`
	Online    bool   `json:"online"`
	Location  string `json:"location,omitempty"`

	IsRecorded       bool       `json:"is_recorded"`
	ArchiveExpiresAt *time.Time `json:"archive_expires_at,omitempty"`
	ArchivePrice     int64      `json:"archive_price,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Free reports whether joining the event requires no payment.
func (e *Event) Free() bool { return e.Fee <= 0 }

// Participant is one participation attempt by a user for one event. Rows
// are never hard-deleted or overwritten: cancellation is a state transition
// and a re-join opens a new row, so the payment audit trail survives.
type Participant struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`

	State ParticipationState `json:"-"`

	// PaymentIntentID is set once a provider intent exists for this
	// participation.
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
	// RefundID is set when a paid participation was refunded.
	RefundID *string `json:"refund_id,omitempty"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View returns the external representation with the two derived statuses.
func (p *Participant) View() ParticipantView {
	return ParticipantView{
		ID:                  p.ID,
		EventID:             p.EventID,
		UserID:              p.UserID,
		ParticipationStatus: p.State.ParticipationStatus(),
		PaymentStatus:       p.State.PaymentStatus(),
		CreatedAt:           p.CreatedAt,
	}
}

// ParticipantView is the external representation of a participant.
type ParticipantView struct {
	ID                  string    `json:"id"`
	EventID             string    `json:"event_id"`
	UserID              string    `json:"user_id"`
	ParticipationStatus string    `json:"participation_status"`
	PaymentStatus       string    `json:"payment_status"`
	CreatedAt           time.Time `json:"created_at"`
}

// ArchivePurchaseStatus tracks an archive purchase through payment.
type ArchivePurchaseStatus string

const (
	ArchivePurchasePending   ArchivePurchaseStatus = "pending"
	ArchivePurchaseCompleted ArchivePurchaseStatus = "completed"
)

// ArchivePurchase grants a non-participant time-bounded access to a recorded
// workshop. ExpiresAt is copied from the workshop's archive policy when the
// purchase completes and never changes afterwards.
type ArchivePurchase struct {
	ID              string                `json:"id"`
	WorkshopID      string                `json:"workshop_id"`
	UserID          string                `json:"user_id"`
	PaymentIntentID string                `json:"-"`
	Status          ArchivePurchaseStatus `json:"status"`
	PurchasedAt     *time.Time            `json:"purchased_at,omitempty"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

// WebhookRecord is one processed provider webhook delivery, kept for
// at-least-once deduplication.
type WebhookRecord struct {
	DeliveryID  string    `json:"delivery_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// CreateEventRequest is the payload for creating a new event or workshop.
type CreateEventRequest struct {
	Title           string     `json:"title" validate:"required"`
	Description     string     `json:"description"`
	StartsAt        time.Time  `json:"starts_at" validate:"required"`
	EndsAt          time.Time  `json:"ends_at" validate:"required"`
	Fee             int64      `json:"fee" validate:"gte=0"`
	Currency        string     `json:"currency" validate:"omitempty,len=3"`
	MaxParticipants *int       `json:"max_participants" validate:"omitempty,gt=0"`
	Online          bool       `json:"online"`
	Location        string     `json:"location"`
	IsRecorded      bool       `json:"is_recorded"`
	ArchiveExpiry   *time.Time `json:"archive_expires_at"`
	ArchivePrice    int64      `json:"archive_price" validate:"gte=0"`
}

// JoinRequest is the payload for joining an event.
type JoinRequest struct {
	Status  string `json:"status" validate:"required,oneof=interested attending"`
	Message string `json:"message"`
}

// ConfirmPaymentRequest carries the intent id the client finished paying.
type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

// CancelParticipationRequest carries the cancellation reason.
type CancelParticipationRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
