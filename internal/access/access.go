// Package access computes workshop access: time-windowed live-room entry
// for attending participants, and expiry-gated archive access including
// paid archive purchase by non-participants.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanghaapp/sangha-events/internal/model"
	"github.com/sanghaapp/sangha-events/internal/payment"
	"github.com/sanghaapp/sangha-events/internal/repository"
)

// ErrAlreadyHasAccess is returned when purchasing archive access the user
// already holds.
var ErrAlreadyHasAccess = errors.New("user already has archive access")

// ErrArchiveUnavailable is returned when the workshop is not recorded, its
// archive has expired, or it is not for sale.
var ErrArchiveUnavailable = errors.New("archive is not available")

// ErrUnauthorized is returned when confirming another user's purchase.
var ErrUnauthorized = errors.New("not allowed")

// EventReader is the catalog read surface.
type EventReader interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
}

// ParticipantReader looks up one participation record.
type ParticipantReader interface {
	Get(ctx context.Context, eventID, userID string) (*model.Participant, error)
}

// PurchaseStore persists archive purchases.
type PurchaseStore interface {
	CreatePending(ctx context.Context, workshopID, userID, intentID string) (*model.ArchivePurchase, error)
	GetByIntent(ctx context.Context, intentID string) (*model.ArchivePurchase, error)
	GetCompleted(ctx context.Context, workshopID, userID string) (*model.ArchivePurchase, error)
	Complete(ctx context.Context, purchaseID string, expiresAt *time.Time) error
}

// Controller decides room and archive access from participation state.
type Controller struct {
	events       EventReader
	participants ParticipantReader
	purchases    PurchaseStore
	provider     payment.Provider
	signer       *GrantSigner

	preroll     time.Duration
	liveRoomURL string
	archiveURL  string
	log         zerolog.Logger
	now         func() time.Time
}

// NewController constructs a Controller. preroll is how long before the
// scheduled start the room opens.
func NewController(
	events EventReader,
	participants ParticipantReader,
	purchases PurchaseStore,
	provider payment.Provider,
	signer *GrantSigner,
	preroll time.Duration,
	liveRoomURL, archiveURL string,
	log zerolog.Logger,
) *Controller {
	return &Controller{
		events:       events,
		participants: participants,
		purchases:    purchases,
		provider:     provider,
		signer:       signer,
		preroll:      preroll,
		liveRoomURL:  liveRoomURL,
		archiveURL:   archiveURL,
		log:          log,
		now:          time.Now,
	}
}

// RoomAccess is the result of a live-room access check.
type RoomAccess struct {
	HasAccess bool   `json:"has_access"`
	RoomURL   string `json:"room_url,omitempty"`
	Grant     string `json:"grant,omitempty"`
}

// ArchiveAccess is the result of an archive access check.
type ArchiveAccess struct {
	HasAccess   bool       `json:"has_access"`
	ArchiveURL  string     `json:"archive_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CanPurchase bool       `json:"can_purchase,omitempty"`
	Price       int64      `json:"price,omitempty"`
	Currency    string     `json:"currency,omitempty"`
}

// PurchaseResult is the outcome of starting an archive purchase.
type PurchaseResult struct {
	PurchaseID   string `json:"purchase_id"`
	ClientSecret string `json:"payment_intent_client_secret"`
}

// satisfied reports whether the participation grants access: attending with
// the payment the event requires. A pending payment grants nothing.
func satisfied(event *model.Event, p *model.Participant) bool {
	if p == nil {
		return false
	}
	if event.Free() {
		return p.State == model.StateAttendingFree
	}
	return p.State == model.StateAttendingPaid
}

// GetRoomAccess grants live-room entry while now is within the session
// window (start minus preroll, through end) to attending participants whose
// payment is satisfied, and to the organizer. The returned grant is a
// signed handle for the external session transport.
func (c *Controller) GetRoomAccess(ctx context.Context, workshopID, userID string) (*RoomAccess, error) {
	event, err := c.events.GetByID(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	if event.Cancelled {
		return &RoomAccess{}, nil
	}

	now := c.now()
	if now.Before(event.StartsAt.Add(-c.preroll)) || now.After(event.EndsAt) {
		return &RoomAccess{}, nil
	}

	if userID != event.CreatedBy {
		p, err := c.participants.Get(ctx, workshopID, userID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if !satisfied(event, p) {
			return &RoomAccess{}, nil
		}
	}

	grant, err := c.signer.Sign(userID, event.ID, event.EndsAt)
	if err != nil {
		return nil, err
	}
	return &RoomAccess{
		HasAccess: true,
		RoomURL:   fmt.Sprintf("%s/rooms/%s", c.liveRoomURL, event.ID),
		Grant:     grant,
	}, nil
}

// GetArchiveAccess applies the archive invariant: access for satisfied
// participants while the workshop's archive is live, or for holders of an
// unexpired purchase; otherwise the purchase offer when the archive is
// recorded, unexpired, and priced.
func (c *Controller) GetArchiveAccess(ctx context.Context, workshopID, userID string) (*ArchiveAccess, error) {
	event, err := c.events.GetByID(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	if !event.IsRecorded {
		return &ArchiveAccess{}, nil
	}

	now := c.now()
	archiveLive := event.ArchiveExpiresAt == nil || now.Before(*event.ArchiveExpiresAt)
	url := fmt.Sprintf("%s/workshops/%s", c.archiveURL, event.ID)

	p, err := c.participants.Get(ctx, workshopID, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if satisfied(event, p) && archiveLive {
		return &ArchiveAccess{
			HasAccess:  true,
			ArchiveURL: url,
			ExpiresAt:  event.ArchiveExpiresAt,
		}, nil
	}

	purchase, err := c.purchases.GetCompleted(ctx, workshopID, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if purchase != nil && (purchase.ExpiresAt == nil || now.Before(*purchase.ExpiresAt)) {
		return &ArchiveAccess{
			HasAccess:  true,
			ArchiveURL: url,
			ExpiresAt:  purchase.ExpiresAt,
		}, nil
	}

	if archiveLive && event.ArchivePrice > 0 {
		return &ArchiveAccess{
			CanPurchase: true,
			Price:       event.ArchivePrice,
			Currency:    event.Currency,
		}, nil
	}
	return &ArchiveAccess{}, nil
}

// PurchaseArchiveAccess starts a paid archive purchase for a non-participant:
// it creates a payment intent for the archive price and records the pending
// purchase keyed by that intent.
func (c *Controller) PurchaseArchiveAccess(ctx context.Context, workshopID, userID string) (*PurchaseResult, error) {
	event, err := c.events.GetByID(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !event.IsRecorded || event.ArchivePrice <= 0 ||
		(event.ArchiveExpiresAt != nil && !now.Before(*event.ArchiveExpiresAt)) {
		return nil, ErrArchiveUnavailable
	}

	current, err := c.GetArchiveAccess(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	if current.HasAccess {
		return nil, ErrAlreadyHasAccess
	}

	intent, err := c.provider.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:   event.ArchivePrice,
		Currency: event.Currency,
		Metadata: map[string]string{
			"workshop_id": event.ID,
			"user_id":     userID,
			"purpose":     "archive_access",
		},
	})
	if err != nil {
		return nil, err
	}

	purchase, err := c.purchases.CreatePending(ctx, workshopID, userID, intent.ID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{PurchaseID: purchase.ID, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmArchivePurchase confirms the purchase's intent with the provider
// and completes the purchase, copying the workshop's archive expiry at this
// moment. Replays of an already-completed purchase succeed as no-ops.
func (c *Controller) ConfirmArchivePurchase(ctx context.Context, workshopID, userID, intentID string) error {
	purchase, err := c.purchases.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if purchase.UserID != userID || purchase.WorkshopID != workshopID {
		return ErrUnauthorized
	}
	if purchase.Status == model.ArchivePurchaseCompleted {
		return nil
	}

	intent, err := c.provider.ConfirmIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != payment.IntentSucceeded {
		return &payment.ProviderError{
			Code:    "payment_incomplete",
			Message: fmt.Sprintf("payment intent status is %s", intent.Status),
		}
	}

	return c.complete(ctx, purchase)
}

// CompleteByIntent completes a pending purchase from the webhook channel,
// where the provider has already reported the intent as succeeded.
func (c *Controller) CompleteByIntent(ctx context.Context, intentID string) error {
	purchase, err := c.purchases.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if purchase.Status == model.ArchivePurchaseCompleted {
		return nil
	}
	return c.complete(ctx, purchase)
}

func (c *Controller) complete(ctx context.Context, purchase *model.ArchivePurchase) error {
	event, err := c.events.GetByID(ctx, purchase.WorkshopID)
	if err != nil {
		return err
	}
	// Expiry is frozen at purchase time; later policy changes on the
	// workshop do not touch completed purchases.
	if err := c.purchases.Complete(ctx, purchase.ID, event.ArchiveExpiresAt); err != nil {
		return err
	}
	c.log.Info().Str("purchase_id", purchase.ID).Str("workshop_id", purchase.WorkshopID).
		Msg("archive purchase completed")
	return nil
}
