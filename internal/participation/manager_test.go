package participation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanghaapp/sangha-events/internal/capacity"
	"github.com/sanghaapp/sangha-events/internal/model"
	"github.com/sanghaapp/sangha-events/internal/payment"
	"github.com/sanghaapp/sangha-events/internal/repository"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeEvents struct {
	mu     sync.Mutex
	events map[string]*model.Event
}

func newFakeEvents(events ...*model.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[string]*model.Event)}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEvents) GetByID(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (f *fakeEvents) MarkCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Cancelled = true
	return nil
}

// fakeParticipants mirrors the postgres repository's semantics behind a
// single mutex: the atomic capacity check, at most one live row per
// (event, user), and cancelled/refunded rows kept as history.
type fakeParticipants struct {
	mu             sync.Mutex
	events         *fakeEvents
	rows           []*model.Participant
	getByIntentErr error // returned once by GetByIntent, then cleared
}

func newFakeParticipants(events *fakeEvents) *fakeParticipants {
	return &fakeParticipants{events: events}
}

func (f *fakeParticipants) live(eventID, userID string) *model.Participant {
	for _, p := range f.rows {
		if p.EventID == eventID && p.UserID == userID &&
			p.State != model.StateCancelled && p.State != model.StateRefunded {
			return p
		}
	}
	return nil
}

func (f *fakeParticipants) latest(eventID, userID string) *model.Participant {
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].EventID == eventID && f.rows[i].UserID == userID {
			return f.rows[i]
		}
	}
	return nil
}

func (f *fakeParticipants) Get(_ context.Context, eventID, userID string) (*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.latest(eventID, userID)
	if p == nil {
		return nil, repository.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeParticipants) GetByIntent(_ context.Context, intentID string) (*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getByIntentErr != nil {
		err := f.getByIntentErr
		f.getByIntentErr = nil
		return nil, err
	}
	for _, p := range f.rows {
		if p.PaymentIntentID != nil && *p.PaymentIntentID == intentID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeParticipants) SetInterested(_ context.Context, eventID, userID, message string) (*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.live(eventID, userID); p != nil {
		if p.State.ConsumesCapacity() {
			return nil, repository.ErrAlreadyAttending
		}
		p.State = model.StateInterested
		p.Message = message
		copied := *p
		return &copied, nil
	}
	p := &model.Participant{
		ID: uuid.New().String(), EventID: eventID, UserID: userID,
		State: model.StateInterested, Message: message,
	}
	f.rows = append(f.rows, p)
	copied := *p
	return &copied, nil
}

func (f *fakeParticipants) ReserveAttending(_ context.Context, eventID, userID string, state model.ParticipationState) (*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev, ok := f.events.events[eventID]
	if !ok || ev.Cancelled {
		return nil, repository.ErrNotFound
	}
	if p := f.live(eventID, userID); p != nil && p.State.ConsumesCapacity() {
		return nil, repository.ErrAlreadyAttending
	}
	if ev.MaxParticipants != nil {
		attending := 0
		for _, p := range f.rows {
			if p.EventID == eventID && p.State.ConsumesCapacity() {
				attending++
			}
		}
		if attending >= *ev.MaxParticipants {
			return nil, repository.ErrCapacityExceeded
		}
	}

	// An interested row upgrades in place; a re-join after cancellation or
	// refund opens a fresh row and the old one keeps its payment ids.
	p := f.live(eventID, userID)
	if p == nil {
		p = &model.Participant{ID: uuid.New().String(), EventID: eventID, UserID: userID}
		f.rows = append(f.rows, p)
	}
	p.State = state
	copied := *p
	return &copied, nil
}

func (f *fakeParticipants) SetPaymentIntent(_ context.Context, participantID, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.ID == participantID {
			if p.State != model.StateAttendingPending {
				return repository.ErrInvalidTransition
			}
			p.PaymentIntentID = &intentID
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeParticipants) MarkPaid(_ context.Context, participantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.ID == participantID {
			switch p.State {
			case model.StateAttendingPending:
				p.State = model.StateAttendingPaid
				return true, nil
			case model.StateAttendingPaid:
				return false, nil
			default:
				return false, repository.ErrInvalidTransition
			}
		}
	}
	return false, repository.ErrNotFound
}

func (f *fakeParticipants) MarkRefunded(_ context.Context, participantID, refundID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.ID == participantID {
			if p.State != model.StateAttendingPaid {
				return repository.ErrInvalidTransition
			}
			p.State = model.StateRefunded
			p.RefundID = &refundID
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeParticipants) MarkCancelled(_ context.Context, eventID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.live(eventID, userID)
	if p == nil {
		return repository.ErrInvalidTransition
	}
	switch p.State {
	case model.StateInterested, model.StateAttendingFree, model.StateAttendingPending:
		p.State = model.StateCancelled
		return nil
	}
	return repository.ErrInvalidTransition
}

func (f *fakeParticipants) ListByEvent(_ context.Context, eventID string) ([]model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Participant
	for _, p := range f.rows {
		if p.EventID == eventID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeParticipants) ListByStates(_ context.Context, eventID string, states ...model.ParticipationState) ([]model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Participant
	for _, p := range f.rows {
		if p.EventID != eventID {
			continue
		}
		for _, s := range states {
			if p.State == s {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}

type fakeProvider struct {
	mu            sync.Mutex
	seq           int
	intents       map[string]*payment.Intent
	createCalls   []payment.CreateIntentParams
	confirmCalls  []string
	refundCalls   []payment.RefundParams
	createErr     error
	confirmErr    error
	refundErr     error
	confirmStatus payment.IntentStatus
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{intents: make(map[string]*payment.Intent), confirmStatus: payment.IntentSucceeded}
}

func (f *fakeProvider) CreateIntent(_ context.Context, params payment.CreateIntentParams) (*payment.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	intent := &payment.Intent{
		ID:           fmt.Sprintf("pi_%d", f.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", f.seq),
		Amount:       params.Amount,
		Currency:     params.Currency,
		Status:       payment.IntentRequiresPayment,
	}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeProvider) ConfirmIntent(_ context.Context, intentID string) (*payment.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls = append(f.confirmCalls, intentID)
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	intent, ok := f.intents[intentID]
	if !ok {
		return nil, &payment.ProviderError{Code: "resource_missing", Message: "no such payment intent"}
	}
	confirmed := *intent
	confirmed.Status = f.confirmStatus
	return &confirmed, nil
}

func (f *fakeProvider) CreateRefund(_ context.Context, params payment.RefundParams) (*payment.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls = append(f.refundCalls, params)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.seq++
	return &payment.Refund{ID: fmt.Sprintf("re_%d", f.seq), Amount: params.Amount, Status: "succeeded"}, nil
}

type fakeWebhookLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeWebhookLog() *fakeWebhookLog { return &fakeWebhookLog{seen: make(map[string]bool)} }

func (f *fakeWebhookLog) Seen(_ context.Context, deliveryID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[deliveryID], nil
}

func (f *fakeWebhookLog) MarkProcessed(_ context.Context, deliveryID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[deliveryID] {
		return false, nil
	}
	f.seen[deliveryID] = true
	return true, nil
}

// ─── Fixtures ─────────────────────────────────────────────────────────────────

type fixture struct {
	events       *fakeEvents
	participants *fakeParticipants
	provider     *fakeProvider
	webhooks     *fakeWebhookLog
	manager      *Manager
}

func newFixture(t *testing.T, policy RefundPolicy, events ...*model.Event) *fixture {
	t.Helper()
	fe := newFakeEvents(events...)
	fp := newFakeParticipants(fe)
	provider := newFakeProvider()
	webhooks := newFakeWebhookLog()
	manager := NewManager(fe, fp, capacity.NewGuard(fp), provider, webhooks, nil, policy, zerolog.Nop())
	return &fixture{events: fe, participants: fp, provider: provider, webhooks: webhooks, manager: manager}
}

func intPtr(v int) *int { return &v }

func paidEvent(fee int64, max *int) *model.Event {
	return &model.Event{
		ID:              uuid.New().String(),
		Title:           "Evening Meditation Workshop",
		StartsAt:        time.Now().Add(time.Hour),
		EndsAt:          time.Now().Add(2 * time.Hour),
		Fee:             fee,
		Currency:        "JPY",
		MaxParticipants: max,
		CreatedBy:       "organizer-1",
	}
}

// ─── Join ─────────────────────────────────────────────────────────────────────

func TestJoinPaidEventCreatesIntentForExactFee(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	result, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	assert.True(t, result.PaymentRequired)
	assert.Equal(t, "pi_1_secret", result.ClientSecret)
	require.Len(t, f.provider.createCalls, 1)
	assert.Equal(t, int64(3000), f.provider.createCalls[0].Amount)
	assert.Equal(t, "JPY", f.provider.createCalls[0].Currency)

	p, err := f.participants.Get(context.Background(), ev.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAttendingPending, p.State)
	require.NotNil(t, p.PaymentIntentID)
	assert.Equal(t, "pi_1", *p.PaymentIntentID)
}

func TestJoinFreeEventNeverTouchesProvider(t *testing.T) {
	ev := paidEvent(0, intPtr(10))
	f := newFixture(t, nil, ev)

	result, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	assert.False(t, result.PaymentRequired)
	assert.Empty(t, result.ClientSecret)
	assert.Empty(t, f.provider.createCalls)

	p, err := f.participants.Get(context.Background(), ev.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAttendingFree, p.State)
	assert.Equal(t, "none", p.State.PaymentStatus())
}

func TestJoinInterestedSkipsCapacityAndPayment(t *testing.T) {
	ev := paidEvent(3000, intPtr(1))
	f := newFixture(t, nil, ev)

	// Fill the only slot.
	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	// interested still succeeds on a full event.
	result, err := f.manager.Join(context.Background(), ev.ID, "user-2", "interested", "see you there")
	require.NoError(t, err)
	assert.False(t, result.PaymentRequired)
	assert.Len(t, f.provider.createCalls, 1)
}

func TestJoinFullEventRejectsWithoutIntent(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	for i := 0; i < 10; i++ {
		_, err := f.manager.Join(context.Background(), ev.ID, fmt.Sprintf("user-%d", i), "attending", "")
		require.NoError(t, err)
	}
	require.Len(t, f.provider.createCalls, 10)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-late", "attending", "")
	assert.ErrorIs(t, err, repository.ErrCapacityExceeded)
	// Capacity failed before any provider call.
	assert.Len(t, f.provider.createCalls, 10)
}

func TestJoinCancelledEvent(t *testing.T) {
	ev := paidEvent(3000, nil)
	ev.Cancelled = true
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	assert.ErrorIs(t, err, ErrEventCancelled)
}

func TestJoinPaymentCreationFailureKeepsReservation(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)
	f.provider.createErr = &payment.ProviderError{Code: "api_error", Message: "provider down"}

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)

	// The slot stays reserved for an explicit retry or cancel.
	p, err := f.participants.Get(context.Background(), ev.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAttendingPending, p.State)
	assert.Nil(t, p.PaymentIntentID)

	// Explicit cancel releases it.
	result, err := f.manager.Cancel(context.Background(), ev.ID, "user-1", "abandoned")
	require.NoError(t, err)
	assert.False(t, result.Refunded)
}

// ─── Payment confirmation ─────────────────────────────────────────────────────

func TestConfirmPaymentScenario(t *testing.T) {
	// Literal scenario: fee=3000 JPY, join attending, intent for 3000,
	// confirm succeeds, payment status becomes paid.
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	result, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.True(t, result.PaymentRequired)

	err = f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1")
	require.NoError(t, err)

	p, err := f.participants.Get(context.Background(), ev.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", p.State.PaymentStatus())
	assert.Equal(t, "attending", p.State.ParticipationStatus())
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))

	// The second call short-circuits on current state: one provider
	// confirmation, no duplicated transition.
	assert.Len(t, f.provider.confirmCalls, 1)
	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)
}

func TestConfirmPaymentWrongIntent(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	err = f.manager.ConfirmPayment(context.Background(), "pi_other", ev.ID, "user-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.provider.confirmCalls)
}

func TestConfirmPaymentProviderFailureKeepsSlot(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	f.provider.confirmErr = &payment.ProviderError{Code: "card_declined", Message: "card was declined"}

	err = f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1")
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "card was declined", pe.Message)

	// Reservation is not released for a payment retry.
	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPending, p.State)
}

// ─── Webhook channel ──────────────────────────────────────────────────────────

func TestWebhookAppliesPaymentOnce(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	wh := &payment.VerifiedEvent{
		DeliveryID: "evt_1",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_1",
		Amount:     3000,
	}
	require.NoError(t, f.manager.HandleWebhookEvent(context.Background(), wh))

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)

	// At-least-once redelivery is a no-op.
	require.NoError(t, f.manager.HandleWebhookEvent(context.Background(), wh))
	p, _ = f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)
}

func TestWebhookAfterDirectConfirmIsNoOp(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))

	err = f.manager.HandleWebhookEvent(context.Background(), &payment.VerifiedEvent{
		DeliveryID: "evt_late",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_1",
		Amount:     3000,
	})
	require.NoError(t, err)

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)
}

func TestWebhookUnknownIntentAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.HandleWebhookEvent(context.Background(), &payment.VerifiedEvent{
		DeliveryID: "evt_x",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_unknown",
	})
	assert.NoError(t, err)
}

func TestWebhookRedeliveryAfterTransientFailure(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	wh := &payment.VerifiedEvent{
		DeliveryID: "evt_1",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_1",
		Amount:     3000,
	}

	// The first attempt dies mid-processing. The delivery id must not be
	// consumed, or the confirmation would be lost for good.
	f.participants.getByIntentErr = errors.New("connection reset by peer")
	err = f.manager.HandleWebhookEvent(context.Background(), wh)
	require.Error(t, err)

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	require.Equal(t, model.StateAttendingPending, p.State)

	// The provider redelivers; this time the payment lands.
	require.NoError(t, f.manager.HandleWebhookEvent(context.Background(), wh))
	p, _ = f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)
}

func TestWebhookAmountMismatchNotApplied(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	err = f.manager.HandleWebhookEvent(context.Background(), &payment.VerifiedEvent{
		DeliveryID: "evt_1",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_1",
		Amount:     100,
	})
	require.Error(t, err)

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPending, p.State)

	// The mismatched delivery was not consumed, so a correct one still lands.
	require.NoError(t, f.manager.HandleWebhookEvent(context.Background(), &payment.VerifiedEvent{
		DeliveryID: "evt_1",
		Type:       payment.EventPaymentSucceeded,
		IntentID:   "pi_1",
		Amount:     3000,
	}))
	p, _ = f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateAttendingPaid, p.State)
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

func TestCancelPaidParticipationRefundsInFull(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))

	result, err := f.manager.Cancel(context.Background(), ev.ID, "user-1", "schedule conflict")
	require.NoError(t, err)

	assert.True(t, result.Refunded)
	assert.Equal(t, int64(3000), result.RefundAmount)
	require.Len(t, f.provider.refundCalls, 1)
	assert.Equal(t, int64(3000), f.provider.refundCalls[0].Amount)
	assert.Equal(t, "pi_1", f.provider.refundCalls[0].IntentID)

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, "cancelled", p.State.ParticipationStatus())
	assert.Equal(t, "refunded", p.State.PaymentStatus())
}

func TestCancelWithFlatFeePolicy(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, RetainFlatFee(500), ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))

	result, err := f.manager.Cancel(context.Background(), ev.ID, "user-1", "")
	require.NoError(t, err)
	assert.True(t, result.Refunded)
	assert.Equal(t, int64(2500), result.RefundAmount)
}

func TestCancelWithFullRetentionPolicy(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, RetainFlatFee(3000), ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))

	result, err := f.manager.Cancel(context.Background(), ev.ID, "user-1", "")
	require.NoError(t, err)

	// No provider refund exists: Refunded=false and an empty refund id mark
	// the fee as retained even though the state reads refunded.
	assert.False(t, result.Refunded)
	assert.Zero(t, result.RefundAmount)
	assert.Empty(t, f.provider.refundCalls)

	p, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateRefunded, p.State)
	require.NotNil(t, p.RefundID)
	assert.Empty(t, *p.RefundID)
}

func TestRejoinAfterRefundPreservesHistory(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))
	_, err = f.manager.Cancel(context.Background(), ev.ID, "user-1", "schedule conflict")
	require.NoError(t, err)

	// Re-joining opens a fresh participation with its own intent.
	result, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	assert.True(t, result.PaymentRequired)

	rows, err := f.participants.ListByEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var refunded, pending *model.Participant
	for i := range rows {
		switch rows[i].State {
		case model.StateRefunded:
			refunded = &rows[i]
		case model.StateAttendingPending:
			pending = &rows[i]
		}
	}
	require.NotNil(t, refunded)
	require.NotNil(t, pending)
	assert.NotEqual(t, refunded.ID, pending.ID)

	// The refunded attempt keeps its payment audit trail.
	require.NotNil(t, refunded.PaymentIntentID)
	assert.Equal(t, "pi_1", *refunded.PaymentIntentID)
	require.NotNil(t, refunded.RefundID)
	assert.Equal(t, "re_2", *refunded.RefundID)
}

func TestCancelPendingReleasesWithoutRefund(t *testing.T) {
	ev := paidEvent(3000, intPtr(1))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	result, err := f.manager.Cancel(context.Background(), ev.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	assert.False(t, result.Refunded)
	assert.Empty(t, f.provider.refundCalls)

	// The slot is free again.
	_, err = f.manager.Join(context.Background(), ev.ID, "user-2", "attending", "")
	assert.NoError(t, err)
}

func TestCancelTwice(t *testing.T) {
	ev := paidEvent(0, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	_, err = f.manager.Cancel(context.Background(), ev.ID, "user-1", "")
	require.NoError(t, err)

	_, err = f.manager.Cancel(context.Background(), ev.ID, "user-1", "")
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

// ─── Organizer cancellation ───────────────────────────────────────────────────

func TestCancelEventRefundsPaidParticipants(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, RetainFlatFee(500), ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmPayment(context.Background(), "pi_1", ev.ID, "user-1"))
	_, err = f.manager.Join(context.Background(), ev.ID, "user-2", "attending", "")
	require.NoError(t, err)

	refunded, err := f.manager.CancelEvent(context.Background(), ev.ID, "organizer-1", "venue flooded")
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)

	// Organizer cancellations refund the full fee, ignoring the
	// cancellation-fee policy.
	require.Len(t, f.provider.refundCalls, 1)
	assert.Equal(t, int64(3000), f.provider.refundCalls[0].Amount)

	paid, _ := f.participants.Get(context.Background(), ev.ID, "user-1")
	assert.Equal(t, model.StateRefunded, paid.State)
	pending, _ := f.participants.Get(context.Background(), ev.ID, "user-2")
	assert.Equal(t, model.StateCancelled, pending.State)
}

func TestCancelEventRequiresOrganizer(t *testing.T) {
	ev := paidEvent(3000, intPtr(10))
	f := newFixture(t, nil, ev)

	_, err := f.manager.CancelEvent(context.Background(), ev.ID, "user-1", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListParticipantsRequiresOrganizer(t *testing.T) {
	ev := paidEvent(0, nil)
	f := newFixture(t, nil, ev)

	_, err := f.manager.Join(context.Background(), ev.ID, "user-1", "attending", "")
	require.NoError(t, err)

	_, err = f.manager.ListParticipants(context.Background(), ev.ID, "user-1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	list, err := f.manager.ListParticipants(context.Background(), ev.ID, "organizer-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ─── Concurrency ──────────────────────────────────────────────────────────────

func TestConcurrentJoinsNeverOverbook(t *testing.T) {
	const slots = 5
	const joiners = 100

	ev := paidEvent(3000, intPtr(slots))
	f := newFixture(t, nil, ev)

	var success, full int32
	var wg sync.WaitGroup
	wg.Add(joiners)
	for i := 0; i < joiners; i++ {
		go func(n int) {
			defer wg.Done()
			_, err := f.manager.Join(context.Background(), ev.ID, fmt.Sprintf("user-%d", n), "attending", "")
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
			case errors.Is(err, repository.ErrCapacityExceeded):
				atomic.AddInt32(&full, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(slots), success)
	assert.Equal(t, int32(joiners-slots), full)
	// Exactly one intent per winner; losers never reach the provider.
	assert.Len(t, f.provider.createCalls, slots)
}
