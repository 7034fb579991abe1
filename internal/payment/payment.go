// Package payment wraps the payment provider behind a small contract the
// participation core depends on: intent creation, idempotent confirmation,
// refunds, and webhook signature verification. Amounts are always integers
// in the currency's smallest unit; there is no floating-point currency math
// anywhere in this package.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// ErrSignatureInvalid is returned when a webhook payload does not match its
// signature. Verification happens before any state mutation.
var ErrSignatureInvalid = errors.New("webhook signature mismatch")

// ProviderError carries a provider-side failure (declined card, outage,
// below-minimum amount). The original message is preserved for user-facing
// retry guidance.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider: %s (%s)", e.Message, e.Code)
	}
	return "payment provider: " + e.Message
}

// IntentStatus is the provider-side status of a payment intent.
type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment_method"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
)

// Intent is a provider-side handle for an in-progress charge attempt.
type Intent struct {
	ID           string       `json:"id"`
	ClientSecret string       `json:"client_secret"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Status       IntentStatus `json:"status"`
}

// Refund is a provider-side refund record.
type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// CreateIntentParams are the inputs for a new payment intent. Metadata is
// carried through the provider and comes back on webhook events.
type CreateIntentParams struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// RefundParams are the inputs for a refund. Amount may be less than the
// original charge to express cancellation-fee policies.
type RefundParams struct {
	IntentID string
	Amount   int64
	Reason   string
}

// Provider is the contract the orchestration core depends on. Implementations
// must make ConfirmIntent idempotent: confirming an already-succeeded intent
// returns the same success result without side effects.
type Provider interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (*Intent, error)
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)
}
