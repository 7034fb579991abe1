package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/sanghaapp/sangha-events/internal/payment"
)

// The handler under test gets a nil manager: a signature failure must be
// rejected before the manager (and therefore any state) is touched, so a
// valid test run is itself proof that nothing was mutated.
func newWebhookHandler() *Handler {
	return New(nil, nil, nil, payment.NewVerifier("whsec_test"), zerolog.Nop())
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	h := newWebhookHandler()

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Webhook-Signature", "t=1234567890,v1=deadbeef")
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h := newWebhookHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
