package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/sanghaapp/sangha-events/internal/payment"
)

// maxWebhookBody bounds provider webhook payloads.
const maxWebhookBody = 256 << 10

// Webhook handles POST /webhooks/payment.
//
// The raw body is verified against the signature header before anything
// else runs; a mismatch is rejected with no state change and logged for
// investigation. Verified deliveries are handed to the manager, which owns
// deduplication and the idempotent paid transition.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get("Webhook-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrSignatureInvalid) {
			h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := h.manager.HandleWebhookEvent(r.Context(), event); err != nil {
		// Non-2xx makes the provider redeliver. The manager records a
		// delivery only after processing it, so the retry gets a full
		// attempt rather than a hollow dedup hit.
		h.log.Error().Err(err).Str("delivery_id", event.DeliveryID).Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
