package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// Validation and identity checks run before any service call, so a nil
// manager suffices for these handlers.
func newBareHandler() *Handler {
	return New(nil, nil, nil, nil, zerolog.Nop())
}

func TestJoinRequiresIdentity(t *testing.T) {
	h := newBareHandler()

	req := httptest.NewRequest(http.MethodPost, "/events/ev-1/join",
		strings.NewReader(`{"status":"attending"}`))
	rec := httptest.NewRecorder()

	h.Join(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJoinRejectsUnknownStatus(t *testing.T) {
	h := newBareHandler()

	req := httptest.NewRequest(http.MethodPost, "/events/ev-1/join",
		strings.NewReader(`{"status":"maybe"}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()

	h.Join(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinRejectsUnknownFields(t *testing.T) {
	h := newBareHandler()

	req := httptest.NewRequest(http.MethodPost, "/events/ev-1/join",
		strings.NewReader(`{"status":"attending","admin":true}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()

	h.Join(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmPaymentRequiresIntentID(t *testing.T) {
	h := newBareHandler()

	req := httptest.NewRequest(http.MethodPost, "/events/ev-1/confirm-payment",
		strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()

	h.ConfirmPayment(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	HealthCheck(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
