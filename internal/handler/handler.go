// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the participation core.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sanghaapp/sangha-events/internal/access"
	"github.com/sanghaapp/sangha-events/internal/model"
	"github.com/sanghaapp/sangha-events/internal/participation"
	"github.com/sanghaapp/sangha-events/internal/payment"
	"github.com/sanghaapp/sangha-events/internal/repository"
)

// Handler holds all HTTP handlers for the participation API.
type Handler struct {
	events   *repository.EventRepository
	manager  *participation.Manager
	access   *access.Controller
	verifier *payment.Verifier
	validate *validator.Validate
	log      zerolog.Logger
}

// New constructs a Handler.
func New(
	events *repository.EventRepository,
	manager *participation.Manager,
	accessCtl *access.Controller,
	verifier *payment.Verifier,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		events:   events,
		manager:  manager,
		access:   accessCtl,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeValid decodes and validates a request payload.
func (h *Handler) decodeValid(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

// userID extracts the authenticated user injected by the gateway.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeDomainError maps domain errors to HTTP statuses. Provider errors
// keep their original message for user-facing retry guidance.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var pe *payment.ProviderError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "event is full")
	case errors.Is(err, repository.ErrAlreadyAttending):
		writeError(w, http.StatusConflict, "already attending this event")
	case errors.Is(err, participation.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "participation already cancelled")
	case errors.Is(err, participation.ErrRefundNotEligible):
		writeError(w, http.StatusConflict, "participation is not refundable")
	case errors.Is(err, participation.ErrEventCancelled):
		writeError(w, http.StatusConflict, "event is cancelled")
	case errors.Is(err, participation.ErrUnauthorized), errors.Is(err, access.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, access.ErrAlreadyHasAccess):
		writeError(w, http.StatusConflict, "archive access already granted")
	case errors.Is(err, access.ErrArchiveUnavailable):
		writeError(w, http.StatusUnprocessableEntity, "archive is not available")
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusPaymentRequired, pe.Message)
	default:
		h.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ─── Event catalog ────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	creator := userID(r)
	if creator == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req model.CreateEventRequest
	if err := h.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.EndsAt.After(req.StartsAt) {
		writeError(w, http.StatusBadRequest, "ends_at must be after starts_at")
		return
	}
	if req.Fee > 0 && req.Currency == "" {
		writeError(w, http.StatusBadRequest, "currency is required for paid events")
		return
	}

	event, err := h.events.Create(r.Context(), req, creator)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListUpcoming(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// CancelEvent handles POST /events/{id}/cancel
// Organizer-only; refunds every paid participant in full.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	var req model.CancelParticipationRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	refunded, err := h.manager.CancelEvent(r.Context(), chi.URLParam(r, "id"), uid, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "refunded_participants": refunded})
}

// ListParticipants handles GET /events/{id}/participants (organizer only).
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	participants, err := h.manager.ListParticipants(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	views := make([]model.ParticipantView, 0, len(participants))
	for i := range participants {
		views = append(views, participants[i].View())
	}
	writeJSON(w, http.StatusOK, views)
}

// ─── Participation ────────────────────────────────────────────────────────────

// Join handles POST /events/{id}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req model.JoinRequest
	if err := h.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.manager.Join(r.Context(), chi.URLParam(r, "id"), uid, req.Status, req.Message)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ConfirmPayment handles POST /events/{id}/confirm-payment
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req model.ConfirmPaymentRequest
	if err := h.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.manager.ConfirmPayment(r.Context(), req.PaymentIntentID, chi.URLParam(r, "id"), uid); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CancelParticipation handles POST /events/{id}/cancel-participation
func (h *Handler) CancelParticipation(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req model.CancelParticipationRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := h.manager.Cancel(r.Context(), chi.URLParam(r, "id"), uid, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Workshop access ──────────────────────────────────────────────────────────

// RoomAccess handles GET /workshops/{id}/room-access
func (h *Handler) RoomAccess(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	result, err := h.access.GetRoomAccess(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ArchiveAccess handles GET /workshops/{id}/archive-access
func (h *Handler) ArchiveAccess(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	result, err := h.access.GetArchiveAccess(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurchaseArchive handles POST /workshops/{id}/archive-purchase
func (h *Handler) PurchaseArchive(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	result, err := h.access.PurchaseArchiveAccess(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ConfirmArchivePurchase handles POST /workshops/{id}/archive-purchase/confirm
func (h *Handler) ConfirmArchivePurchase(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req model.ConfirmPaymentRequest
	if err := h.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.access.ConfirmArchivePurchase(r.Context(), chi.URLParam(r, "id"), uid, req.PaymentIntentID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
