package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
	"github.com/docgen/entitlement-api/internal/pkg/response"
	"github.com/docgen/entitlement-api/internal/pkg/signature"
	"github.com/docgen/entitlement-api/internal/pkg/validator"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates the webhook handler. With an empty secret signatures
// are not required and deliveries are journaled as unverified.
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// PurchaseCompleted handles POST /webhooks/purchase-completed
func (h *Handler) PurchaseCompleted(w http.ResponseWriter, r *http.Request) {
	var req PurchaseCompletedRequest
	d, ok := h.decode(w, r, EventPurchaseCompleted, &req)
	if !ok {
		return
	}

	result, err := h.service.PurchaseCompleted(r.Context(), d, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Accepted(w, result)
}

// PurchaseConfirmed handles POST /webhooks/purchase-confirmed
func (h *Handler) PurchaseConfirmed(w http.ResponseWriter, r *http.Request) {
	var req PurchaseConfirmedRequest
	d, ok := h.decode(w, r, EventPurchaseConfirmed, &req)
	if !ok {
		return
	}

	result, err := h.service.PurchaseConfirmed(r.Context(), d, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Accepted(w, result)
}

// PurchaseRefunded handles POST /webhooks/purchase-refunded
func (h *Handler) PurchaseRefunded(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRefundedRequest
	d, ok := h.decode(w, r, EventPurchaseRefunded, &req)
	if !ok {
		return
	}

	result, err := h.service.PurchaseRefunded(r.Context(), d, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Accepted(w, result)
}

// SubscriptionUpdated handles POST /webhooks/subscription-updated
func (h *Handler) SubscriptionUpdated(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionUpdatedRequest
	d, ok := h.decode(w, r, EventSubscriptionUpdated, &req)
	if !ok {
		return
	}

	result, err := h.service.SubscriptionUpdated(r.Context(), d, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Accepted(w, result)
}

// Routes mounts under /webhooks
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/purchase-completed", h.PurchaseCompleted)
	r.Post("/purchase-confirmed", h.PurchaseConfirmed)
	r.Post("/purchase-refunded", h.PurchaseRefunded)
	r.Post("/subscription-updated", h.SubscriptionUpdated)
	return r
}

// decode reads the raw body, checks the signature and validates dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, eventType string, dst interface{}) (Delivery, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		response.BadRequest(w, "Unable to read request body")
		return Delivery{}, false
	}

	d := Delivery{Payload: payload}
	if h.secret != "" {
		if !signature.Verify(payload, r.Header.Get(signature.Header), h.secret) {
			metrics.RecordWebhook(eventType, "unauthorized")
			logger.FromContext(r.Context()).Warn().Str("event_type", eventType).Msg("webhook signature rejected")
			response.Unauthorized(w, ErrInvalidSignature.Error())
			return Delivery{}, false
		}
		d.SignatureValid = true
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return Delivery{}, false
	}
	if errs := validator.Validate(dst); errs != nil {
		metrics.RecordWebhook(eventType, "rejected")
		response.ValidationError(w, errs)
		return Delivery{}, false
	}
	return d, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent), errors.Is(err, ErrInvalidPayload):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_EVENT", err.Error())
	case errors.Is(err, ledger.ErrPurchaseNotFound):
		response.NotFound(w, "Purchase not found")
	case errors.Is(err, ledger.ErrInvalidStatusTransition):
		response.Conflict(w, err.Error())
	case errors.Is(err, ledger.ErrStorageUnavailable):
		metrics.RecordStorageError("webhook")
		response.StorageUnavailable(w)
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("webhook handling failed")
		response.InternalError(w)
	}
}
