package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/middleware"
	"github.com/docgen/entitlement-api/internal/pkg/jwt"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/response"
	"github.com/docgen/entitlement-api/internal/pkg/validator"
)

// Handler handles admin HTTP requests
type Handler struct {
	service *Service
	jwtSvc  *jwt.Service
}

// NewHandler creates admin handler
func NewHandler(service *Service, jwtSvc *jwt.Service) *Handler {
	return &Handler{
		service: service,
		jwtSvc:  jwtSvc,
	}
}

// GetPurchase handles GET /admin/purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}

	p, err := h.service.GetPurchase(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, ledger.NewPurchaseResponse(p))
}

// SetCredits handles PATCH /admin/purchases/{id}/credits
func (h *Handler) SetCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}

	var req SetCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	p, err := h.service.SetCredits(r.Context(), middleware.GetOperatorID(r.Context()), id, *req.Credits, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, ledger.NewPurchaseResponse(p))
}

// Refund handles POST /admin/purchases/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	p, err := h.service.Refund(r.Context(), middleware.GetOperatorID(r.Context()), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, ledger.NewPurchaseResponse(p))
}

// Adjustments handles GET /admin/purchases/{id}/adjustments
func (h *Handler) Adjustments(w http.ResponseWriter, r *http.Request) {
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}

	rows, err := h.service.Adjustments(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]AdjustmentResponse, 0, len(rows))
	for _, a := range rows {
		items = append(items, adjustmentResponse(a))
	}
	response.OK(w, items)
}

// SetTier handles PUT /admin/principals/{id}/tier
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	principalID := strings.TrimSpace(chi.URLParam(r, "id"))
	if principalID == "" {
		response.BadRequest(w, "Invalid principal ID")
		return
	}

	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	p, err := h.service.SetTier(r.Context(), middleware.GetOperatorID(r.Context()), principalID, catalog.TierID(req.Tier), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, ledger.NewPrincipalResponse(p))
}

// PrincipalPurchases handles GET /admin/principals/{id}/purchases
func (h *Handler) PrincipalPurchases(w http.ResponseWriter, r *http.Request) {
	principalID := strings.TrimSpace(chi.URLParam(r, "id"))

	principal, purchases, err := h.service.PrincipalPurchases(r.Context(), principalID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := PrincipalPurchasesResponse{
		Principal: ledger.NewPrincipalResponse(principal),
		Purchases: make([]ledger.PurchaseResponse, 0, len(purchases)),
	}
	for i := range purchases {
		resp.Purchases = append(resp.Purchases, ledger.NewPurchaseResponse(&purchases[i]))
	}
	response.OK(w, resp)
}

// Routes returns admin router. All routes need an admin bearer token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Auth(h.jwtSvc))
	r.Use(middleware.RequireAdmin())

	r.Route("/purchases/{id}", func(r chi.Router) {
		r.Get("/", h.GetPurchase)
		r.Patch("/credits", h.SetCredits)
		r.Post("/refund", h.Refund)
		r.Get("/adjustments", h.Adjustments)
	})

	r.Route("/principals/{id}", func(r chi.Router) {
		r.Put("/tier", h.SetTier)
		r.Get("/purchases", h.PrincipalPurchases)
	})

	return r
}

func purchaseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, ErrInvalidPurchaseID.Error())
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrPurchaseNotFound):
		response.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "Purchase not found")
	case errors.Is(err, ledger.ErrPrincipalNotFound):
		response.Error(w, http.StatusNotFound, "PRINCIPAL_NOT_FOUND", "Principal not found")
	case errors.Is(err, ledger.ErrInvalidCredits):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_CREDITS", "Credits must be between 0 and the purchase total on a credit pack")
	case errors.Is(err, ledger.ErrInvalidStatusTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATUS_TRANSITION", "Status can only move forward")
	case errors.Is(err, catalog.ErrUnknownTier):
		response.ValidationError(w, map[string]string{"tier": err.Error()})
	case errors.Is(err, ErrMissingOperator):
		response.Unauthorized(w, "Operator not identified")
	case errors.Is(err, ledger.ErrStorageUnavailable):
		response.StorageUnavailable(w)
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("admin request failed")
		response.InternalError(w)
	}
}
