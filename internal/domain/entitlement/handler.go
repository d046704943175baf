package entitlement

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
	"github.com/docgen/entitlement-api/internal/pkg/ratelimit"
	"github.com/docgen/entitlement-api/internal/pkg/response"
	"github.com/docgen/entitlement-api/internal/pkg/validator"
)

const maxSnapshotTemplates = 50

type Handler struct {
	service *Service
	limiter *ratelimit.Limiter
}

// NewHandler creates the entitlement handler. limiter may be nil.
func NewHandler(service *Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// Check handles GET /entitlement?principal=&template=&action=
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	q := CheckQuery{
		Principal:  strings.TrimSpace(r.URL.Query().Get("principal")),
		Template:   strings.TrimSpace(r.URL.Query().Get("template")),
		ActionKind: strings.TrimSpace(r.URL.Query().Get("action")),
	}
	if q.ActionKind == "" {
		q.ActionKind = string(catalog.ActionDownload)
	}
	if errs := validator.Validate(&q); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	decision, err := h.service.Check(r.Context(), q.Principal, q.Template, catalog.ActionKind(q.ActionKind))
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.OK(w, decisionResponse(decision))
}

// Snapshot handles GET /entitlement/snapshot?principal=&templates=a,b
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(r.URL.Query().Get("principal"))
	if principal == "" {
		response.ValidationError(w, map[string]string{"principal": "This field is required"})
		return
	}

	templates := splitTemplates(r.URL.Query().Get("templates"))
	if len(templates) > maxSnapshotTemplates {
		response.ValidationError(w, map[string]string{"templates": "Too many templates (max: " + strconv.Itoa(maxSnapshotTemplates) + ")"})
		return
	}

	snap, err := h.service.Snapshot(r.Context(), principal)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := SnapshotResponse{
		Principal:              snap.PrincipalID,
		Tier:                   snap.Tier,
		HasUnlimited:           snap.HasUnlimited,
		AvailableCreditSources: snap.AvailableCreditSources,
		TotalCredits:           snap.TotalCredits,
		SingleTemplates:        snap.SingleTemplates,
	}
	if len(templates) > 0 {
		resp.Decisions = make(map[string]DecisionResponse, len(templates))
		for _, t := range templates {
			d := snap.DecisionFor(t, catalog.ActionDownload, h.service.RequiredTier(t))
			resp.Decisions[t] = decisionResponse(d)
		}
	}

	response.OK(w, resp)
}

// Usage handles GET /entitlement/usage?principal=&limit=&offset=
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(r.URL.Query().Get("principal"))
	if principal == "" {
		response.ValidationError(w, map[string]string{"principal": "This field is required"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	page := ledger.Pagination{Limit: limit, Offset: offset}.Normalized()

	entries, err := h.service.Usage(r.Context(), principal, page)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]UsageResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, usageResponse(e))
	}

	response.WithMeta(w, items, response.Meta{
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasNext: len(entries) == page.Limit,
	})
}

// Consume handles POST /entitlement/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	req.Principal = strings.TrimSpace(req.Principal)
	req.Template = strings.TrimSpace(req.Template)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if h.limiter != nil {
		allowed, remaining := h.limiter.Allow(r.Context(), req.Principal)
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			metrics.RecordRateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.Window().Seconds())))
			response.TooManyRequests(w)
			return
		}
	}

	result, err := h.service.Consume(r.Context(), ConsumeRequest{
		PrincipalID:    req.Principal,
		TemplateID:     req.Template,
		Action:         catalog.ActionKind(req.ActionKind),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.OK(w, consumeResponse(result))
}

// Routes mounts under /entitlement
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Check)
	r.Get("/snapshot", h.Snapshot)
	r.Get("/usage", h.Usage)
	r.Post("/consume", h.Consume)
	return r
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrPrincipalNotFound):
		response.Error(w, http.StatusNotFound, "PRINCIPAL_NOT_FOUND", "Principal not found")
	case errors.Is(err, ledger.ErrStorageUnavailable):
		logger.FromContext(r.Context()).Warn().Err(err).Msg("storage unavailable")
		response.StorageUnavailable(w)
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("entitlement request failed")
		response.InternalError(w)
	}
}

func splitTemplates(raw string) []string {
	out := make([]string, 0)
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
