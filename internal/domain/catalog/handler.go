package catalog

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docgen/entitlement-api/internal/pkg/response"
)

// Handler serves the read-only catalog
type Handler struct {
	requirements *Requirements
}

func NewHandler(requirements *Requirements) *Handler {
	return &Handler{requirements: requirements}
}

// ListTiers handles GET /catalog/tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	response.OK(w, Tiers())
}

// ListPackages handles GET /catalog/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	response.OK(w, Packages())
}

// ListTemplates handles GET /catalog/templates?tier=
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	all := h.requirements.List()

	tier := TierID(strings.TrimSpace(r.URL.Query().Get("tier")))
	if tier != "" {
		if !IsKnownTier(tier) {
			response.ValidationError(w, map[string]string{"tier": "Invalid tier. Must be: free, starter, pro, or business"})
			return
		}
		// templates unlocked by tier
		filtered := make([]TemplateRequirement, 0, len(all))
		for _, t := range all {
			if MeetsOrExceeds(tier, t.RequiredTier) {
				filtered = append(filtered, t)
			}
		}
		all = filtered
	}

	response.OK(w, map[string]interface{}{
		"defaultTier": h.requirements.DefaultTier(),
		"templates":   all,
	})
}

// Routes mounts under /catalog
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/tiers", h.ListTiers)
	r.Get("/packages", h.ListPackages)
	r.Get("/templates", h.ListTemplates)
	return r
}
