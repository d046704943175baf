package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// defaultRequirements is the built-in template to tier table
var defaultRequirements = map[string]TierID{
	"invoice":               TierFree,
	"receipt":               TierFree,
	"nda":                   TierStarter,
	"freelance_contract":    TierStarter,
	"rental_agreement":      TierStarter,
	"employment_contract":   TierPro,
	"privacy_policy":        TierPro,
	"terms_of_service":      TierPro,
	"partnership_agreement": TierBusiness,
	"shareholder_agreement": TierBusiness,
}

// Requirements maps template ids to the minimum tier that unlocks them
type Requirements struct {
	defaultTier TierID
	byTemplate  map[string]TierID
}

// TemplateRequirement is one row of the requirement table
type TemplateRequirement struct {
	TemplateID   string `json:"templateId"`
	RequiredTier TierID `json:"requiredTier"`
}

// NewRequirements builds the requirement table from the built-in defaults
// plus overrides. Templates absent from both require defaultTier.
func NewRequirements(defaultTier TierID, overrides map[string]TierID) (*Requirements, error) {
	if err := defaultTier.validate(); err != nil {
		return nil, err
	}

	byTemplate := make(map[string]TierID, len(defaultRequirements)+len(overrides))
	for id, tier := range defaultRequirements {
		byTemplate[id] = tier
	}
	for id, tier := range overrides {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := tier.validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", id, err)
		}
		byTemplate[id] = tier
	}

	return &Requirements{defaultTier: defaultTier, byTemplate: byTemplate}, nil
}

// LoadRequirements reads a JSON object of template id to tier from path and
// merges it over the defaults. An empty path yields the defaults only.
func LoadRequirements(path string, defaultTier TierID) (*Requirements, error) {
	if strings.TrimSpace(path) == "" {
		return NewRequirements(defaultTier, nil)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template tiers: %w", err)
	}

	var overrides map[string]TierID
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse template tiers: %w", err)
	}

	return NewRequirements(defaultTier, overrides)
}

// RequiredTier returns the minimum tier for templateID.
func (r *Requirements) RequiredTier(templateID string) TierID {
	if tier, ok := r.byTemplate[templateID]; ok {
		return tier
	}
	return r.defaultTier
}

// DefaultTier is the requirement applied to unknown templates.
func (r *Requirements) DefaultTier() TierID {
	return r.defaultTier
}

// List returns the table sorted by tier rank, then template id.
func (r *Requirements) List() []TemplateRequirement {
	out := make([]TemplateRequirement, 0, len(r.byTemplate))
	for id, tier := range r.byTemplate {
		out = append(out, TemplateRequirement{TemplateID: id, RequiredTier: tier})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := Rank(out[i].RequiredTier), Rank(out[j].RequiredTier)
		if ri != rj {
			return ri < rj
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	return out
}
