// Package catalog is the single source of truth for subscription tiers,
// purchasable package types and per-template tier requirements.
package catalog

import (
	"fmt"
	"strings"
)

// TierID identifies a subscription tier
type TierID string

const (
	TierFree     TierID = "free"
	TierStarter  TierID = "starter"
	TierPro      TierID = "pro"
	TierBusiness TierID = "business"
)

// Tier describes one step of the subscription hierarchy
type Tier struct {
	ID    TierID `json:"id"`
	Rank  int    `json:"rank"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// tiers is ordered by rank
var tiers = []Tier{
	{ID: TierFree, Rank: 0, Label: "Free", Color: "slate"},
	{ID: TierStarter, Rank: 1, Label: "Starter", Color: "blue"},
	{ID: TierPro, Rank: 2, Label: "Pro", Color: "purple"},
	{ID: TierBusiness, Rank: 3, Label: "Business", Color: "amber"},
}

// Tiers returns the tier table ordered from lowest to highest rank.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// IsKnownTier reports whether id names a catalog tier.
func IsKnownTier(id TierID) bool {
	for _, t := range tiers {
		if t.ID == id {
			return true
		}
	}
	return false
}

// NormalizeTier lowercases and trims a tier name. Unknown names map to free.
func NormalizeTier(raw string) TierID {
	id := TierID(strings.ToLower(strings.TrimSpace(raw)))
	if IsKnownTier(id) {
		return id
	}
	return TierFree
}

// Rank returns the numeric rank of a tier; unknown tiers rank as free.
func Rank(id TierID) int {
	for _, t := range tiers {
		if t.ID == id {
			return t.Rank
		}
	}
	return 0
}

// MeetsOrExceeds reports whether userTier grants access to content that
// requires requiredTier.
func MeetsOrExceeds(userTier, requiredTier TierID) bool {
	return Rank(userTier) >= Rank(requiredTier)
}

// ActionKind is the kind of gated action a caller performs on a template
type ActionKind string

const (
	ActionPreview    ActionKind = "preview"
	ActionDownload   ActionKind = "download"
	ActionGeneration ActionKind = "generation"
)

// IsKnownAction reports whether a is a supported action kind.
func IsKnownAction(a ActionKind) bool {
	switch a {
	case ActionPreview, ActionDownload, ActionGeneration:
		return true
	}
	return false
}

// Chargeable reports whether the action may cost a credit. Previews are
// always free once access is allowed.
func (a ActionKind) Chargeable() bool {
	return a == ActionDownload || a == ActionGeneration
}

func (t TierID) String() string { return string(t) }

func (t TierID) validate() error {
	if !IsKnownTier(t) {
		return fmt.Errorf("%w: %q", ErrUnknownTier, string(t))
	}
	return nil
}
