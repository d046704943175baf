package entitlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

// ConsumeBody is the POST /entitlement/consume payload
type ConsumeBody struct {
	Principal      string `json:"principal" validate:"required,max=128"`
	Template       string `json:"template" validate:"required,max=128"`
	ActionKind     string `json:"actionKind" validate:"required,action_kind"`
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// CheckQuery is the GET /entitlement query
type CheckQuery struct {
	Principal  string `json:"principal" validate:"required,max=128"`
	Template   string `json:"template" validate:"required,max=128"`
	ActionKind string `json:"action" validate:"required,action_kind"`
}

// DecisionResponse is returned by GET /entitlement
type DecisionResponse struct {
	Allowed      bool           `json:"allowed"`
	Cost         int            `json:"cost"`
	Reason       string         `json:"reason"`
	Source       Source         `json:"source"`
	Tier         catalog.TierID `json:"tier"`
	RequiredTier catalog.TierID `json:"requiredTier"`
	UpgradeTo    catalog.TierID `json:"upgradeTo,omitempty"`
}

func decisionResponse(d Decision) DecisionResponse {
	resp := DecisionResponse{
		Allowed:      d.Allowed,
		Cost:         d.Cost,
		Reason:       d.Reason,
		Source:       d.Source,
		Tier:         d.Tier,
		RequiredTier: d.RequiredTier,
	}
	if !d.Allowed {
		resp.UpgradeTo = d.RequiredTier
	}
	return resp
}

// ConsumeResponse is returned by POST /entitlement/consume
type ConsumeResponse struct {
	Allowed           bool       `json:"allowed"`
	ChargedPurchaseID *uuid.UUID `json:"chargedPurchaseId"`
	Cost              int        `json:"cost"`
	Reason            string     `json:"reason"`
	Replayed          bool       `json:"replayed"`
	CreditsRemaining  *int       `json:"creditsRemaining,omitempty"`
	UsageID           *uuid.UUID `json:"usageId,omitempty"`
}

func consumeResponse(r *ConsumeResult) ConsumeResponse {
	resp := ConsumeResponse{
		Allowed:           r.Allowed,
		ChargedPurchaseID: r.ChargedPurchaseID,
		Cost:              r.Cost,
		Reason:            r.Reason,
		Replayed:          r.Replayed,
		UsageID:           r.UsageID,
	}
	if r.Allowed {
		remaining := r.CreditsRemaining
		resp.CreditsRemaining = &remaining
	}
	return resp
}

// SnapshotResponse is returned by GET /entitlement/snapshot
type SnapshotResponse struct {
	Principal              string                      `json:"principal"`
	Tier                   catalog.TierID              `json:"tier"`
	HasUnlimited           bool                        `json:"hasUnlimited"`
	AvailableCreditSources []uuid.UUID                 `json:"availableCreditSources"`
	TotalCredits           int                         `json:"totalCredits"`
	SingleTemplates        []string                    `json:"singleTemplates"`
	Decisions              map[string]DecisionResponse `json:"decisions,omitempty"`
}

// UsageResponse is one activity log row
type UsageResponse struct {
	ID                    uuid.UUID          `json:"id"`
	PurchaseID            *uuid.UUID         `json:"purchaseId,omitempty"`
	Template              string             `json:"template"`
	ActionKind            catalog.ActionKind `json:"actionKind"`
	CreditsConsumed       int                `json:"creditsConsumed"`
	CreditsRemainingAfter int                `json:"creditsRemainingAfter"`
	CreatedAt             string             `json:"createdAt"`
}

func usageResponse(e ledger.UsageEntry) UsageResponse {
	return UsageResponse{
		ID:                    e.ID,
		PurchaseID:            e.PurchaseID,
		Template:              e.TemplateID,
		ActionKind:            e.ActionKind,
		CreditsConsumed:       e.CreditsConsumed,
		CreditsRemainingAfter: e.CreditsRemainingAfter,
		CreatedAt:             e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
