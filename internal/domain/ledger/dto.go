package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

// PurchaseResponse is the API view of a purchase
type PurchaseResponse struct {
	ID               uuid.UUID           `json:"id"`
	Principal        string              `json:"principal"`
	PackageType      catalog.PackageType `json:"packageType"`
	Kind             catalog.PackageKind `json:"kind"`
	TemplateID       *string             `json:"templateId,omitempty"`
	CreditsTotal     int                 `json:"creditsTotal"`
	CreditsRemaining int                 `json:"creditsRemaining"`
	Status           Status              `json:"status"`
	ExternalEventID  string              `json:"externalEventId"`
	Amount           int64               `json:"amount"`
	CreatedAt        string              `json:"createdAt"`
	UpdatedAt        string              `json:"updatedAt"`
}

func NewPurchaseResponse(p *Purchase) PurchaseResponse {
	return PurchaseResponse{
		ID:               p.ID,
		Principal:        p.PurchaserID,
		PackageType:      p.PackageType,
		Kind:             p.Kind(),
		TemplateID:       p.TemplateID,
		CreditsTotal:     p.CreditsTotal,
		CreditsRemaining: p.CreditsRemaining,
		Status:           p.Status,
		ExternalEventID:  p.ExternalEventID,
		Amount:           p.Amount,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// PrincipalResponse is the API view of a principal
type PrincipalResponse struct {
	ID        string         `json:"id"`
	Tier      catalog.TierID `json:"tier"`
	UpdatedAt string         `json:"updatedAt"`
}

func NewPrincipalResponse(p *Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:        p.ID,
		Tier:      p.Tier,
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
