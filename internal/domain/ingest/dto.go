package ingest

import (
	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

// PurchaseCompletedRequest is sent by the payment provider once a purchase is
// placed. Status pending keeps it inactive until a confirmation arrives.
type PurchaseCompletedRequest struct {
	ExternalEventID string  `json:"externalEventId" validate:"required,max=255"`
	Principal       string  `json:"principal" validate:"required,max=128"`
	PackageType     string  `json:"packageType" validate:"required,package_type"`
	TemplateID      *string `json:"templateId" validate:"omitempty,max=128"`
	CreditsGranted  int     `json:"creditsGranted" validate:"gte=0"`
	Amount          int64   `json:"amount" validate:"gte=0"`
	Status          string  `json:"status" validate:"omitempty,oneof=pending completed"`
}

// PurchaseConfirmedRequest settles a purchase that was ingested as pending
type PurchaseConfirmedRequest struct {
	ExternalEventID string `json:"externalEventId" validate:"required,max=255"`
	PurchaseEventID string `json:"purchaseEventId" validate:"required,max=255"`
}

// PurchaseRefundedRequest references the completion event of the refunded purchase
type PurchaseRefundedRequest struct {
	ExternalEventID string `json:"externalEventId" validate:"required,max=255"`
	PurchaseEventID string `json:"purchaseEventId" validate:"required,max=255"`
	Reason          string `json:"reason" validate:"max=500"`
}

// SubscriptionUpdatedRequest sets the principal's subscription tier
type SubscriptionUpdatedRequest struct {
	ExternalEventID string `json:"externalEventId" validate:"required,max=255"`
	Principal       string `json:"principal" validate:"required,max=128"`
	Tier            string `json:"tier" validate:"required,tier"`
}

// PurchaseResult is the 202 body for purchase events
type PurchaseResult struct {
	Purchase ledger.PurchaseResponse `json:"purchase"`
	Created  bool                    `json:"created"`
	Replayed bool                    `json:"replayed"`
}

// PrincipalResult is the 202 body for subscription events
type PrincipalResult struct {
	Principal ledger.PrincipalResponse `json:"principal"`
	Replayed  bool                     `json:"replayed"`
}
