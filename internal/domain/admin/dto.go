package admin

import (
	"time"

	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

// SetCreditsRequest sets credits_remaining on a fixed-credit purchase
type SetCreditsRequest struct {
	Credits *int   `json:"credits" validate:"required,gte=0"`
	Reason  string `json:"reason" validate:"required,min=3,max=500"`
}

// RefundRequest marks a purchase refunded
type RefundRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// SetTierRequest overrides a principal's tier
type SetTierRequest struct {
	Tier   string `json:"tier" validate:"required,tier"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// AdjustmentResponse is one audit row
type AdjustmentResponse struct {
	ID        string `json:"id"`
	AdminID   string `json:"adminId"`
	Field     string `json:"field"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"createdAt"`
}

func adjustmentResponse(a ledger.Adjustment) AdjustmentResponse {
	return AdjustmentResponse{
		ID:        a.ID.String(),
		AdminID:   a.AdminID,
		Field:     a.Field,
		OldValue:  a.OldValue,
		NewValue:  a.NewValue,
		Reason:    a.Reason,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// PrincipalPurchasesResponse lists every purchase of a principal
type PrincipalPurchasesResponse struct {
	Principal ledger.PrincipalResponse  `json:"principal"`
	Purchases []ledger.PurchaseResponse `json:"purchases"`
}
