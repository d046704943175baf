// Package admin exposes operator overrides on purchases and principals.
// Every purchase change is audited in credit_adjustments.
package admin

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
)

// Service handles admin business logic
type Service struct {
	store ledger.Store
}

// NewService creates admin service
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// GetPurchase returns one purchase
func (s *Service) GetPurchase(ctx context.Context, id uuid.UUID) (*ledger.Purchase, error) {
	return s.store.GetPurchase(ctx, id)
}

// SetCredits overwrites credits_remaining within 0..credits_total.
func (s *Service) SetCredits(ctx context.Context, operatorID string, id uuid.UUID, credits int, reason string) (*ledger.Purchase, error) {
	if operatorID == "" {
		return nil, ErrMissingOperator
	}

	p, err := s.store.SetCreditsRemaining(ctx, ledger.CreditChange{
		PurchaseID: id,
		Credits:    credits,
		AdminID:    operatorID,
		Reason:     strings.TrimSpace(reason),
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAdminChange("credits")
	logger.FromContext(ctx).Info().
		Str("purchase_id", id.String()).
		Int("credits_remaining", p.CreditsRemaining).
		Msg("credits overridden")
	return p, nil
}

// Refund advances the purchase to refunded. Refunding twice is a no-op.
func (s *Service) Refund(ctx context.Context, operatorID string, id uuid.UUID, reason string) (*ledger.Purchase, error) {
	if operatorID == "" {
		return nil, ErrMissingOperator
	}

	p, err := s.store.AdvanceStatus(ctx, ledger.StatusChange{
		PurchaseID: id,
		Status:     ledger.StatusRefunded,
		AdminID:    operatorID,
		Reason:     strings.TrimSpace(reason),
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAdminChange("refund")
	logger.FromContext(ctx).Info().Str("purchase_id", id.String()).Msg("purchase refunded by operator")
	return p, nil
}

// Adjustments returns the audit trail of a purchase, oldest first
func (s *Service) Adjustments(ctx context.Context, id uuid.UUID) ([]ledger.Adjustment, error) {
	if _, err := s.store.GetPurchase(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAdjustments(ctx, id)
}

// SetTier overrides the principal's subscription tier
func (s *Service) SetTier(ctx context.Context, operatorID, principalID string, tier catalog.TierID, reason string) (*ledger.Principal, error) {
	if operatorID == "" {
		return nil, ErrMissingOperator
	}
	if !catalog.IsKnownTier(tier) {
		return nil, catalog.ErrUnknownTier
	}

	p, err := s.store.UpsertPrincipalTier(ctx, principalID, tier)
	if err != nil {
		return nil, err
	}

	metrics.RecordAdminChange("tier")
	logger.FromContext(ctx).Info().
		Str("principal", principalID).
		Str("tier", string(tier)).
		Str("reason", reason).
		Msg("tier overridden")
	return p, nil
}

// PrincipalPurchases returns the principal and all purchases, refunded included
func (s *Service) PrincipalPurchases(ctx context.Context, principalID string) (*ledger.Principal, []ledger.Purchase, error) {
	principal, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, nil, err
	}
	purchases, err := s.store.ListPurchases(ctx, principalID)
	if err != nil {
		return nil, nil, err
	}
	return principal, purchases, nil
}
