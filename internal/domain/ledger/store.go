// Package ledger stores purchases, principals and the append-only usage log.
package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

// Store is the sole owner of purchase and usage persistence
type Store interface {
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	UpsertPrincipalTier(ctx context.Context, id string, tier catalog.TierID) (*Principal, error)

	// ListActivePurchases returns completed purchases ordered by created_at, id.
	ListActivePurchases(ctx context.Context, purchaserID string) ([]Purchase, error)
	ListPurchases(ctx context.Context, purchaserID string) ([]Purchase, error)
	GetPurchase(ctx context.Context, id uuid.UUID) (*Purchase, error)
	GetPurchaseByExternalEvent(ctx context.Context, externalEventID string) (*Purchase, error)

	// UpsertPurchaseFromExternalEvent is idempotent on ExternalEventID; the
	// bool reports whether a new row was created.
	UpsertPurchaseFromExternalEvent(ctx context.Context, evt PurchaseEvent) (*Purchase, bool, error)

	AppendUsageLog(ctx context.Context, entry UsageEntry) (*UsageEntry, error)
	CommitUsage(ctx context.Context, c UsageCommit) (*UsageEntry, error)
	FindUsageByIdempotencyKey(ctx context.Context, purchaserID, key string) (*UsageEntry, error)
	ListUsage(ctx context.Context, purchaserID string, p Pagination) ([]UsageEntry, error)

	// RecordWebhookEvent journals evt; the bool reports a replay of a
	// previously recorded (event_type, external_event_id).
	RecordWebhookEvent(ctx context.Context, evt WebhookEvent) (*WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, id uuid.UUID, procErr error) error

	SetCreditsRemaining(ctx context.Context, change CreditChange) (*Purchase, error)
	AdvanceStatus(ctx context.Context, change StatusChange) (*Purchase, error)
	ListAdjustments(ctx context.Context, purchaseID uuid.UUID) ([]Adjustment, error)
}

// ValidateEvent normalizes a purchase event against the catalog.
func ValidateEvent(evt PurchaseEvent) (PurchaseEvent, error) {
	evt.ExternalEventID = strings.TrimSpace(evt.ExternalEventID)
	evt.PurchaserID = strings.TrimSpace(evt.PurchaserID)
	if evt.ExternalEventID == "" || evt.PurchaserID == "" {
		return evt, ErrInvalidEvent
	}

	typ, templateID, err := catalog.ParsePackage(string(evt.PackageType))
	if err != nil {
		return evt, ErrInvalidEvent
	}
	evt.PackageType = typ

	if typ == catalog.PackageSingle {
		if templateID == "" && evt.TemplateID != nil {
			templateID = strings.TrimSpace(*evt.TemplateID)
		}
		if templateID == "" {
			return evt, ErrInvalidEvent
		}
		evt.TemplateID = &templateID
	} else {
		evt.TemplateID = nil
	}

	if evt.CreditsGranted < 0 || evt.Amount < 0 {
		return evt, ErrInvalidEvent
	}
	switch evt.Status {
	case "":
		evt.Status = StatusCompleted
	case StatusPending, StatusCompleted:
	default:
		return evt, ErrInvalidEvent
	}
	evt.CreditsGranted = catalog.CreditsFor(typ, evt.CreditsGranted)

	return evt, nil
}

// ValidateCreditChange checks admin bounds 0 <= credits <= total.
func ValidateCreditChange(p *Purchase, credits int) error {
	if p.Kind() != catalog.KindFixedCredits {
		return ErrInvalidCredits
	}
	if credits < 0 || credits > p.CreditsTotal {
		return ErrInvalidCredits
	}
	return nil
}
