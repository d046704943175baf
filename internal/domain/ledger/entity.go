package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

// Status represents purchase lifecycle status
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusCompleted:
		return 1
	case StatusRefunded:
		return 2
	}
	return -1
}

// IsKnownStatus reports whether s is a valid purchase status.
func IsKnownStatus(s Status) bool {
	return s.rank() >= 0
}

// CanAdvanceTo reports whether the forward-only lifecycle allows s -> next.
func (s Status) CanAdvanceTo(next Status) bool {
	return IsKnownStatus(next) && next.rank() > s.rank()
}

// Principal is the purchaser identity entitlements are computed for
type Principal struct {
	ID        string         `db:"id" json:"id"`
	Tier      catalog.TierID `db:"tier" json:"tier"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Purchase is one completed (or pending, or refunded) package purchase
type Purchase struct {
	ID               uuid.UUID           `db:"id" json:"id"`
	PurchaserID      string              `db:"purchaser_id" json:"purchaser_id"`
	PackageType      catalog.PackageType `db:"package_type" json:"package_type"`
	TemplateID       *string             `db:"template_id" json:"template_id,omitempty"`
	CreditsTotal     int                 `db:"credits_total" json:"credits_total"`
	CreditsRemaining int                 `db:"credits_remaining" json:"credits_remaining"`
	Status           Status              `db:"status" json:"status"`
	ExternalEventID  string              `db:"external_event_id" json:"external_event_id"`
	Amount           int64               `db:"amount" json:"amount"`
	Version          int64               `db:"version" json:"version"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
}

// Kind returns the entitlement semantics of the purchase's package type.
func (p *Purchase) Kind() catalog.PackageKind {
	return catalog.KindOf(p.PackageType)
}

// IsActive reports whether the purchase counts toward entitlements.
func (p *Purchase) IsActive() bool {
	return p.Status == StatusCompleted
}

// HasCredits reports whether the purchase is an active fixed-credit pack
// with at least one credit left.
func (p *Purchase) HasCredits() bool {
	return p.IsActive() && p.Kind() == catalog.KindFixedCredits && p.CreditsRemaining > 0
}

// CoversTemplate reports whether p is a single purchase for templateID.
func (p *Purchase) CoversTemplate(templateID string) bool {
	return p.Kind() == catalog.KindSingleItem && p.TemplateID != nil && *p.TemplateID == templateID
}

// OlderThan orders purchases by creation time, then id.
func (p *Purchase) OlderThan(other *Purchase) bool {
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.Before(other.CreatedAt)
	}
	return p.ID.String() < other.ID.String()
}

// UsageEntry is an append-only consumption record
type UsageEntry struct {
	ID                    uuid.UUID          `db:"id" json:"id"`
	PurchaseID            *uuid.UUID         `db:"purchase_id" json:"purchase_id,omitempty"`
	PurchaserID           string             `db:"purchaser_id" json:"purchaser_id"`
	TemplateID            string             `db:"template_id" json:"template_id"`
	ActionKind            catalog.ActionKind `db:"action_kind" json:"action_kind"`
	CreditsConsumed       int                `db:"credits_consumed" json:"credits_consumed"`
	CreditsRemainingAfter int                `db:"credits_remaining_after" json:"credits_remaining_after"`
	IdempotencyKey        *string            `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt             time.Time          `db:"created_at" json:"created_at"`
}

// UsageCommit describes one consumption to record atomically.
// When Charge is set, PurchaseID is decremented by one credit in the same
// unit of work, guarded by credits_remaining > 0 at commit time.
// GrantPurchaseID names the unlimited or single purchase behind a free
// grant; it must still be completed at commit time.
type UsageCommit struct {
	PurchaserID     string
	TemplateID      string
	ActionKind      catalog.ActionKind
	PurchaseID      *uuid.UUID
	GrantPurchaseID *uuid.UUID
	Charge          bool
	IdempotencyKey  string
}

// PurchaseEvent is a payment-provider completion event
type PurchaseEvent struct {
	ExternalEventID string
	PurchaserID     string
	PackageType     catalog.PackageType
	TemplateID      *string
	CreditsGranted  int
	Amount          int64
	// Status is pending or completed; empty means completed.
	Status Status
}

// WebhookEvent is a raw journal row for an inbound provider event
type WebhookEvent struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	EventType       string          `db:"event_type" json:"event_type"`
	ExternalEventID string          `db:"external_event_id" json:"external_event_id"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	SignatureValid  bool            `db:"signature_valid" json:"signature_valid"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	ProcessingError *string         `db:"processing_error" json:"processing_error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Adjustment field names
const (
	FieldCreditsRemaining = "credits_remaining"
	FieldStatus           = "status"
)

// Adjustment is an audit row for a manual purchase change
type Adjustment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PurchaseID uuid.UUID `db:"purchase_id" json:"purchase_id"`
	AdminID    string    `db:"admin_id" json:"admin_id"`
	Field      string    `db:"field" json:"field"`
	OldValue   string    `db:"old_value" json:"old_value"`
	NewValue   string    `db:"new_value" json:"new_value"`
	Reason     string    `db:"reason" json:"reason"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CreditChange sets credits_remaining on a fixed-credit purchase.
type CreditChange struct {
	PurchaseID uuid.UUID
	Credits    int
	AdminID    string
	Reason     string
}

// StatusChange advances a purchase's status.
type StatusChange struct {
	PurchaseID uuid.UUID
	Status     Status
	AdminID    string
	Reason     string
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// Normalized clamps the limit to 1..100 (default 20) and the offset to >= 0.
func (p Pagination) Normalized() Pagination {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
