// Package entitlement decides whether a principal may perform a gated
// action on a template and performs the atomic decide-and-decrement.
package entitlement

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

// Source names what granted (or failed to grant) access
type Source string

const (
	SourceUnlimited Source = "unlimited"
	SourceTier      Source = "tier"
	SourceCredits   Source = "credits"
	SourceSingle    Source = "single"
	SourceNone      Source = "none"
)

// Reasons reported to callers
const (
	ReasonUnlimitedPack       = "unlimited_pack"
	ReasonTierIncluded        = "tier_included"
	ReasonPackCredit          = "pack_credit"
	ReasonSinglePurchase      = "single_purchase"
	ReasonUpgradeRequired     = "upgrade_required"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonReplayed            = "replayed"
)

// Decision is the outcome of evaluating one template/action for a principal.
// Deny is a normal outcome, not an error.
type Decision struct {
	Allowed      bool
	Cost         int
	Reason       string
	Source       Source
	Tier         catalog.TierID
	RequiredTier catalog.TierID

	// PurchaseID is the purchase that grants access: the pack to charge
	// when Cost is 1, the unlimited pack, or the single purchase covering
	// the template.
	PurchaseID *uuid.UUID
}

// Snapshot is the derived, read-only entitlement state of a principal
type Snapshot struct {
	PrincipalID            string
	Tier                   catalog.TierID
	HasUnlimited           bool
	AvailableCreditSources []uuid.UUID
	TotalCredits           int
	SingleTemplates        []string

	unlimitedID *uuid.UUID
	purchases   []ledger.Purchase
}

// DecisionFor evaluates access to templateID requiring requiredTier.
// Order: unlimited pack, tier, oldest pack with credits, single purchase.
func (s *Snapshot) DecisionFor(templateID string, action catalog.ActionKind, requiredTier catalog.TierID) Decision {
	d := Decision{Tier: s.Tier, RequiredTier: requiredTier}

	if s.HasUnlimited {
		d.Allowed, d.Source, d.Reason = true, SourceUnlimited, ReasonUnlimitedPack
		d.PurchaseID = s.unlimitedID
		return d
	}

	if catalog.MeetsOrExceeds(s.Tier, requiredTier) {
		d.Allowed, d.Source, d.Reason = true, SourceTier, ReasonTierIncluded
		return d
	}

	if len(s.AvailableCreditSources) > 0 {
		d.Allowed, d.Source, d.Reason = true, SourceCredits, ReasonPackCredit
		if action.Chargeable() {
			id := s.AvailableCreditSources[0]
			d.Cost = 1
			d.PurchaseID = &id
		}
		return d
	}

	for i := range s.purchases {
		p := &s.purchases[i]
		if p.CoversTemplate(templateID) {
			id := p.ID
			d.Allowed, d.Source, d.Reason = true, SourceSingle, ReasonSinglePurchase
			d.PurchaseID = &id
			return d
		}
	}

	d.Source, d.Reason = SourceNone, ReasonUpgradeRequired
	return d
}

func newSnapshot(principal *ledger.Principal, purchases []ledger.Purchase) *Snapshot {
	s := &Snapshot{
		PrincipalID:            principal.ID,
		Tier:                   catalog.NormalizeTier(string(principal.Tier)),
		AvailableCreditSources: make([]uuid.UUID, 0),
		SingleTemplates:        make([]string, 0),
		purchases:              purchases,
	}

	// purchases arrive ordered by created_at, id so credit sources are oldest first
	for i := range purchases {
		p := &purchases[i]
		if !p.IsActive() {
			continue
		}
		switch p.Kind() {
		case catalog.KindUnlimited:
			if !s.HasUnlimited {
				id := p.ID
				s.unlimitedID = &id
			}
			s.HasUnlimited = true
		case catalog.KindFixedCredits:
			s.TotalCredits += p.CreditsRemaining
			if p.HasCredits() {
				s.AvailableCreditSources = append(s.AvailableCreditSources, p.ID)
			}
		case catalog.KindSingleItem:
			if p.TemplateID != nil {
				s.SingleTemplates = append(s.SingleTemplates, *p.TemplateID)
			}
		}
	}
	return s
}

// Resolver is the read-only entitlement evaluator
type Resolver struct {
	store        ledger.Store
	requirements *catalog.Requirements
}

func NewResolver(store ledger.Store, requirements *catalog.Requirements) *Resolver {
	return &Resolver{store: store, requirements: requirements}
}

// Snapshot loads the principal and its active purchases concurrently.
func (r *Resolver) Snapshot(ctx context.Context, principalID string) (*Snapshot, error) {
	var (
		principal *ledger.Principal
		purchases []ledger.Purchase
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := r.store.GetPrincipal(gctx, principalID)
		principal = p
		return err
	})
	g.Go(func() error {
		ps, err := r.store.ListActivePurchases(gctx, principalID)
		purchases = ps
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return newSnapshot(principal, purchases), nil
}

// Unregistered is the snapshot of a principal the ledger has never seen:
// free tier and no purchases.
func (r *Resolver) Unregistered(principalID string) *Snapshot {
	return newSnapshot(&ledger.Principal{ID: principalID, Tier: catalog.TierFree}, nil)
}

// Resolve evaluates one template/action without mutating the ledger.
func (r *Resolver) Resolve(ctx context.Context, principalID, templateID string, action catalog.ActionKind) (Decision, *Snapshot, error) {
	snap, err := r.Snapshot(ctx, principalID)
	if err != nil {
		return Decision{}, nil, err
	}
	return snap.DecisionFor(templateID, action, r.requirements.RequiredTier(templateID)), snap, nil
}

// RequiredTier exposes the template requirement table.
func (r *Resolver) RequiredTier(templateID string) catalog.TierID {
	return r.requirements.RequiredTier(templateID)
}
