// Package memory is an in-process ledger.Store used by tests and local runs
// without Postgres.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

type Store struct {
	mu sync.Mutex

	principals  map[string]*ledger.Principal
	purchases   map[uuid.UUID]*ledger.Purchase
	byEvent     map[string]uuid.UUID
	usage       []ledger.UsageEntry
	usageByKey  map[string]int
	webhooks    map[string]*ledger.WebhookEvent
	adjustments []ledger.Adjustment

	last time.Time

	// failWith, when set, is returned by every operation
	failWith error
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		principals: make(map[string]*ledger.Principal),
		purchases:  make(map[uuid.UUID]*ledger.Purchase),
		byEvent:    make(map[string]uuid.UUID),
		usage:      make([]ledger.UsageEntry, 0),
		usageByKey: make(map[string]int),
		webhooks:   make(map[string]*ledger.WebhookEvent),
	}
}

// FailWith makes every subsequent call return err wrapped as
// ledger.ErrStorageUnavailable. nil restores normal operation.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) check() error {
	if s.failWith != nil {
		return storageErr(s.failWith)
	}
	return nil
}

// now returns strictly increasing timestamps so created_at ordering is total.
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func usageKey(purchaserID, key string) string {
	return purchaserID + "\x00" + key
}

func webhookKey(eventType, externalID string) string {
	return eventType + "\x00" + externalID
}

func clonePurchase(p *ledger.Purchase) *ledger.Purchase {
	c := *p
	if p.TemplateID != nil {
		t := *p.TemplateID
		c.TemplateID = &t
	}
	return &c
}

func (s *Store) GetPrincipal(_ context.Context, id string) (*ledger.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	p, ok := s.principals[id]
	if !ok {
		return nil, ledger.ErrPrincipalNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) UpsertPrincipalTier(_ context.Context, id string, tier catalog.TierID) (*ledger.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	now := s.now()
	p, ok := s.principals[id]
	if !ok {
		p = &ledger.Principal{ID: id, CreatedAt: now}
		s.principals[id] = p
	}
	p.Tier = tier
	p.UpdatedAt = now
	c := *p
	return &c, nil
}

func (s *Store) ensurePrincipal(id string) {
	if _, ok := s.principals[id]; ok {
		return
	}
	now := s.now()
	s.principals[id] = &ledger.Principal{ID: id, Tier: catalog.TierFree, CreatedAt: now, UpdatedAt: now}
}

func (s *Store) listPurchases(purchaserID string, activeOnly bool) []ledger.Purchase {
	out := make([]ledger.Purchase, 0)
	for _, p := range s.purchases {
		if p.PurchaserID != purchaserID {
			continue
		}
		if activeOnly && !p.IsActive() {
			continue
		}
		out = append(out, *clonePurchase(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OlderThan(&out[j]) })
	return out
}

func (s *Store) ListActivePurchases(_ context.Context, purchaserID string) ([]ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.listPurchases(purchaserID, true), nil
}

func (s *Store) ListPurchases(_ context.Context, purchaserID string) ([]ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.listPurchases(purchaserID, false), nil
}

func (s *Store) GetPurchase(_ context.Context, id uuid.UUID) (*ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	p, ok := s.purchases[id]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	return clonePurchase(p), nil
}

func (s *Store) GetPurchaseByExternalEvent(_ context.Context, externalEventID string) (*ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	id, ok := s.byEvent[externalEventID]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	return clonePurchase(s.purchases[id]), nil
}

func (s *Store) UpsertPurchaseFromExternalEvent(_ context.Context, evt ledger.PurchaseEvent) (*ledger.Purchase, bool, error) {
	evt, err := ledger.ValidateEvent(evt)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, false, err
	}

	if id, ok := s.byEvent[evt.ExternalEventID]; ok {
		return clonePurchase(s.purchases[id]), false, nil
	}

	s.ensurePrincipal(evt.PurchaserID)

	now := s.now()
	p := &ledger.Purchase{
		ID:               uuid.New(),
		PurchaserID:      evt.PurchaserID,
		PackageType:      evt.PackageType,
		TemplateID:       evt.TemplateID,
		CreditsTotal:     evt.CreditsGranted,
		CreditsRemaining: evt.CreditsGranted,
		Status:           evt.Status,
		ExternalEventID:  evt.ExternalEventID,
		Amount:           evt.Amount,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.purchases[p.ID] = p
	s.byEvent[evt.ExternalEventID] = p.ID

	return clonePurchase(p), true, nil
}

func (s *Store) AppendUsageLog(_ context.Context, entry ledger.UsageEntry) (*ledger.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.appendUsage(entry)
}

func (s *Store) appendUsage(entry ledger.UsageEntry) (*ledger.UsageEntry, error) {
	if entry.CreditsConsumed < 0 || entry.CreditsConsumed > 1 || entry.CreditsRemainingAfter < 0 {
		return nil, ledger.ErrInvalidCredits
	}
	if entry.IdempotencyKey != nil {
		if _, ok := s.usageByKey[usageKey(entry.PurchaserID, *entry.IdempotencyKey)]; ok {
			return nil, ledger.ErrDuplicateIdempotencyKey
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = s.now()

	s.usage = append(s.usage, entry)
	if entry.IdempotencyKey != nil {
		s.usageByKey[usageKey(entry.PurchaserID, *entry.IdempotencyKey)] = len(s.usage) - 1
	}
	out := entry
	return &out, nil
}

func (s *Store) fixedBalance(purchaserID string) int {
	total := 0
	for _, p := range s.purchases {
		if p.PurchaserID == purchaserID && p.IsActive() && p.Kind() == catalog.KindFixedCredits {
			total += p.CreditsRemaining
		}
	}
	return total
}

func (s *Store) CommitUsage(_ context.Context, c ledger.UsageCommit) (*ledger.UsageEntry, error) {
	if c.Charge && c.PurchaseID == nil {
		return nil, ledger.ErrInvalidCredits
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	if c.IdempotencyKey != "" {
		if _, ok := s.usageByKey[usageKey(c.PurchaserID, c.IdempotencyKey)]; ok {
			return nil, ledger.ErrDuplicateIdempotencyKey
		}
	}

	if c.GrantPurchaseID != nil {
		p, ok := s.purchases[*c.GrantPurchaseID]
		if !ok || p.PurchaserID != c.PurchaserID || !p.IsActive() {
			return nil, ledger.ErrCreditConflict
		}
	}

	consumed := 0
	var charged *ledger.Purchase
	if c.Charge {
		p, ok := s.purchases[*c.PurchaseID]
		if !ok || p.PurchaserID != c.PurchaserID || !p.IsActive() || p.CreditsRemaining <= 0 {
			return nil, ledger.ErrCreditConflict
		}
		charged = p
		consumed = 1
	}

	entry := ledger.UsageEntry{
		PurchaseID:      c.PurchaseID,
		PurchaserID:     c.PurchaserID,
		TemplateID:      c.TemplateID,
		ActionKind:      c.ActionKind,
		CreditsConsumed: consumed,
	}
	if c.IdempotencyKey != "" {
		key := c.IdempotencyKey
		entry.IdempotencyKey = &key
	}

	// Mutations below cannot fail, so the unit is all-or-nothing.
	if charged != nil {
		charged.CreditsRemaining--
		charged.Version++
		charged.UpdatedAt = s.now()
	}
	entry.CreditsRemainingAfter = s.fixedBalance(c.PurchaserID)

	return s.appendUsage(entry)
}

func (s *Store) FindUsageByIdempotencyKey(_ context.Context, purchaserID, key string) (*ledger.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	idx, ok := s.usageByKey[usageKey(purchaserID, key)]
	if !ok {
		return nil, ledger.ErrUsageNotFound
	}
	out := s.usage[idx]
	return &out, nil
}

func (s *Store) ListUsage(_ context.Context, purchaserID string, p ledger.Pagination) ([]ledger.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	p = p.Normalized()
	out := make([]ledger.UsageEntry, 0)
	skipped := 0
	for i := len(s.usage) - 1; i >= 0 && len(out) < p.Limit; i-- {
		if s.usage[i].PurchaserID != purchaserID {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		out = append(out, s.usage[i])
	}
	return out, nil
}

func (s *Store) RecordWebhookEvent(_ context.Context, evt ledger.WebhookEvent) (*ledger.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, false, err
	}

	key := webhookKey(evt.EventType, evt.ExternalEventID)
	if existing, ok := s.webhooks[key]; ok {
		c := *existing
		return &c, true, nil
	}

	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	evt.CreatedAt = s.now()
	evt.ProcessedAt = nil
	evt.ProcessingError = nil
	s.webhooks[key] = &evt

	c := evt
	return &c, false, nil
}

func (s *Store) MarkWebhookProcessed(_ context.Context, id uuid.UUID, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	for _, evt := range s.webhooks {
		if evt.ID != id {
			continue
		}
		if procErr != nil {
			msg := procErr.Error()
			evt.ProcessingError = &msg
			return nil
		}
		now := s.now()
		evt.ProcessedAt = &now
		evt.ProcessingError = nil
		return nil
	}
	return nil
}

func (s *Store) SetCreditsRemaining(_ context.Context, change ledger.CreditChange) (*ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	p, ok := s.purchases[change.PurchaseID]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	if err := ledger.ValidateCreditChange(p, change.Credits); err != nil {
		return nil, err
	}

	old := p.CreditsRemaining
	p.CreditsRemaining = change.Credits
	p.Version++
	p.UpdatedAt = s.now()

	s.recordAdjustment(p.ID, change.AdminID, ledger.FieldCreditsRemaining, strconv.Itoa(old), strconv.Itoa(change.Credits), change.Reason)
	return clonePurchase(p), nil
}

func (s *Store) AdvanceStatus(_ context.Context, change ledger.StatusChange) (*ledger.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	p, ok := s.purchases[change.PurchaseID]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	if p.Status == change.Status {
		return clonePurchase(p), nil
	}
	if !p.Status.CanAdvanceTo(change.Status) {
		return nil, ledger.ErrInvalidStatusTransition
	}

	old := p.Status
	p.Status = change.Status
	p.Version++
	p.UpdatedAt = s.now()

	s.recordAdjustment(p.ID, change.AdminID, ledger.FieldStatus, string(old), string(change.Status), change.Reason)
	return clonePurchase(p), nil
}

func (s *Store) recordAdjustment(purchaseID uuid.UUID, adminID, field, oldValue, newValue, reason string) {
	s.adjustments = append(s.adjustments, ledger.Adjustment{
		ID:         uuid.New(),
		PurchaseID: purchaseID,
		AdminID:    adminID,
		Field:      field,
		OldValue:   oldValue,
		NewValue:   newValue,
		Reason:     reason,
		CreatedAt:  s.now(),
	})
}

func (s *Store) ListAdjustments(_ context.Context, purchaseID uuid.UUID) ([]ledger.Adjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]ledger.Adjustment, 0)
	for _, a := range s.adjustments {
		if a.PurchaseID == purchaseID {
			out = append(out, a)
		}
	}
	return out, nil
}
