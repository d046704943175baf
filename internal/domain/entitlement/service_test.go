package entitlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/entitlement"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/domain/ledger/memory"
)

type fixture struct {
	store   *memory.Store
	service *entitlement.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reqs, err := catalog.NewRequirements(catalog.TierPro, map[string]catalog.TierID{
		"tmpl_free": catalog.TierFree,
		"tmpl_pro":  catalog.TierPro,
		"tmpl_biz":  catalog.TierBusiness,
	})
	require.NoError(t, err)

	store := memory.New()
	return &fixture{
		store:   store,
		service: entitlement.NewService(entitlement.NewResolver(store, reqs), store),
	}
}

func (f *fixture) principal(t *testing.T, id string, tier catalog.TierID) {
	t.Helper()
	_, err := f.store.UpsertPrincipalTier(context.Background(), id, tier)
	require.NoError(t, err)
}

func (f *fixture) purchase(t *testing.T, principal string, pkg catalog.PackageType, template string, credits int) *ledger.Purchase {
	t.Helper()
	evt := ledger.PurchaseEvent{
		ExternalEventID: uuid.NewString(),
		PurchaserID:     principal,
		PackageType:     pkg,
		CreditsGranted:  credits,
	}
	if template != "" {
		evt.TemplateID = &template
	}
	p, created, err := f.store.UpsertPurchaseFromExternalEvent(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (f *fixture) remaining(t *testing.T, id uuid.UUID) int {
	t.Helper()
	p, err := f.store.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	return p.CreditsRemaining
}

func download(principal, template, key string) entitlement.ConsumeRequest {
	return entitlement.ConsumeRequest{
		PrincipalID:    principal,
		TemplateID:     template,
		Action:         catalog.ActionDownload,
		IdempotencyKey: key,
	}
}

func TestCheckTierCoversTemplate(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierPro)

	d, err := f.service.Check(context.Background(), "u1", "tmpl_pro", catalog.ActionDownload)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Cost)
	assert.Equal(t, entitlement.SourceTier, d.Source)
	assert.Equal(t, entitlement.ReasonTierIncluded, d.Reason)

	d, err = f.service.Check(context.Background(), "u1", "tmpl_biz", catalog.ActionDownload)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonUpgradeRequired, d.Reason)
	assert.Equal(t, catalog.TierBusiness, d.RequiredTier)
}

func TestCheckUnknownTemplateUsesDefaultTier(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierStarter)

	d, err := f.service.Check(context.Background(), "u1", "never_seen", catalog.ActionDownload)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, catalog.TierPro, d.RequiredTier)
}

func TestCheckDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	for i := 0; i < 3; i++ {
		d, err := f.service.Check(context.Background(), "u1", "tmpl_biz", catalog.ActionDownload)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Cost)
		require.NotNil(t, d.PurchaseID)
		assert.Equal(t, pack.ID, *d.PurchaseID)
	}
	assert.Equal(t, 5, f.remaining(t, pack.ID))

	usage, err := f.service.Usage(context.Background(), "u1", ledger.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestCheckUnknownPrincipalIsFreeTier(t *testing.T) {
	f := newFixture(t)

	d, err := f.service.Check(context.Background(), "ghost", "tmpl_free", catalog.ActionDownload)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, entitlement.SourceTier, d.Source)
	assert.Equal(t, catalog.TierFree, d.Tier)

	d, err = f.service.Check(context.Background(), "ghost", "tmpl_pro", catalog.ActionDownload)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonUpgradeRequired, d.Reason)

	_, err = f.service.Consume(context.Background(), download("ghost", "tmpl_free", ""))
	assert.ErrorIs(t, err, ledger.ErrPrincipalNotFound)
}

func TestConsumeUnlimitedPackNeverCharges(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	f.purchase(t, "u1", catalog.PackageAll, "", 0)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	for i := 0; i < 3; i++ {
		res, err := f.service.Consume(context.Background(), download("u1", "tmpl_biz", ""))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Zero(t, res.Cost)
		assert.Nil(t, res.ChargedPurchaseID)
		assert.Equal(t, entitlement.ReasonUnlimitedPack, res.Reason)
	}
	assert.Equal(t, 5, f.remaining(t, pack.ID))
}

func TestConsumeDrainsOldestPackFirst(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	older := f.purchase(t, "u1", catalog.PackageFive, "", 2)
	newer := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	charged := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.NotNil(t, res.ChargedPurchaseID)
		charged = append(charged, *res.ChargedPurchaseID)
	}

	assert.Equal(t, []uuid.UUID{older.ID, older.ID, newer.ID}, charged)
	assert.Equal(t, 0, f.remaining(t, older.ID))
	assert.Equal(t, 4, f.remaining(t, newer.ID))
}

func TestConsumeSkipsRefundedPack(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	refunded := f.purchase(t, "u1", catalog.PackageFive, "", 5)
	active := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	_, err := f.store.AdvanceStatus(context.Background(), ledger.StatusChange{
		PurchaseID: refunded.ID,
		Status:     ledger.StatusRefunded,
		AdminID:    "ops",
		Reason:     "chargeback",
	})
	require.NoError(t, err)

	res, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
	require.NoError(t, err)
	require.NotNil(t, res.ChargedPurchaseID)
	assert.Equal(t, active.ID, *res.ChargedPurchaseID)
	assert.Equal(t, 4, res.CreditsRemaining)
	assert.Equal(t, 5, f.remaining(t, refunded.ID))
}

func TestConsumeMixedEntitlements(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 1)

	// free template needs no credit
	res, err := f.service.Consume(context.Background(), download("u1", "tmpl_free", ""))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)
	assert.Equal(t, 1, f.remaining(t, pack.ID))

	// pro template spends the only credit
	res, err = f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Cost)
	assert.Zero(t, res.CreditsRemaining)

	// nothing left
	res, err = f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlement.ReasonUpgradeRequired, res.Reason)

	// upgrading the tier unlocks it without credits
	f.principal(t, "u1", catalog.TierPro)
	res, err = f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)
	assert.Equal(t, entitlement.ReasonTierIncluded, res.Reason)
}

func TestConsumeSinglePurchase(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	single := f.purchase(t, "u1", catalog.PackageSingle, "tmpl_biz", 0)

	res, err := f.service.Consume(context.Background(), download("u1", "tmpl_biz", ""))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)
	assert.Nil(t, res.ChargedPurchaseID)
	assert.Equal(t, entitlement.ReasonSinglePurchase, res.Reason)

	usage, err := f.service.Usage(context.Background(), "u1", ledger.Pagination{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.NotNil(t, usage[0].PurchaseID)
	assert.Equal(t, single.ID, *usage[0].PurchaseID)
	assert.Zero(t, usage[0].CreditsConsumed)

	res, err = f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestConsumePreviewIsFree(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	res, err := f.service.Consume(context.Background(), entitlement.ConsumeRequest{
		PrincipalID: "u1",
		TemplateID:  "tmpl_pro",
		Action:      catalog.ActionPreview,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)
	assert.Equal(t, 5, f.remaining(t, pack.ID))
}

func TestConsumeIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	first, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", "req-1"))
	require.NoError(t, err)
	require.True(t, first.Allowed)
	assert.False(t, first.Replayed)

	second, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", "req-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.UsageID, second.UsageID)
	assert.Equal(t, first.ChargedPurchaseID, second.ChargedPurchaseID)
	assert.Equal(t, first.CreditsRemaining, second.CreditsRemaining)
	assert.Equal(t, entitlement.ReasonReplayed, second.Reason)

	assert.Equal(t, 4, f.remaining(t, pack.ID))

	// the key is scoped to the principal
	f.principal(t, "u2", catalog.TierPro)
	other, err := f.service.Consume(context.Background(), download("u2", "tmpl_pro", "req-1"))
	require.NoError(t, err)
	assert.False(t, other.Replayed)
}

func TestConsumeConcurrentSameKeyChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	pack := f.purchase(t, "u1", catalog.PackageFive, "", 5)

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		usageIDs = make(map[uuid.UUID]int)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", "same-key"))
			if err != nil || !res.Allowed || res.UsageID == nil {
				return
			}
			mu.Lock()
			usageIDs[*res.UsageID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, usageIDs, 1)
	assert.Equal(t, 4, f.remaining(t, pack.ID))
}

func TestConsumeConcurrentNeverOverspends(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	a := f.purchase(t, "u1", catalog.PackageFive, "", 3)
	b := f.purchase(t, "u1", catalog.PackageFive, "", 2)

	const workers = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		denied  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", fmt.Sprintf("k-%d", i)))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
			} else {
				denied++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
	assert.Equal(t, workers-5, denied)
	assert.Zero(t, f.remaining(t, a.ID))
	assert.Zero(t, f.remaining(t, b.ID))

	usage, err := f.service.Usage(context.Background(), "u1", ledger.Pagination{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, usage, 5)
}

func TestConsumeTwoCallersOneCredit(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	f.purchase(t, "u1", catalog.PackageFive, "", 1)

	results := make([]*entitlement.ConsumeResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", ""))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Allowed {
			wins++
		} else {
			assert.Contains(t, []string{entitlement.ReasonUpgradeRequired, entitlement.ReasonInsufficientCredits}, r.Reason)
		}
	}
	assert.Equal(t, 1, wins)
}

// racingStore drains the chosen pack right before the first commit lands,
// simulating a consumer on another replica winning the race.
type racingStore struct {
	*memory.Store
	once sync.Once
}

func (s *racingStore) CommitUsage(ctx context.Context, c ledger.UsageCommit) (*ledger.UsageEntry, error) {
	if c.Charge {
		s.once.Do(func() {
			_, _ = s.Store.SetCreditsRemaining(ctx, ledger.CreditChange{
				PurchaseID: *c.PurchaseID,
				Credits:    0,
				AdminID:    "race",
				Reason:     "drained elsewhere",
			})
		})
	}
	return s.Store.CommitUsage(ctx, c)
}

func TestConsumeReResolvesAfterLostRace(t *testing.T) {
	reqs, err := catalog.NewRequirements(catalog.TierPro, nil)
	require.NoError(t, err)
	store := &racingStore{Store: memory.New()}
	svc := entitlement.NewService(entitlement.NewResolver(store, reqs), store)

	_, err = store.UpsertPrincipalTier(context.Background(), "u1", catalog.TierFree)
	require.NoError(t, err)
	first, _, err := store.UpsertPurchaseFromExternalEvent(context.Background(), ledger.PurchaseEvent{
		ExternalEventID: "e1", PurchaserID: "u1", PackageType: catalog.PackageFive,
	})
	require.NoError(t, err)
	second, _, err := store.UpsertPurchaseFromExternalEvent(context.Background(), ledger.PurchaseEvent{
		ExternalEventID: "e2", PurchaserID: "u1", PackageType: catalog.PackageFive,
	})
	require.NoError(t, err)

	res, err := svc.Consume(context.Background(), download("u1", "employment_contract", ""))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.NotNil(t, res.ChargedPurchaseID)
	assert.Equal(t, second.ID, *res.ChargedPurchaseID)

	p, err := store.GetPurchase(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Zero(t, p.CreditsRemaining)
}

func TestConsumeLostRaceWithNoOtherSourceDenies(t *testing.T) {
	reqs, err := catalog.NewRequirements(catalog.TierPro, nil)
	require.NoError(t, err)
	store := &racingStore{Store: memory.New()}
	svc := entitlement.NewService(entitlement.NewResolver(store, reqs), store)

	_, err = store.UpsertPrincipalTier(context.Background(), "u1", catalog.TierFree)
	require.NoError(t, err)
	_, _, err = store.UpsertPurchaseFromExternalEvent(context.Background(), ledger.PurchaseEvent{
		ExternalEventID: "e1", PurchaserID: "u1", PackageType: catalog.PackageFive,
	})
	require.NoError(t, err)

	res, err := svc.Consume(context.Background(), download("u1", "employment_contract", ""))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlement.ReasonInsufficientCredits, res.Reason)
}

// refundingStore refunds the purchase behind a free grant right before the
// first commit lands, as a refund webhook on another replica would.
type refundingStore struct {
	*memory.Store
	once sync.Once
}

func (s *refundingStore) CommitUsage(ctx context.Context, c ledger.UsageCommit) (*ledger.UsageEntry, error) {
	if c.GrantPurchaseID != nil {
		s.once.Do(func() {
			_, _ = s.Store.AdvanceStatus(ctx, ledger.StatusChange{
				PurchaseID: *c.GrantPurchaseID,
				Status:     ledger.StatusRefunded,
				AdminID:    "webhook",
				Reason:     "refunded elsewhere",
			})
		})
	}
	return s.Store.CommitUsage(ctx, c)
}

func TestConsumeRechecksGrantAtCommit(t *testing.T) {
	tests := []struct {
		name       string
		pkg        catalog.PackageType
		template   string
		withCredit bool
		allowed    bool
		reason     string
	}{
		{name: "single refunded", pkg: catalog.PackageSingle, template: "tmpl_biz", reason: entitlement.ReasonUpgradeRequired},
		{name: "unlimited refunded", pkg: catalog.PackageAll, reason: entitlement.ReasonUpgradeRequired},
		{name: "unlimited refunded falls back to credits", pkg: catalog.PackageAll, withCredit: true, allowed: true, reason: entitlement.ReasonPackCredit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs, err := catalog.NewRequirements(catalog.TierPro, map[string]catalog.TierID{"tmpl_biz": catalog.TierBusiness})
			require.NoError(t, err)
			store := &refundingStore{Store: memory.New()}
			svc := entitlement.NewService(entitlement.NewResolver(store, reqs), store)
			ctx := context.Background()

			_, err = store.UpsertPrincipalTier(ctx, "u1", catalog.TierFree)
			require.NoError(t, err)
			evt := ledger.PurchaseEvent{ExternalEventID: "grant", PurchaserID: "u1", PackageType: tt.pkg}
			if tt.template != "" {
				evt.TemplateID = &tt.template
			}
			grant, _, err := store.UpsertPurchaseFromExternalEvent(ctx, evt)
			require.NoError(t, err)
			if tt.withCredit {
				_, _, err = store.UpsertPurchaseFromExternalEvent(ctx, ledger.PurchaseEvent{
					ExternalEventID: "pack", PurchaserID: "u1", PackageType: catalog.PackageFive,
				})
				require.NoError(t, err)
			}

			res, err := svc.Consume(ctx, download("u1", "tmpl_biz", ""))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)

			p, err := store.GetPurchase(ctx, grant.ID)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusRefunded, p.Status)

			usage, err := store.ListUsage(ctx, "u1", ledger.Pagination{})
			require.NoError(t, err)
			if tt.allowed {
				require.Len(t, usage, 1)
				assert.Equal(t, 1, usage[0].CreditsConsumed)
			} else {
				assert.Empty(t, usage)
			}
		})
	}
}

func TestConsumeStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierFree)
	f.store.FailWith(errors.New("connection refused"))

	_, err := f.service.Consume(context.Background(), download("u1", "tmpl_pro", "k"))
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.True(t, ledger.IsRetryable(err))

	_, err = f.service.Check(context.Background(), "u1", "tmpl_pro", catalog.ActionDownload)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "u1", catalog.TierStarter)
	a := f.purchase(t, "u1", catalog.PackageFive, "", 3)
	b := f.purchase(t, "u1", catalog.PackageFive, "", 2)
	f.purchase(t, "u1", catalog.PackageSingle, "tmpl_biz", 0)

	snap, err := f.service.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierStarter, snap.Tier)
	assert.False(t, snap.HasUnlimited)
	assert.Equal(t, 5, snap.TotalCredits)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, snap.AvailableCreditSources)
	assert.Equal(t, []string{"tmpl_biz"}, snap.SingleTemplates)

	d := snap.DecisionFor("tmpl_biz", catalog.ActionDownload, catalog.TierBusiness)
	assert.True(t, d.Allowed)
	assert.Equal(t, entitlement.SourceCredits, d.Source)
}
