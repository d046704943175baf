package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

func TestRankOrdering(t *testing.T) {
	assert.Equal(t, 0, catalog.Rank(catalog.TierFree))
	assert.Equal(t, 1, catalog.Rank(catalog.TierStarter))
	assert.Equal(t, 2, catalog.Rank(catalog.TierPro))
	assert.Equal(t, 3, catalog.Rank(catalog.TierBusiness))
	assert.Equal(t, 0, catalog.Rank("platinum"), "unknown tiers rank as free")
}

func TestMeetsOrExceeds(t *testing.T) {
	cases := []struct {
		user, required catalog.TierID
		want           bool
	}{
		{catalog.TierFree, catalog.TierFree, true},
		{catalog.TierFree, catalog.TierStarter, false},
		{catalog.TierPro, catalog.TierStarter, true},
		{catalog.TierPro, catalog.TierBusiness, false},
		{catalog.TierBusiness, catalog.TierBusiness, true},
		{"ghost", catalog.TierFree, true},
		{"ghost", catalog.TierStarter, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, catalog.MeetsOrExceeds(tc.user, tc.required), "%s vs %s", tc.user, tc.required)
	}
}

func TestTiersAreOrderedAndCopied(t *testing.T) {
	tiers := catalog.Tiers()
	require.Len(t, tiers, 4)
	for i := 1; i < len(tiers); i++ {
		assert.Less(t, tiers[i-1].Rank, tiers[i].Rank)
	}

	tiers[0].Label = "mutated"
	assert.Equal(t, "Free", catalog.Tiers()[0].Label)
}

func TestNormalizeTier(t *testing.T) {
	assert.Equal(t, catalog.TierPro, catalog.NormalizeTier("  PRO "))
	assert.Equal(t, catalog.TierFree, catalog.NormalizeTier("enterprise"))
}

func TestParsePackage(t *testing.T) {
	typ, tmpl, err := catalog.ParsePackage("single_nda")
	require.NoError(t, err)
	assert.Equal(t, catalog.PackageSingle, typ)
	assert.Equal(t, "nda", tmpl)

	typ, tmpl, err = catalog.ParsePackage("pack_5")
	require.NoError(t, err)
	assert.Equal(t, catalog.PackageFive, typ)
	assert.Empty(t, tmpl)

	_, _, err = catalog.ParsePackage("single_")
	assert.ErrorIs(t, err, catalog.ErrUnknownPackage)

	_, _, err = catalog.ParsePackage("pack_9000")
	assert.ErrorIs(t, err, catalog.ErrUnknownPackage)
}

func TestPackageKindsAndCredits(t *testing.T) {
	assert.Equal(t, catalog.KindUnlimited, catalog.KindOf(catalog.PackageAll))
	assert.Equal(t, catalog.KindFixedCredits, catalog.KindOf(catalog.PackageFive))
	assert.Equal(t, catalog.KindSingleItem, catalog.KindOf(catalog.PackageSingle))
	assert.Equal(t, []string{"pack_5"}, catalog.FixedCreditTypes())

	assert.Equal(t, 5, catalog.CreditsFor(catalog.PackageFive, 0))
	assert.Equal(t, 7, catalog.CreditsFor(catalog.PackageFive, 7))
	assert.Equal(t, 0, catalog.CreditsFor(catalog.PackageAll, 10))
	assert.Equal(t, 0, catalog.CreditsFor(catalog.PackageSingle, 1))
}

func TestActionKinds(t *testing.T) {
	assert.True(t, catalog.IsKnownAction(catalog.ActionPreview))
	assert.False(t, catalog.IsKnownAction("print"))
	assert.False(t, catalog.ActionPreview.Chargeable())
	assert.True(t, catalog.ActionDownload.Chargeable())
	assert.True(t, catalog.ActionGeneration.Chargeable())
}

func TestRequirementsDefaultsAndOverrides(t *testing.T) {
	reqs, err := catalog.NewRequirements(catalog.TierStarter, map[string]catalog.TierID{
		"nda":    catalog.TierBusiness,
		"custom": catalog.TierPro,
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.TierFree, reqs.RequiredTier("invoice"))
	assert.Equal(t, catalog.TierBusiness, reqs.RequiredTier("nda"))
	assert.Equal(t, catalog.TierPro, reqs.RequiredTier("custom"))
	assert.Equal(t, catalog.TierStarter, reqs.RequiredTier("never-seen"))

	list := reqs.List()
	require.NotEmpty(t, list)
	assert.Equal(t, catalog.TierFree, list[0].RequiredTier)
}

func TestRequirementsRejectUnknownTier(t *testing.T) {
	_, err := catalog.NewRequirements("gold", nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownTier)

	_, err = catalog.NewRequirements(catalog.TierFree, map[string]catalog.TierID{"nda": "gold"})
	assert.ErrorIs(t, err, catalog.ErrUnknownTier)
}

func TestLoadRequirementsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"invoice":"business"}`), 0o600))

	reqs, err := catalog.LoadRequirements(path, catalog.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, catalog.TierBusiness, reqs.RequiredTier("invoice"))

	reqs, err = catalog.LoadRequirements("", catalog.TierFree)
	require.NoError(t, err)
	assert.Equal(t, catalog.TierFree, reqs.RequiredTier("never-seen"))

	_, err = catalog.LoadRequirements(filepath.Join(t.TempDir(), "missing.json"), catalog.TierFree)
	assert.Error(t, err)
}
