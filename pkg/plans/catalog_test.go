package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *Catalog {
	return NewCatalog(Config{
		PricePremium: "price_premium",
		PricePlus:    "price_plus",
		PriceAcademy: "academy_manual",
		TrialDays:    7,
	})
}

func TestResolve(t *testing.T) {
	c := testCatalog()

	d, err := c.Resolve("price_premium")
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, d.Key)
	assert.Equal(t, 9.99, d.Price)

	_, err = c.Resolve("price_unknown")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestByKey(t *testing.T) {
	c := testCatalog()

	d, err := c.ByKey(PlanAcademy)
	require.NoError(t, err)
	assert.True(t, d.ContactSales)

	_, err = c.ByKey("enterprise")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestFeatureLimit(t *testing.T) {
	c := testCatalog()

	limit, unlimited := c.FeatureLimit(PlanFree, FeatureChatMessages)
	assert.EqualValues(t, 3, limit)
	assert.False(t, unlimited)

	// Disabled on the free plan.
	limit, unlimited = c.FeatureLimit(PlanFree, FeatureFileUploads)
	assert.EqualValues(t, 0, limit)
	assert.False(t, unlimited)

	_, unlimited = c.FeatureLimit(PlanPremium, FeatureChatMessages)
	assert.True(t, unlimited)

	// Unknown plan or feature gates everything off.
	limit, unlimited = c.FeatureLimit("enterprise", FeatureChatMessages)
	assert.EqualValues(t, 0, limit)
	assert.False(t, unlimited)
}

func TestTrialDaysConfigurable(t *testing.T) {
	c := testCatalog()
	d, err := c.ByKey(PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, 7, d.TrialDays)

	// Defaults to 14 when unset.
	def := NewCatalog(Config{PricePremium: "p"})
	d, err = def.ByKey(PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, 14, d.TrialDays)
}

func TestAll_FreePlanFirst(t *testing.T) {
	c := testCatalog()
	all := c.All()
	require.Len(t, all, 4)
	assert.Equal(t, PlanFree, all[0].Key)
	assert.Equal(t, PlanAcademy, all[3].Key)
}
