package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func appleLine() domain.LineItem {
	return domain.LineItem{
		ID:           "apple",
		Name:         "Alma",
		Unit:         "kg",
		Quantity:     dec("2"),
		NetPrice:     1000,
		GrossPrice:   1270,
		VATPercent:   dec("27"),
		StepQuantity: dec("0.5"),
		MinQuantity:  dec("0.5"),
		MaxQuantity:  dec("10"),
	}
}

func TestPricingPublicSubtotalAndVAT(t *testing.T) {
	policies := DefaultTierPolicies()
	items := []domain.LineItem{appleLine()}

	assert.Equal(t, int64(2540), CartSubtotal(items, domain.TierPublic, policies))
	assert.Equal(t, int64(540), VATTotal(items, 0))
	assert.Equal(t, int64(2000), CartSubtotal(items, domain.TierVIP, policies))
	assert.Equal(t, int64(2000), CartSubtotal(items, domain.TierCompany, policies))
	assert.Equal(t, int64(600), VATTotal(items, 60))
}

func TestPricingOrderTotalAddsVATOnlyForCompany(t *testing.T) {
	policies := DefaultTierPolicies()
	items := []domain.LineItem{appleLine()}
	shipping := domain.ShippingSelection{MethodID: "home", Cost: 1270, VAT: 270}

	cases := []struct {
		tier domain.CustomerTier
		want int64
	}{
		{domain.TierPublic, 2540 + 1270 + 100 - 50},
		{domain.TierVIP, 2000 + 1270 + 100 - 50},
		{domain.TierCompany, 2000 + 1270 + 100 - 50 + 540},
	}
	for _, tc := range cases {
		t.Run(string(tc.tier), func(t *testing.T) {
			totals := ComputeTotals(items, tc.tier, shipping, 100, 50, 0, policies)
			assert.Equal(t, tc.want, totals.Total)
			assert.Equal(t, int64(540), totals.VATTotal)
			assert.Equal(t, int64(270), totals.ShippingVAT)
		})
	}
}

func TestPricingCustomItemIsFlat(t *testing.T) {
	item := appleLine()
	item.IsCustom = true
	item.Quantity = dec("3.5")

	assert.Equal(t, int64(1270), LineSubtotal(item, domain.TierPublic, DefaultTierPolicies()))
	assert.Equal(t, int64(270), VATTotal([]domain.LineItem{item}, 0))
}

func TestPricingFractionalQuantityRoundsHalfAwayFromZero(t *testing.T) {
	item := appleLine()
	item.GrossPrice = 333
	item.Quantity = dec("1.5")

	assert.Equal(t, int64(500), LineSubtotal(item, domain.TierPublic, DefaultTierPolicies()))
}

func TestPricingSurchargeOnlyForOnlinePayments(t *testing.T) {
	policies := DefaultTierPolicies().WithCheckoutSettings(
		map[domain.CustomerTier]decimal.Decimal{domain.TierPublic: dec("10")},
		nil,
	)

	assert.Equal(t, int64(254), Surcharge(2540, domain.TierPublic, domain.PaymentTypeOnline, policies))
	assert.Zero(t, Surcharge(2540, domain.TierPublic, domain.PaymentTypeCOD, policies))
	assert.Zero(t, Surcharge(2540, domain.TierPublic, domain.PaymentTypeWire, policies))
	assert.Zero(t, Surcharge(2540, domain.TierVIP, domain.PaymentTypeOnline, policies))
}

func TestEditPriceDirectionByTier(t *testing.T) {
	policies := DefaultTierPolicies()

	t.Run("company edits net", func(t *testing.T) {
		edited, err := EditPrice(appleLine(), domain.TierCompany, 2000, policies)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), edited.NetPrice)
		assert.Equal(t, int64(2540), edited.GrossPrice)
		assert.Equal(t, GrossFromNet(edited.NetPrice, edited.VATPercent), edited.GrossPrice)
	})

	t.Run("vip edits net", func(t *testing.T) {
		edited, err := EditPrice(appleLine(), domain.TierVIP, 999, policies)
		require.NoError(t, err)
		assert.Equal(t, int64(999), edited.NetPrice)
		assert.Equal(t, int64(1269), edited.GrossPrice)
	})

	t.Run("public edits gross", func(t *testing.T) {
		edited, err := EditPrice(appleLine(), domain.TierPublic, 1500, policies)
		require.NoError(t, err)
		assert.Equal(t, int64(1500), edited.GrossPrice)
		assert.Equal(t, int64(1181), edited.NetPrice)
		assert.Equal(t, NetFromGross(edited.GrossPrice, edited.VATPercent), edited.NetPrice)
		assert.Equal(t, int64(3000), edited.Subtotal)
	})

	t.Run("negative rejected", func(t *testing.T) {
		_, err := EditPrice(appleLine(), domain.TierPublic, -1, policies)
		require.ErrorIs(t, err, ErrPricingInvalidInput)
	})
}

func TestNormalizeLinePrices(t *testing.T) {
	t.Run("gross authoritative rounding accepted", func(t *testing.T) {
		item := appleLine()
		item.NetPrice = 1969
		item.GrossPrice = 2500
		got, err := NormalizeLinePrices(item)
		require.NoError(t, err)
		assert.Equal(t, int64(1969), got.NetPrice)
	})

	t.Run("missing side derived", func(t *testing.T) {
		item := appleLine()
		item.NetPrice = 0
		item.GrossPrice = 990
		got, err := NormalizeLinePrices(item)
		require.NoError(t, err)
		assert.Equal(t, int64(780), got.NetPrice)

		item = appleLine()
		item.GrossPrice = 0
		got, err = NormalizeLinePrices(item)
		require.NoError(t, err)
		assert.Equal(t, int64(1270), got.GrossPrice)
	})

	t.Run("negative spread rejected", func(t *testing.T) {
		item := appleLine()
		item.GrossPrice = 1
		_, err := NormalizeLinePrices(item)
		require.ErrorIs(t, err, ErrPricingInvalidInput)
	})
}

func TestResolveQuantity(t *testing.T) {
	bounds := QuantityBounds{Step: dec("0.5"), Min: dec("0.5"), Max: dec("10")}

	cases := []struct {
		raw     string
		set     bool
		display string
	}{
		{"1,3", true, "1.5"},
		{"1.2", true, "1.0"},
		{"0.1", true, "0.5"},
		{"25", true, "10.0"},
		{"", false, ""},
		{"abc", false, ""},
		{"  2,75 ", true, "3.0"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got := ResolveQuantity(tc.raw, bounds)
			assert.Equal(t, tc.set, got.Set)
			assert.Equal(t, tc.display, got.Display())
		})
	}

	unset := ResolveQuantity("", bounds)
	assert.True(t, unset.Effective().Equal(dec("1")), "unset quantity prices as one unit")
}

func TestSnapQuantityIsIdempotent(t *testing.T) {
	boundsSet := []QuantityBounds{
		{Step: dec("0.5"), Min: dec("0.5"), Max: dec("10")},
		{Step: dec("0.3"), Min: dec("0.6"), Max: dec("5")},
		{Step: dec("1"), Min: dec("2"), Max: dec("7")},
		{},
	}
	inputs := []string{"-3", "0", "0.04", "0.26", "1.15", "2.5", "3.33", "6.99", "42"}
	for _, bounds := range boundsSet {
		for _, raw := range inputs {
			once := SnapQuantity(dec(raw), bounds)
			twice := SnapQuantity(once, bounds)
			assert.Truef(t, once.Equal(twice), "snap(%s) with %+v: %s then %s", raw, bounds, once, twice)
			assert.Truef(t, once.IsPositive(), "snap(%s) must be positive, got %s", raw, once)
		}
	}
}
