package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

var (
	// ErrPricingInvalidInput signals a price or quantity the pricing model cannot accept.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

var (
	hundred           = decimal.NewFromInt(100)
	quantityOne       = decimal.NewFromInt(1)
	defaultMaxQty     = decimal.NewFromInt(100)
	quantityPrecision = int32(1)
)

// PriceField selects which unit price a tier pays.
type PriceField string

const (
	PriceFieldNet   PriceField = "net"
	PriceFieldGross PriceField = "gross"
)

// PickupPaymentRule restricts payment types when the order is collected in person.
type PickupPaymentRule string

const (
	PickupPaymentAny        PickupPaymentRule = "any"
	PickupPaymentCODOnly    PickupPaymentRule = "cod_only"
	PickupPaymentNonCODOnly PickupPaymentRule = "non_cod_only"
)

// TierPolicy consolidates every tier-dependent pricing and eligibility decision.
type TierPolicy struct {
	PriceField       PriceField
	AddVATToTotal    bool
	NetAuthoritative bool
	PickupPayment    PickupPaymentRule
	SurchargePercent decimal.Decimal
	MinimumPurchase  int64
}

// TierPolicies is the lookup table consulted by pricing, selection and checkout.
type TierPolicies map[domain.CustomerTier]TierPolicy

// DefaultTierPolicies returns the tier table without surcharge or minimum purchase settings.
func DefaultTierPolicies() TierPolicies {
	return TierPolicies{
		domain.TierPublic: {
			PriceField:    PriceFieldGross,
			PickupPayment: PickupPaymentNonCODOnly,
		},
		domain.TierVIP: {
			PriceField:       PriceFieldNet,
			NetAuthoritative: true,
			PickupPayment:    PickupPaymentCODOnly,
		},
		domain.TierCompany: {
			PriceField:       PriceFieldNet,
			AddVATToTotal:    true,
			NetAuthoritative: true,
			PickupPayment:    PickupPaymentAny,
		},
	}
}

// WithCheckoutSettings returns a copy of the table carrying per-tier surcharge and minimum purchase values.
func (p TierPolicies) WithCheckoutSettings(surchargePercent map[domain.CustomerTier]decimal.Decimal, minimums map[domain.CustomerTier]int64) TierPolicies {
	out := make(TierPolicies, len(p))
	for tier, policy := range p {
		if pct, ok := surchargePercent[tier]; ok {
			policy.SurchargePercent = pct
		}
		if minimum, ok := minimums[tier]; ok {
			policy.MinimumPurchase = minimum
		}
		out[tier] = policy
	}
	return out
}

// For resolves the policy of a tier. Unknown tiers fall back to the public policy.
func (p TierPolicies) For(tier domain.CustomerTier) TierPolicy {
	if policy, ok := p[tier]; ok {
		return policy
	}
	if policy, ok := p[domain.TierPublic]; ok {
		return policy
	}
	return DefaultTierPolicies()[domain.TierPublic]
}

// Totals is the derived monetary state of a cart or order.
type Totals struct {
	Subtotal       int64
	VATTotal       int64
	Shipping       int64
	ShippingVAT    int64
	Surcharge      int64
	Discount       int64
	AdditionalCost int64
	Total          int64
}

// RoundAmount rounds half away from zero to whole currency units.
func RoundAmount(value decimal.Decimal) int64 {
	return value.Round(0).IntPart()
}

// TierPrice returns the unit price a tier pays for the item.
func TierPrice(item domain.LineItem, tier domain.CustomerTier, policies TierPolicies) int64 {
	if policies.For(tier).PriceField == PriceFieldNet {
		return item.NetPrice
	}
	return item.GrossPrice
}

// BillableQuantity is the quantity used for pricing. Custom lines are flat-priced.
func BillableQuantity(item domain.LineItem) decimal.Decimal {
	if item.IsCustom || !item.Quantity.IsPositive() {
		return quantityOne
	}
	return item.Quantity
}

// LineSubtotal prices a single line for the tier.
func LineSubtotal(item domain.LineItem, tier domain.CustomerTier, policies TierPolicies) int64 {
	price := decimal.NewFromInt(TierPrice(item, tier, policies))
	return RoundAmount(price.Mul(BillableQuantity(item)))
}

// CartSubtotal sums line subtotals.
func CartSubtotal(items []domain.LineItem, tier domain.CustomerTier, policies TierPolicies) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += LineSubtotal(item, tier, policies)
	}
	return subtotal
}

// VATTotal is the gross-net spread of all lines plus the shipping VAT. It does not depend on the tier;
// only the Company tier adds it to the order total.
func VATTotal(items []domain.LineItem, shippingVAT int64) int64 {
	spread := decimal.Zero
	for _, item := range items {
		diff := decimal.NewFromInt(item.GrossPrice - item.NetPrice)
		spread = spread.Add(diff.Mul(BillableQuantity(item)))
	}
	return RoundAmount(spread) + shippingVAT
}

// OrderTotal applies the total formula for the tier to already computed components.
func OrderTotal(t Totals, tier domain.CustomerTier, policies TierPolicies) int64 {
	total := t.Subtotal + t.Shipping + t.Surcharge - t.Discount + t.AdditionalCost
	if policies.For(tier).AddVATToTotal {
		total += t.VATTotal
	}
	return total
}

// ComputeTotals derives every total field from the lines and the order-level adjustments.
// The shipping cost is already VAT-inclusive when the method applies VAT, so its VAT is
// reported in ShippingVAT but not added again through VATTotal.
func ComputeTotals(items []domain.LineItem, tier domain.CustomerTier, shipping domain.ShippingSelection, surcharge, discount, additionalCost int64, policies TierPolicies) Totals {
	t := Totals{
		Subtotal:       CartSubtotal(items, tier, policies),
		VATTotal:       VATTotal(items, 0),
		Shipping:       shipping.Cost,
		ShippingVAT:    shipping.VAT,
		Surcharge:      surcharge,
		Discount:       discount,
		AdditionalCost: additionalCost,
	}
	t.Total = OrderTotal(t, tier, policies)
	return t
}

// Surcharge computes the authorization-hold markup for online payments.
func Surcharge(subtotal int64, tier domain.CustomerTier, paymentType domain.PaymentType, policies TierPolicies) int64 {
	if paymentType != domain.PaymentTypeOnline || subtotal <= 0 {
		return 0
	}
	pct := policies.For(tier).SurchargePercent
	if !pct.IsPositive() {
		return 0
	}
	return RoundAmount(decimal.NewFromInt(subtotal).Mul(pct).Div(hundred))
}

// GrossFromNet derives a gross price from a net price.
func GrossFromNet(net int64, vatPercent decimal.Decimal) int64 {
	return RoundAmount(decimal.NewFromInt(net).Mul(vatMultiplier(vatPercent)))
}

// NetFromGross derives a net price from a gross price.
func NetFromGross(gross int64, vatPercent decimal.Decimal) int64 {
	return RoundAmount(decimal.NewFromInt(gross).DivRound(vatMultiplier(vatPercent), 8))
}

// NormalizeLinePrices fills a missing net or gross price from the other one and rejects lines
// whose prices agree in neither edit direction.
func NormalizeLinePrices(item domain.LineItem) (domain.LineItem, error) {
	if item.VATPercent.IsNegative() {
		return item, fmt.Errorf("%w: vat percent must not be negative", ErrPricingInvalidInput)
	}
	switch {
	case item.NetPrice == 0 && item.GrossPrice > 0:
		item.NetPrice = NetFromGross(item.GrossPrice, item.VATPercent)
	case item.GrossPrice == 0 && item.NetPrice > 0:
		item.GrossPrice = GrossFromNet(item.NetPrice, item.VATPercent)
	}
	if item.GrossPrice != GrossFromNet(item.NetPrice, item.VATPercent) && item.NetPrice != NetFromGross(item.GrossPrice, item.VATPercent) {
		return item, fmt.Errorf("%w: gross price %d does not match net price %d at %s%% VAT", ErrPricingInvalidInput, item.GrossPrice, item.NetPrice, item.VATPercent.String())
	}
	return item, nil
}

func vatMultiplier(vatPercent decimal.Decimal) decimal.Decimal {
	return quantityOne.Add(vatPercent.Div(hundred))
}

// EditPrice applies an operator price edit. Net is authoritative for VIP and Company, gross for Public;
// the other field is always re-derived.
func EditPrice(item domain.LineItem, tier domain.CustomerTier, amount int64, policies TierPolicies) (domain.LineItem, error) {
	if amount < 0 {
		return item, fmt.Errorf("%w: price must not be negative", ErrPricingInvalidInput)
	}
	if item.VATPercent.IsNegative() {
		return item, fmt.Errorf("%w: vat percent must not be negative", ErrPricingInvalidInput)
	}
	if policies.For(tier).NetAuthoritative {
		item.NetPrice = amount
		item.GrossPrice = GrossFromNet(amount, item.VATPercent)
	} else {
		item.GrossPrice = amount
		item.NetPrice = NetFromGross(amount, item.VATPercent)
	}
	item.Subtotal = LineSubtotal(item, tier, policies)
	return item, nil
}

// QuantityBounds bounds and steps quantity input for a line.
type QuantityBounds struct {
	Step decimal.Decimal
	Min  decimal.Decimal
	Max  decimal.Decimal
}

// BoundsFor reads the bounds of a line item, filling catalog defaults.
func BoundsFor(item domain.LineItem) QuantityBounds {
	return QuantityBounds{Step: item.StepQuantity, Min: item.MinQuantity, Max: item.MaxQuantity}.normalize()
}

func (b QuantityBounds) normalize() QuantityBounds {
	if !b.Step.IsPositive() {
		b.Step = quantityOne
	}
	if !b.Min.IsPositive() {
		b.Min = b.Step
	}
	if !b.Max.IsPositive() {
		b.Max = defaultMaxQty
	}
	if b.Max.LessThan(b.Min) {
		b.Max = b.Min
	}
	return b
}

// QuantityInput is a resolved quantity. Set is false for blank or unparsable input,
// which is priced as one unit but displayed empty.
type QuantityInput struct {
	Value decimal.Decimal
	Set   bool
}

// Display renders the resolved quantity with one decimal place, or blank when unset.
func (q QuantityInput) Display() string {
	if !q.Set {
		return ""
	}
	return q.Value.StringFixed(quantityPrecision)
}

// Effective returns the quantity used for pricing.
func (q QuantityInput) Effective() decimal.Decimal {
	if !q.Set {
		return quantityOne
	}
	return q.Value
}

// ResolveQuantity parses raw input, accepting "," as decimal separator, then clamps to
// [min, max], snaps to the nearest step multiple and rounds to one decimal place.
func ResolveQuantity(raw string, bounds QuantityBounds) QuantityInput {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if trimmed == "" {
		return QuantityInput{}
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return QuantityInput{}
	}
	return QuantityInput{Value: SnapQuantity(value, bounds), Set: true}
}

// SnapQuantity clamps and snaps an already parsed quantity. It is idempotent.
func SnapQuantity(value decimal.Decimal, bounds QuantityBounds) decimal.Decimal {
	b := bounds.normalize()
	value = clampQuantity(value, b)
	steps := value.Div(b.Step).Round(0)
	snapped := steps.Mul(b.Step)
	if snapped.LessThan(b.Min) {
		snapped = snapped.Add(b.Step)
	}
	if snapped.GreaterThan(b.Max) {
		snapped = snapped.Sub(b.Step)
	}
	snapped = snapped.Round(quantityPrecision)
	if !snapped.IsPositive() {
		snapped = b.Step.Round(quantityPrecision)
	}
	return snapped
}

func clampQuantity(value decimal.Decimal, b QuantityBounds) decimal.Decimal {
	if value.LessThan(b.Min) {
		return b.Min
	}
	if value.GreaterThan(b.Max) {
		return b.Max
	}
	return value
}
