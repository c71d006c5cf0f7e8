package services

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

// ErrCartInvalidInput signals rejected cart mutations. The cart is left unchanged.
var ErrCartInvalidInput = errors.New("cart: invalid input")

// Cart is the mutable aggregate behind checkout and pending-order edits. Every mutation
// recomputes Totals before returning.
type Cart struct {
	Tier             domain.CustomerTier
	Items            []domain.LineItem
	Shipping         domain.ShippingSelection
	Payment          domain.PaymentSelection
	PickupLocationID string
	DeliveryAddress  *domain.Address
	DeliveryDateTime *time.Time
	Surcharge        int64
	Discount         int64
	Totals           Totals

	policies TierPolicies
}

// NewCart creates an empty cart for the tier.
func NewCart(tier domain.CustomerTier, policies TierPolicies) *Cart {
	if policies == nil {
		policies = DefaultTierPolicies()
	}
	c := &Cart{Tier: tier, policies: policies}
	c.recompute()
	return c
}

// CartFromOrder loads the editable part of an order into an aggregate.
func CartFromOrder(order domain.Order, policies TierPolicies) *Cart {
	c := NewCart(order.Tier, policies)
	c.Items = cloneLineItems(order.Items)
	c.Shipping = order.Shipping
	c.Payment = order.Payment
	c.PickupLocationID = order.PickupLocationID
	c.DeliveryAddress = cloneAddress(order.DeliveryAddress)
	c.DeliveryDateTime = cloneTime(order.DeliveryDateTime)
	c.Surcharge = order.Surcharge
	c.Discount = order.Discount
	c.recompute()
	return c
}

// ApplyTo writes the aggregate state and totals back to an order.
func (c *Cart) ApplyTo(order *domain.Order) {
	order.Items = cloneLineItems(c.Items)
	order.Shipping = c.Shipping
	order.Payment = c.Payment
	order.PickupLocationID = c.PickupLocationID
	order.DeliveryAddress = cloneAddress(c.DeliveryAddress)
	order.DeliveryDateTime = cloneTime(c.DeliveryDateTime)
	order.Surcharge = c.Surcharge
	order.Discount = c.Discount
	order.Subtotal = c.Totals.Subtotal
	order.VATTotal = c.Totals.VATTotal
	order.Total = c.Totals.Total
}

// Policies exposes the tier table the cart prices with.
func (c *Cart) Policies() TierPolicies {
	return c.policies
}

// AddItem inserts a line or replaces the line with the same id. The quantity is clamped and
// snapped to the line's bounds.
func (c *Cart) AddItem(item domain.LineItem) error {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	if item.NetPrice < 0 || item.GrossPrice < 0 {
		return fmt.Errorf("%w: item price must not be negative", ErrCartInvalidInput)
	}
	item, err := NormalizeLinePrices(item)
	if err != nil {
		return fmt.Errorf("%w: item %q: %v", ErrCartInvalidInput, item.ID, err)
	}
	if !item.Quantity.IsPositive() {
		item.Quantity = quantityOne
	}
	if !item.IsCustom {
		item.Quantity = SnapQuantity(item.Quantity, BoundsFor(item))
	}
	item.BundleItems = slices.Clone(item.BundleItems)

	if idx := c.indexOf(item.ID); idx >= 0 {
		c.Items[idx] = item
	} else {
		c.Items = append(c.Items, item)
	}
	c.recompute()
	return nil
}

// RemoveItem deletes a line. Removing a missing line is a no-op.
func (c *Cart) RemoveItem(itemID string) {
	idx := c.indexOf(strings.TrimSpace(itemID))
	if idx < 0 {
		return
	}
	c.Items = slices.Delete(c.Items, idx, idx+1)
	c.recompute()
}

// SetQuantity commits a resolved quantity. Unset input is rejected without mutation.
func (c *Cart) SetQuantity(itemID string, qty QuantityInput) error {
	idx := c.indexOf(strings.TrimSpace(itemID))
	if idx < 0 {
		return fmt.Errorf("%w: item %q not in cart", ErrCartInvalidInput, itemID)
	}
	if !qty.Set || !qty.Value.IsPositive() {
		return fmt.Errorf("%w: quantity must be a positive number", ErrCartInvalidInput)
	}
	item := c.Items[idx]
	if item.IsCustom {
		item.Quantity = qty.Value
	} else {
		item.Quantity = SnapQuantity(qty.Value, BoundsFor(item))
	}
	c.Items[idx] = item
	c.recompute()
	return nil
}

// SetNote replaces the note of a line.
func (c *Cart) SetNote(itemID, note string) error {
	idx := c.indexOf(strings.TrimSpace(itemID))
	if idx < 0 {
		return fmt.Errorf("%w: item %q not in cart", ErrCartInvalidInput, itemID)
	}
	c.Items[idx].Note = strings.TrimSpace(note)
	c.recompute()
	return nil
}

// SetItemPrice applies a tier-aware price edit to a line.
func (c *Cart) SetItemPrice(itemID string, amount int64) error {
	idx := c.indexOf(strings.TrimSpace(itemID))
	if idx < 0 {
		return fmt.Errorf("%w: item %q not in cart", ErrCartInvalidInput, itemID)
	}
	edited, err := EditPrice(c.Items[idx], c.Tier, amount, c.policies)
	if err != nil {
		return err
	}
	c.Items[idx] = edited
	c.recompute()
	return nil
}

// SetShipping stores the shipping selection. A different method resets the delivery time.
func (c *Cart) SetShipping(selection domain.ShippingSelection) error {
	if selection.Cost < 0 {
		return fmt.Errorf("%w: shipping cost must not be negative", ErrCartInvalidInput)
	}
	if selection.MethodID != c.Shipping.MethodID {
		c.DeliveryDateTime = nil
	}
	c.Shipping = selection
	c.recompute()
	return nil
}

// SetShippingCost overrides the shipping cost keeping the selected method.
func (c *Cart) SetShippingCost(cost int64) error {
	selection := c.Shipping
	selection.Cost = cost
	if selection.VAT > cost {
		selection.VAT = 0
	}
	return c.SetShipping(selection)
}

// SetPickupLocation stores the pickup location and resets the delivery time when it changes.
func (c *Cart) SetPickupLocation(locationID string) {
	locationID = strings.TrimSpace(locationID)
	if locationID != c.PickupLocationID {
		c.DeliveryDateTime = nil
	}
	c.PickupLocationID = locationID
	c.recompute()
}

// SetDeliveryAddress stores the delivery address and resets the delivery time when it changes.
func (c *Cart) SetDeliveryAddress(addr *domain.Address) {
	if !sameAddress(c.DeliveryAddress, addr) {
		c.DeliveryDateTime = nil
	}
	c.DeliveryAddress = cloneAddress(addr)
	c.recompute()
}

// SetDiscount stores the order-level discount.
func (c *Cart) SetDiscount(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: discount must not be negative", ErrCartInvalidInput)
	}
	c.Discount = amount
	c.recompute()
	return nil
}

// SetSurcharge stores the pending-only surcharge.
func (c *Cart) SetSurcharge(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: surcharge must not be negative", ErrCartInvalidInput)
	}
	c.Surcharge = amount
	c.recompute()
	return nil
}

// SetDeliveryDateTime stores the delivery slot; nil clears it.
func (c *Cart) SetDeliveryDateTime(at *time.Time) {
	c.DeliveryDateTime = cloneTime(at)
	c.recompute()
}

// SetPaymentMethod stores the payment selection.
func (c *Cart) SetPaymentMethod(selection domain.PaymentSelection) {
	c.Payment = selection
	c.recompute()
}

// BundleQuantity is a derived, read-only child quantity of a bundle line.
type BundleQuantity struct {
	ChildID  string
	Name     string
	Unit     string
	Quantity decimal.Decimal
}

// BundleQuantities scales bundle children by the parent quantity.
func BundleQuantities(item domain.LineItem) []BundleQuantity {
	if len(item.BundleItems) == 0 {
		return nil
	}
	parent := BillableQuantity(item)
	out := make([]BundleQuantity, 0, len(item.BundleItems))
	for _, child := range item.BundleItems {
		out = append(out, BundleQuantity{
			ChildID:  child.ChildID,
			Name:     child.Name,
			Unit:     child.Unit,
			Quantity: child.QtyPerParent.Mul(parent),
		})
	}
	return out
}

func (c *Cart) recompute() {
	for i := range c.Items {
		c.Items[i].Subtotal = LineSubtotal(c.Items[i], c.Tier, c.policies)
	}
	c.Totals = ComputeTotals(c.Items, c.Tier, c.Shipping, c.Surcharge, c.Discount, c.Payment.AdditionalCost, c.policies)
}

func (c *Cart) indexOf(itemID string) int {
	return slices.IndexFunc(c.Items, func(item domain.LineItem) bool {
		return item.ID == itemID
	})
}

func cloneLineItems(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return nil
	}
	cloned := make([]domain.LineItem, len(items))
	for i, item := range items {
		item.BundleItems = slices.Clone(item.BundleItems)
		cloned[i] = item
	}
	return cloned
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cloned := *t
	return &cloned
}

func sameAddress(a, b *domain.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
