package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

// ErrNoEligibleMethod is returned when no shipping or payment method satisfies the tier and cart.
var ErrNoEligibleMethod = errors.New("fulfillment: no eligible method")

const (
	pickupMethodName       = "Személyes átvétel"
	homeDeliveryMethodName = "Házhozszállítás"
)

// ResolveShippingCategory maps a catalog method name to its category. It is only called
// where catalog data is loaded; business logic works with the enum.
func ResolveShippingCategory(name string) domain.ShippingCategory {
	switch strings.TrimSpace(name) {
	case pickupMethodName:
		return domain.ShippingCategoryPickup
	case homeDeliveryMethodName:
		return domain.ShippingCategoryHomeDelivery
	default:
		return domain.ShippingCategoryUnknown
	}
}

// AvailableShippingMethods keeps catalog order. The lower bound is exclusive, the upper inclusive.
func AvailableShippingMethods(methods []domain.ShippingMethod, tier domain.CustomerTier, subtotal int64) []domain.ShippingMethod {
	available := make([]domain.ShippingMethod, 0, len(methods))
	for _, method := range methods {
		if !method.Enabled || !method.Eligible.For(tier) {
			continue
		}
		if method.MinNetPrice != 0 && subtotal <= method.MinNetPrice {
			continue
		}
		if method.MaxNetPrice != 0 && subtotal > method.MaxNetPrice {
			continue
		}
		available = append(available, method)
	}
	return available
}

// ShippingCost returns the tier cost of the method, VAT-inclusive when the tier's VAT flag is set.
func ShippingCost(method domain.ShippingMethod, tier domain.CustomerTier) int64 {
	net := method.NetCost.For(tier)
	if !method.ApplyVAT.For(tier) || net <= 0 {
		return net
	}
	return GrossFromNet(net, method.VATPercent)
}

// ShippingVAT is the VAT portion contained in ShippingCost.
func ShippingVAT(method domain.ShippingMethod, tier domain.CustomerTier) int64 {
	return ShippingCost(method, tier) - method.NetCost.For(tier)
}

// ShippingSelectionFor snapshots the method for storage on an order.
func ShippingSelectionFor(method domain.ShippingMethod, tier domain.CustomerTier) domain.ShippingSelection {
	return domain.ShippingSelection{
		MethodID: method.ID,
		Name:     method.Name,
		Category: method.Category,
		Cost:     ShippingCost(method, tier),
		VAT:      ShippingVAT(method, tier),
	}
}

// AvailablePaymentMethods filters payment methods for the tier and chosen shipping category.
// Unknown categories offer nothing.
func AvailablePaymentMethods(methods []domain.PaymentMethod, tier domain.CustomerTier, category domain.ShippingCategory, policies TierPolicies) []domain.PaymentMethod {
	var rule PickupPaymentRule
	switch category {
	case domain.ShippingCategoryPickup:
		rule = policies.For(tier).PickupPayment
	case domain.ShippingCategoryHomeDelivery:
		rule = PickupPaymentAny
	default:
		return nil
	}

	available := make([]domain.PaymentMethod, 0, len(methods))
	for _, method := range methods {
		if !method.Enabled || !method.Eligible.For(tier) {
			continue
		}
		switch rule {
		case PickupPaymentCODOnly:
			if method.Type != domain.PaymentTypeCOD {
				continue
			}
		case PickupPaymentNonCODOnly:
			if method.Type == domain.PaymentTypeCOD {
				continue
			}
		}
		available = append(available, method)
	}
	return available
}

// PaymentSelectionFor snapshots the method for storage on an order.
func PaymentSelectionFor(method domain.PaymentMethod) domain.PaymentSelection {
	return domain.PaymentSelection{
		MethodID:       method.ID,
		Slug:           method.Slug,
		Name:           method.Name,
		Type:           method.Type,
		AdditionalCost: method.AdditionalCost,
	}
}

// FulfillmentState is the part of a checkout or order affected by shipping selection.
type FulfillmentState struct {
	ShippingMethodID string
	Category         domain.ShippingCategory
	PickupLocationID string
	DeliveryAddress  *domain.Address
	PaymentMethodID  string
	DeliveryDateTime *time.Time
}

// SelectShipping switches the shipping method. The payment method and delivery time are always
// cleared; the pickup location and delivery address are cleared when the category changes.
func SelectShipping(state FulfillmentState, method domain.ShippingMethod) FulfillmentState {
	next := state
	if state.Category != method.Category {
		next.PickupLocationID = ""
		next.DeliveryAddress = nil
	}
	next.ShippingMethodID = method.ID
	next.Category = method.Category
	next.PaymentMethodID = ""
	next.DeliveryDateTime = nil
	return next
}

// ReconcileShipping keeps the current selection when still available, otherwise falls back to the
// first available method and applies the selection reset rules. It fails when nothing is available.
func ReconcileShipping(state FulfillmentState, available []domain.ShippingMethod) (FulfillmentState, bool, error) {
	if len(available) == 0 {
		if state.ShippingMethodID == "" {
			return state, false, fmt.Errorf("%w: shipping", ErrNoEligibleMethod)
		}
		cleared := state
		cleared.ShippingMethodID = ""
		cleared.Category = ""
		cleared.PaymentMethodID = ""
		cleared.DeliveryDateTime = nil
		return cleared, true, fmt.Errorf("%w: shipping", ErrNoEligibleMethod)
	}
	for _, method := range available {
		if method.ID == state.ShippingMethodID {
			return state, false, nil
		}
	}
	return SelectShipping(state, available[0]), true, nil
}

// FindShippingMethod locates a method by id.
func FindShippingMethod(methods []domain.ShippingMethod, id string) (domain.ShippingMethod, bool) {
	for _, method := range methods {
		if method.ID == id {
			return method, true
		}
	}
	return domain.ShippingMethod{}, false
}

// FindPaymentMethod locates a method by id.
func FindPaymentMethod(methods []domain.PaymentMethod, id string) (domain.PaymentMethod, bool) {
	for _, method := range methods {
		if method.ID == id {
			return method, true
		}
	}
	return domain.PaymentMethod{}, false
}

// ShippingThresholdBase is the amount compared against method price bounds: the subtotal plus the
// pending surcharge.
func ShippingThresholdBase(subtotal, surcharge int64) int64 {
	return subtotal + surcharge
}
