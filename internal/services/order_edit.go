package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

const defaultEditNote = "Rendelés tételek frissítve"

var (
	historyPrinter = message.NewPrinter(language.Hungarian)
	notePolicy     = bluemonday.StrictPolicy()
)

func (s *orderService) EditOrder(ctx context.Context, cmd EditOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 && len(cmd.AddedItems) == 0 && cmd.Shipping == nil && cmd.Discount == nil && cmd.Surcharge == nil {
		return Order{}, fmt.Errorf("%w: nothing to change", ErrOrderInvalidInput)
	}

	var updated Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order is %s, only pending orders can be edited", ErrOrderInvalidState, order.Status)
		}

		expected := order.UpdatedAt
		now := s.now()

		cart := CartFromOrder(order, s.policies)
		deltas, err := applyOrderEdits(cart, cmd)
		if err != nil {
			return err
		}

		if order.Payment.Type == domain.PaymentTypeOnline && isPaid(order.PaymentStatus) {
			held := heldAmount(order)
			if cart.Totals.Total > held && !cmd.Confirmed {
				return fmt.Errorf("%w: new total %d exceeds the %d already held by the payment gateway", ErrOrderConfirmationRequired, cart.Totals.Total, held)
			}
		}

		previousTotal := order.Total
		cart.ApplyTo(&order)

		note := sanitizeNote(cmd.Note)
		if note == "" {
			note = defaultEditNote
		}
		order.History = append(order.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    order.Status,
			Note:      note,
			ActorID:   cmd.Actor.ID,
			ActorName: cmd.Actor.Name,
		})
		for _, delta := range deltas {
			order.CustomerHistory = append(order.CustomerHistory, domain.CustomerHistoryEntry{
				Timestamp: now,
				Note:      delta,
				ActorName: cmd.Actor.Name,
			})
		}
		order.UpdatedAt = now

		if err := s.persist(ctx, order, expected); err != nil {
			return err
		}
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventEdited,
			OrderID:       order.ID,
			CurrentStatus: string(order.Status),
			ActorID:       cmd.Actor.ID,
			OccurredAt:    now,
			Metadata: map[string]any{
				"previousTotal": previousTotal,
				"total":         order.Total,
				"changes":       len(deltas),
			},
		})
		updated = order
		return nil
	})
	return updated, err
}

// applyOrderEdits mutates the cart and returns the customer-visible description of each line change.
func applyOrderEdits(cart *Cart, cmd EditOrderCommand) ([]string, error) {
	var deltas []string
	for _, edit := range cmd.Items {
		itemID := strings.TrimSpace(edit.ItemID)
		before, ok := findLine(cart.Items, itemID)
		if !ok {
			return nil, fmt.Errorf("%w: item %q not on order", ErrOrderInvalidInput, itemID)
		}
		if edit.Remove {
			cart.RemoveItem(itemID)
			deltas = append(deltas, fmt.Sprintf("%s törölve (%s %s)", before.Name, formatQuantity(before.Quantity), before.Unit))
			continue
		}
		if edit.Quantity != nil {
			qty := ResolveQuantity(*edit.Quantity, editBounds(before))
			if !qty.Set {
				return nil, fmt.Errorf("%w: item %q: quantity %q is not a number", ErrOrderInvalidInput, itemID, strings.TrimSpace(*edit.Quantity))
			}
			if err := cart.SetQuantity(itemID, qty); err != nil {
				return nil, wrapCartError(err)
			}
			after, _ := findLine(cart.Items, itemID)
			if !after.Quantity.Equal(before.Quantity) {
				deltas = append(deltas, fmt.Sprintf("%s mennyiség: %s → %s %s", before.Name, formatQuantity(before.Quantity), formatQuantity(after.Quantity), before.Unit))
			}
		}
		if edit.Price != nil {
			if err := cart.SetItemPrice(itemID, *edit.Price); err != nil {
				return nil, wrapCartError(err)
			}
			after, _ := findLine(cart.Items, itemID)
			oldPrice := TierPrice(before, cart.Tier, cart.Policies())
			newPrice := TierPrice(after, cart.Tier, cart.Policies())
			if oldPrice != newPrice {
				deltas = append(deltas, fmt.Sprintf("%s egységár: %s → %s", before.Name, FormatAmount(oldPrice), FormatAmount(newPrice)))
			}
		}
		if edit.Note != nil {
			if err := cart.SetNote(itemID, sanitizeNote(*edit.Note)); err != nil {
				return nil, wrapCartError(err)
			}
		}
	}

	for _, item := range cmd.AddedItems {
		if _, exists := findLine(cart.Items, strings.TrimSpace(item.ID)); exists {
			return nil, fmt.Errorf("%w: item %q already on order", ErrOrderInvalidInput, item.ID)
		}
		item.Note = sanitizeNote(item.Note)
		if err := cart.AddItem(item); err != nil {
			return nil, wrapCartError(err)
		}
		added, _ := findLine(cart.Items, strings.TrimSpace(item.ID))
		deltas = append(deltas, fmt.Sprintf("%s hozzáadva (%s %s, %s)", added.Name, formatQuantity(added.Quantity), added.Unit, FormatAmount(added.Subtotal)))
	}

	if cmd.Shipping != nil {
		if err := cart.SetShippingCost(*cmd.Shipping); err != nil {
			return nil, wrapCartError(err)
		}
	}
	if cmd.Discount != nil {
		if err := cart.SetDiscount(*cmd.Discount); err != nil {
			return nil, wrapCartError(err)
		}
	}
	if cmd.Surcharge != nil {
		if err := cart.SetSurcharge(*cmd.Surcharge); err != nil {
			return nil, wrapCartError(err)
		}
	}
	return deltas, nil
}

// heldAmount is what the gateway already holds or captured for the order.
func heldAmount(order Order) int64 {
	if order.PaidAmount > 0 {
		return order.PaidAmount
	}
	if order.Gateway != nil {
		if order.Gateway.CapturedAmount > 0 {
			return order.Gateway.CapturedAmount
		}
		return order.Gateway.AuthorizedAmount
	}
	return 0
}

// CustomerHistoryText renders the customer-visible log one entry per line.
func CustomerHistoryText(entries []domain.CustomerHistoryEntry) string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s - %s", entry.Timestamp.In(budapestLocation).Format("2006.01.02 15:04"), entry.Note))
	}
	return strings.Join(lines, "\n")
}

// FormatAmount renders a forint amount with Hungarian digit grouping.
func FormatAmount(amount int64) string {
	return historyPrinter.Sprintf("%d Ft", amount)
}

// customLineBounds lets staff-entered lines take any quantity at display precision.
var customLineBounds = QuantityBounds{Step: decimal.New(1, -quantityPrecision), Max: decimal.NewFromInt(10000)}

func editBounds(item domain.LineItem) QuantityBounds {
	if item.IsCustom {
		return customLineBounds
	}
	return BoundsFor(item)
}

func formatQuantity(q decimal.Decimal) string {
	if q.Equal(q.Truncate(0)) {
		return q.StringFixed(0)
	}
	return strings.Replace(q.StringFixed(quantityPrecision), ".", ",", 1)
}

func sanitizeNote(note string) string {
	return strings.TrimSpace(notePolicy.Sanitize(note))
}

func findLine(items []domain.LineItem, itemID string) (domain.LineItem, bool) {
	for _, item := range items {
		if item.ID == itemID {
			return item, true
		}
	}
	return domain.LineItem{}, false
}

func wrapCartError(err error) error {
	if errors.Is(err, ErrCartInvalidInput) || errors.Is(err, ErrPricingInvalidInput) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	return err
}

// budapestLocation renders customer-facing timestamps and calendar days in shop time.
var budapestLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Budapest")
	if err != nil {
		return time.UTC
	}
	return loc
}()
