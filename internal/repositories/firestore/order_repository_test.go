package firestore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

func sampleOrder() domain.Order {
	created := time.Date(2025, time.April, 2, 8, 30, 0, 123456789, time.UTC)
	delivery := created.Add(48 * time.Hour)
	captured := created.Add(time.Hour)
	return domain.Order{
		ID:         "ord_01",
		CustomerID: "cust-1",
		Tier:       domain.TierCompany,
		Items: []domain.LineItem{{
			ID:           "li-1",
			ProductID:    "apple",
			Name:         "Alma",
			Unit:         "kg",
			Quantity:     decimal.RequireFromString("1.25"),
			NetPrice:     800,
			GrossPrice:   1016,
			VATPercent:   decimal.RequireFromString("27"),
			StepQuantity: decimal.RequireFromString("0.25"),
			Subtotal:     1000,
			BundleItems: []domain.BundleItem{
				{ChildID: "pear", Name: "Körte", QtyPerParent: decimal.RequireFromString("0.5")},
			},
		}},
		Shipping:         domain.ShippingSelection{MethodID: "home", Category: domain.ShippingCategoryHomeDelivery, Cost: 1000, VAT: 270},
		Payment:          domain.PaymentSelection{MethodID: "card", Slug: "simple", Type: domain.PaymentTypeOnline},
		DeliveryAddress:  &domain.Address{Name: "Kiss Anna", PostalCode: "1111", City: "Budapest", Street: "Fő utca 1"},
		DeliveryDateTime: &delivery,
		Status:           domain.OrderStatusProcessing,
		PaymentStatus:    domain.PaymentStatusPaid,
		History:          []domain.HistoryEntry{{Timestamp: created, Status: domain.OrderStatusPending, Note: "created"}},
		Invoice:          &domain.InvoiceRecord{ID: "inv-1", Number: "E-2025-1", IssuedAt: created},
		Gateway:          &domain.PaymentGatewayRecord{Provider: "stripe", IntentID: "pi_1", CapturedAmount: 2286, CapturedAt: &captured},
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func TestOrderDocumentKeepsDecimalsExact(t *testing.T) {
	order := sampleOrder()
	doc := encodeOrder(order)

	assert.Equal(t, "1.25", doc.Items[0].Quantity)
	assert.Equal(t, "", doc.Items[0].MinQuantity, "zero decimals are omitted")
	assert.Equal(t, "0.5", doc.Items[0].BundleItems[0].QtyPerParent)

	decoded := decodeOrder(order.ID, doc)
	assert.True(t, decoded.Items[0].Quantity.Equal(order.Items[0].Quantity))
	assert.True(t, decoded.Items[0].VATPercent.Equal(order.Items[0].VATPercent))
	assert.True(t, decoded.Items[0].MinQuantity.IsZero())
	assert.Equal(t, order.DeliveryAddress, decoded.DeliveryAddress)
	assert.Nil(t, decoded.BillingAddress)
	assert.Equal(t, order.Gateway.CapturedAt.UTC(), decoded.Gateway.CapturedAt.UTC())
	assert.Equal(t, order.Invoice.Number, decoded.Invoice.Number)
}

func TestParseDecimalToleratesBadValues(t *testing.T) {
	assert.True(t, parseDecimal("").IsZero())
	assert.True(t, parseDecimal("n/a").IsZero())
	assert.Equal(t, "2.5", parseDecimal(" 2.5").String())
}

func TestSameInstantUsesMicrosecondPrecision(t *testing.T) {
	base := time.Date(2025, time.April, 2, 8, 30, 0, 123456000, time.UTC)
	assert.True(t, sameInstant(base, base.Add(789*time.Nanosecond)))
	assert.False(t, sameInstant(base, base.Add(time.Microsecond)))
}
