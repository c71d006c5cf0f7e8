package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists order aggregates as single documents keyed by order ID.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert stores a new order; an existing ID is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, id, encodeOrder(order))
}

// Update replaces the stored order when its updatedAt still equals expectedUpdatedAt.
// Timestamps are compared at microsecond precision, the resolution Firestore keeps.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedUpdatedAt time.Time) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		current, err := r.orders.Get(txCtx, id)
		if err != nil {
			return err
		}
		if !sameInstant(current.Data.UpdatedAt, expectedUpdatedAt) {
			return pfirestore.Conflict("orders.update", "order %s was modified at %s", id, current.Data.UpdatedAt.Format(time.RFC3339Nano))
		}
		return r.orders.Set(txCtx, id, encodeOrder(order))
	})
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, pfirestore.NotFound("orders.get", "order id is required")
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// ListAwaitingPayment reads pending orders with an invoice reference. Storno'd invoices
// are filtered after the read because Firestore cannot combine the two inequalities.
func (r *OrderRepository) ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		return nil, nil
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
			Where("invoice.id", ">", "").
			OrderBy("invoice.id", firestore.Asc).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order := decodeOrder(doc.ID, doc.Data)
		if awaitsInvoicePayment(order) {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func awaitsInvoicePayment(order domain.Order) bool {
	if order.PaymentStatus != domain.PaymentStatusPending || order.Invoice == nil {
		return false
	}
	return strings.TrimSpace(order.Invoice.ID) != "" && order.Invoice.StornoID == "" && !order.Invoice.Paid
}

func sameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Microsecond).Equal(b.UTC().Truncate(time.Microsecond))
}

type orderDocument struct {
	CustomerID         string                    `firestore:"customerId"`
	CustomerName       string                    `firestore:"customerName,omitempty"`
	Tier               string                    `firestore:"tier"`
	Items              []lineItemDocument        `firestore:"items"`
	Shipping           shippingSelectionDocument `firestore:"shipping"`
	Payment            paymentSelectionDocument  `firestore:"payment"`
	DeliveryAddress    *addressDocument          `firestore:"deliveryAddress,omitempty"`
	PickupLocationID   string                    `firestore:"pickupLocationId,omitempty"`
	BillingAddress     *addressDocument          `firestore:"billingAddress,omitempty"`
	NotificationEmails []string                  `firestore:"notificationEmails,omitempty"`
	DeliveryComment    string                    `firestore:"deliveryComment,omitempty"`
	DeliveryDateTime   *time.Time                `firestore:"deliveryDateTime,omitempty"`
	Surcharge          int64                     `firestore:"surcharge"`
	Discount           int64                     `firestore:"discount"`
	Subtotal           int64                     `firestore:"subtotal"`
	VATTotal           int64                     `firestore:"vatTotal"`
	Total              int64                     `firestore:"total"`
	Status             string                    `firestore:"status"`
	PaymentStatus      string                    `firestore:"paymentStatus"`
	PaidAmount         int64                     `firestore:"paidAmount"`
	PaymentDueDays     int                       `firestore:"paymentDueDays"`
	DenyInvoice        bool                      `firestore:"denyInvoice"`
	NeedVAT            bool                      `firestore:"needVat"`
	History            []historyDocument         `firestore:"history"`
	CustomerHistory    []customerHistoryDocument `firestore:"customerHistory,omitempty"`
	Invoice            *invoiceDocument          `firestore:"invoice,omitempty"`
	Gateway            *gatewayDocument          `firestore:"gateway,omitempty"`
	Courier            string                    `firestore:"courier,omitempty"`
	PlannedShippingAt  *time.Time                `firestore:"plannedShippingAt,omitempty"`
	CreatedAt          time.Time                 `firestore:"createdAt"`
	UpdatedAt          time.Time                 `firestore:"updatedAt"`
}

// Quantities and VAT rates are decimals and are stored as strings to keep them exact.
type lineItemDocument struct {
	ID           string           `firestore:"id"`
	ProductID    string           `firestore:"productId,omitempty"`
	Name         string           `firestore:"name"`
	Unit         string           `firestore:"unit,omitempty"`
	Quantity     string           `firestore:"quantity"`
	NetPrice     int64            `firestore:"netPrice"`
	GrossPrice   int64            `firestore:"grossPrice"`
	VATPercent   string           `firestore:"vatPercent"`
	StepQuantity string           `firestore:"stepQuantity,omitempty"`
	MinQuantity  string           `firestore:"minQuantity,omitempty"`
	MaxQuantity  string           `firestore:"maxQuantity,omitempty"`
	Note         string           `firestore:"note,omitempty"`
	IsCustom     bool             `firestore:"isCustom"`
	BundleItems  []bundleDocument `firestore:"bundleItems,omitempty"`
	Subtotal     int64            `firestore:"subtotal"`
}

type bundleDocument struct {
	ChildID      string `firestore:"childId"`
	Name         string `firestore:"name"`
	Unit         string `firestore:"unit,omitempty"`
	QtyPerParent string `firestore:"qtyPerParent"`
}

type shippingSelectionDocument struct {
	MethodID string `firestore:"methodId"`
	Name     string `firestore:"name"`
	Category string `firestore:"category"`
	Cost     int64  `firestore:"cost"`
	VAT      int64  `firestore:"vat"`
}

type paymentSelectionDocument struct {
	MethodID       string `firestore:"methodId"`
	Slug           string `firestore:"slug"`
	Name           string `firestore:"name"`
	Type           string `firestore:"type"`
	AdditionalCost int64  `firestore:"additionalCost"`
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Company    string `firestore:"company,omitempty"`
	TaxNumber  string `firestore:"taxNumber,omitempty"`
	Country    string `firestore:"country,omitempty"`
	PostalCode string `firestore:"postalCode"`
	City       string `firestore:"city"`
	Street     string `firestore:"street"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
	Note       string `firestore:"note,omitempty"`
}

type historyDocument struct {
	Timestamp time.Time `firestore:"timestamp"`
	Status    string    `firestore:"status"`
	Note      string    `firestore:"note,omitempty"`
	ActorID   string    `firestore:"actorId,omitempty"`
	ActorName string    `firestore:"actorName,omitempty"`
}

type customerHistoryDocument struct {
	Timestamp time.Time `firestore:"timestamp"`
	Note      string    `firestore:"note"`
	ActorName string    `firestore:"actorName,omitempty"`
}

type invoiceDocument struct {
	ID           string    `firestore:"id"`
	Number       string    `firestore:"number"`
	DownloadURL  string    `firestore:"downloadUrl,omitempty"`
	ArchivePath  string    `firestore:"archivePath,omitempty"`
	IssuedAt     time.Time `firestore:"issuedAt"`
	Paid         bool      `firestore:"paid"`
	StornoID     string    `firestore:"stornoId,omitempty"`
	StornoNumber string    `firestore:"stornoNumber,omitempty"`
}

type gatewayDocument struct {
	Provider         string     `firestore:"provider"`
	IntentID         string     `firestore:"intentId"`
	AuthorizedAmount int64      `firestore:"authorizedAmount"`
	CapturedAmount   int64      `firestore:"capturedAmount"`
	CapturedAt       *time.Time `firestore:"capturedAt,omitempty"`
	RefundedAt       *time.Time `firestore:"refundedAt,omitempty"`
}

func encodeOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		CustomerID:         o.CustomerID,
		CustomerName:       o.CustomerName,
		Tier:               string(o.Tier),
		Items:              make([]lineItemDocument, 0, len(o.Items)),
		PickupLocationID:   o.PickupLocationID,
		NotificationEmails: append([]string(nil), o.NotificationEmails...),
		DeliveryComment:    o.DeliveryComment,
		DeliveryDateTime:   utcPtr(o.DeliveryDateTime),
		Surcharge:          o.Surcharge,
		Discount:           o.Discount,
		Subtotal:           o.Subtotal,
		VATTotal:           o.VATTotal,
		Total:              o.Total,
		Status:             string(o.Status),
		PaymentStatus:      string(o.PaymentStatus),
		PaidAmount:         o.PaidAmount,
		PaymentDueDays:     o.PaymentDueDays,
		DenyInvoice:        o.DenyInvoice,
		NeedVAT:            o.NeedVAT,
		History:            make([]historyDocument, 0, len(o.History)),
		Courier:            o.Courier,
		PlannedShippingAt:  utcPtr(o.PlannedShippingAt),
		CreatedAt:          o.CreatedAt.UTC(),
		UpdatedAt:          o.UpdatedAt.UTC(),
		Shipping: shippingSelectionDocument{
			MethodID: o.Shipping.MethodID,
			Name:     o.Shipping.Name,
			Category: string(o.Shipping.Category),
			Cost:     o.Shipping.Cost,
			VAT:      o.Shipping.VAT,
		},
		Payment: paymentSelectionDocument{
			MethodID:       o.Payment.MethodID,
			Slug:           o.Payment.Slug,
			Name:           o.Payment.Name,
			Type:           string(o.Payment.Type),
			AdditionalCost: o.Payment.AdditionalCost,
		},
		DeliveryAddress: encodeAddress(o.DeliveryAddress),
		BillingAddress:  encodeAddress(o.BillingAddress),
	}
	for _, item := range o.Items {
		line := lineItemDocument{
			ID:           item.ID,
			ProductID:    item.ProductID,
			Name:         item.Name,
			Unit:         item.Unit,
			Quantity:     item.Quantity.String(),
			NetPrice:     item.NetPrice,
			GrossPrice:   item.GrossPrice,
			VATPercent:   item.VATPercent.String(),
			StepQuantity: optionalDecimal(item.StepQuantity),
			MinQuantity:  optionalDecimal(item.MinQuantity),
			MaxQuantity:  optionalDecimal(item.MaxQuantity),
			Note:         item.Note,
			IsCustom:     item.IsCustom,
			Subtotal:     item.Subtotal,
		}
		for _, child := range item.BundleItems {
			line.BundleItems = append(line.BundleItems, bundleDocument{
				ChildID:      child.ChildID,
				Name:         child.Name,
				Unit:         child.Unit,
				QtyPerParent: child.QtyPerParent.String(),
			})
		}
		doc.Items = append(doc.Items, line)
	}
	for _, h := range o.History {
		doc.History = append(doc.History, historyDocument{
			Timestamp: h.Timestamp.UTC(),
			Status:    string(h.Status),
			Note:      h.Note,
			ActorID:   h.ActorID,
			ActorName: h.ActorName,
		})
	}
	for _, h := range o.CustomerHistory {
		doc.CustomerHistory = append(doc.CustomerHistory, customerHistoryDocument{
			Timestamp: h.Timestamp.UTC(),
			Note:      h.Note,
			ActorName: h.ActorName,
		})
	}
	if inv := o.Invoice; inv != nil {
		doc.Invoice = &invoiceDocument{
			ID:           inv.ID,
			Number:       inv.Number,
			DownloadURL:  inv.DownloadURL,
			ArchivePath:  inv.ArchivePath,
			IssuedAt:     inv.IssuedAt.UTC(),
			Paid:         inv.Paid,
			StornoID:     inv.StornoID,
			StornoNumber: inv.StornoNumber,
		}
	}
	if gw := o.Gateway; gw != nil {
		doc.Gateway = &gatewayDocument{
			Provider:         gw.Provider,
			IntentID:         gw.IntentID,
			AuthorizedAmount: gw.AuthorizedAmount,
			CapturedAmount:   gw.CapturedAmount,
			CapturedAt:       utcPtr(gw.CapturedAt),
			RefundedAt:       utcPtr(gw.RefundedAt),
		}
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	o := domain.Order{
		ID:                 id,
		CustomerID:         doc.CustomerID,
		CustomerName:       doc.CustomerName,
		Tier:               domain.CustomerTier(doc.Tier),
		Items:              make([]domain.LineItem, 0, len(doc.Items)),
		PickupLocationID:   doc.PickupLocationID,
		NotificationEmails: append([]string(nil), doc.NotificationEmails...),
		DeliveryComment:    doc.DeliveryComment,
		DeliveryDateTime:   utcPtr(doc.DeliveryDateTime),
		Surcharge:          doc.Surcharge,
		Discount:           doc.Discount,
		Subtotal:           doc.Subtotal,
		VATTotal:           doc.VATTotal,
		Total:              doc.Total,
		Status:             domain.OrderStatus(doc.Status),
		PaymentStatus:      domain.PaymentStatus(doc.PaymentStatus),
		PaidAmount:         doc.PaidAmount,
		PaymentDueDays:     doc.PaymentDueDays,
		DenyInvoice:        doc.DenyInvoice,
		NeedVAT:            doc.NeedVAT,
		Courier:            doc.Courier,
		PlannedShippingAt:  utcPtr(doc.PlannedShippingAt),
		CreatedAt:          doc.CreatedAt.UTC(),
		UpdatedAt:          doc.UpdatedAt.UTC(),
		Shipping: domain.ShippingSelection{
			MethodID: doc.Shipping.MethodID,
			Name:     doc.Shipping.Name,
			Category: domain.ShippingCategory(doc.Shipping.Category),
			Cost:     doc.Shipping.Cost,
			VAT:      doc.Shipping.VAT,
		},
		Payment: domain.PaymentSelection{
			MethodID:       doc.Payment.MethodID,
			Slug:           doc.Payment.Slug,
			Name:           doc.Payment.Name,
			Type:           domain.PaymentType(doc.Payment.Type),
			AdditionalCost: doc.Payment.AdditionalCost,
		},
		DeliveryAddress: decodeAddress(doc.DeliveryAddress),
		BillingAddress:  decodeAddress(doc.BillingAddress),
	}
	for _, line := range doc.Items {
		item := domain.LineItem{
			ID:           line.ID,
			ProductID:    line.ProductID,
			Name:         line.Name,
			Unit:         line.Unit,
			Quantity:     parseDecimal(line.Quantity),
			NetPrice:     line.NetPrice,
			GrossPrice:   line.GrossPrice,
			VATPercent:   parseDecimal(line.VATPercent),
			StepQuantity: parseDecimal(line.StepQuantity),
			MinQuantity:  parseDecimal(line.MinQuantity),
			MaxQuantity:  parseDecimal(line.MaxQuantity),
			Note:         line.Note,
			IsCustom:     line.IsCustom,
			Subtotal:     line.Subtotal,
		}
		for _, child := range line.BundleItems {
			item.BundleItems = append(item.BundleItems, domain.BundleItem{
				ChildID:      child.ChildID,
				Name:         child.Name,
				Unit:         child.Unit,
				QtyPerParent: parseDecimal(child.QtyPerParent),
			})
		}
		o.Items = append(o.Items, item)
	}
	for _, h := range doc.History {
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: h.Timestamp.UTC(),
			Status:    domain.OrderStatus(h.Status),
			Note:      h.Note,
			ActorID:   h.ActorID,
			ActorName: h.ActorName,
		})
	}
	for _, h := range doc.CustomerHistory {
		o.CustomerHistory = append(o.CustomerHistory, domain.CustomerHistoryEntry{
			Timestamp: h.Timestamp.UTC(),
			Note:      h.Note,
			ActorName: h.ActorName,
		})
	}
	if inv := doc.Invoice; inv != nil {
		o.Invoice = &domain.InvoiceRecord{
			ID:           inv.ID,
			Number:       inv.Number,
			DownloadURL:  inv.DownloadURL,
			ArchivePath:  inv.ArchivePath,
			IssuedAt:     inv.IssuedAt.UTC(),
			Paid:         inv.Paid,
			StornoID:     inv.StornoID,
			StornoNumber: inv.StornoNumber,
		}
	}
	if gw := doc.Gateway; gw != nil {
		o.Gateway = &domain.PaymentGatewayRecord{
			Provider:         gw.Provider,
			IntentID:         gw.IntentID,
			AuthorizedAmount: gw.AuthorizedAmount,
			CapturedAmount:   gw.CapturedAmount,
			CapturedAt:       utcPtr(gw.CapturedAt),
			RefundedAt:       utcPtr(gw.RefundedAt),
		}
	}
	return o
}

func encodeAddress(a *domain.Address) *addressDocument {
	if a == nil {
		return nil
	}
	return &addressDocument{
		Name:       a.Name,
		Company:    a.Company,
		TaxNumber:  a.TaxNumber,
		Country:    a.Country,
		PostalCode: a.PostalCode,
		City:       a.City,
		Street:     a.Street,
		Phone:      a.Phone,
		Email:      a.Email,
		Note:       a.Note,
	}
}

func decodeAddress(a *addressDocument) *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{
		Name:       a.Name,
		Company:    a.Company,
		TaxNumber:  a.TaxNumber,
		Country:    a.Country,
		PostalCode: a.PostalCode,
		City:       a.City,
		Street:     a.Street,
		Phone:      a.Phone,
		Email:      a.Email,
		Note:       a.Note,
	}
}

func optionalDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// parseDecimal treats empty or corrupt values as zero rather than failing the whole order read.
func parseDecimal(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
