package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// Billingo enumerations used on documents.
const (
	PaymentCashOnDelivery = "cash_on_delivery"
	PaymentWireTransfer   = "wire_transfer"
	PaymentOnlineBankcard = "online_bankcard"
	PaymentCash           = "cash"
	PaymentOther          = "other"

	documentTypeInvoice = "invoice"
	unitPriceNet        = "net"
	unitPriceGross      = "gross"
	defaultUnit         = "db"
	defaultCountry      = "HU"
	defaultVAT          = "27%"

	shippingLineName  = "Szállítási költség"
	surchargeLineName = "Pótdíj"
	discountLineName  = "Kedvezmény"
	paymentFeeName    = "Fizetési mód díja"
)

var (
	// ErrInvalidInvoiceID is returned when an invoice reference is not a Billingo document id.
	ErrInvalidInvoiceID = errors.New("invoicing: invalid invoice id")
	// ErrNoLines is returned when an order has nothing to invoice.
	ErrNoLines = errors.New("invoicing: order has no invoice lines")

	defaultVATRate = decimal.NewFromInt(27)
	hundred        = decimal.NewFromInt(100)
)

// Logger records invoicing events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// BillingoAPI is the subset of the Billingo client the issuer calls.
type BillingoAPI interface {
	FindPartners(ctx context.Context, query string) ([]Partner, error)
	CreatePartner(ctx context.Context, partner Partner) (Partner, error)
	UpdatePartner(ctx context.Context, partner Partner) (Partner, error)
	CreateDocument(ctx context.Context, doc DocumentInsert) (Document, error)
	FindDocuments(ctx context.Context, query string) ([]Document, error)
	GetDocument(ctx context.Context, id int64) (Document, error)
	CancelDocument(ctx context.Context, id int64) (Document, error)
	PublicURL(ctx context.Context, id int64) (string, error)
}

// IssuerDeps wires the Billingo issuer.
type IssuerDeps struct {
	API      BillingoAPI
	BlockID  int
	Currency string
	Clock    func() time.Time
	Location *time.Location
	Logger   Logger
}

// BillingoIssuer issues and reverses order invoices through Billingo.
type BillingoIssuer struct {
	api      BillingoAPI
	blockID  int
	currency string
	clock    func() time.Time
	location *time.Location
	logger   Logger
	policies services.TierPolicies
}

var (
	_ services.InvoiceIssuer         = (*BillingoIssuer)(nil)
	_ services.InvoicePaymentChecker = (*BillingoIssuer)(nil)
)

// NewBillingoIssuer constructs the issuer.
func NewBillingoIssuer(deps IssuerDeps) (*BillingoIssuer, error) {
	if deps.API == nil {
		return nil, errors.New("invoicing: billingo api is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := deps.Location
	if loc == nil {
		loc = budapestLocation
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "HUF"
	}
	return &BillingoIssuer{
		api:      deps.API,
		blockID:  deps.BlockID,
		currency: currency,
		clock:    clock,
		location: loc,
		logger:   logger,
		policies: services.DefaultTierPolicies(),
	}, nil
}

// Issue creates the invoice for the order snapshot. A live invoice already carrying the order id
// as vendor id is returned instead of issuing a second one. The public URL is best effort.
func (i *BillingoIssuer) Issue(ctx context.Context, snapshot services.InvoiceSnapshot) (services.InvoiceResult, error) {
	order := snapshot.Order
	items := i.documentItems(order)
	if len(items) == 0 {
		return services.InvoiceResult{}, ErrNoLines
	}

	existing, found, err := i.findIssued(ctx, order.ID)
	if err != nil {
		return services.InvoiceResult{}, err
	}
	if found {
		result := i.resultFor(ctx, order.ID, existing)
		result.AlreadyApplied = true
		i.logger(ctx, "invoicing.invoice.reused", map[string]any{
			"orderID":   order.ID,
			"invoiceID": result.InvoiceID,
			"number":    result.Number,
		})
		return result, nil
	}

	partnerID, err := i.ensurePartner(ctx, order)
	if err != nil {
		return services.InvoiceResult{}, err
	}

	method := MapPaymentMethod(order.Payment)
	now := i.clock().In(i.location)
	due := snapshot.DueDate
	if due.IsZero() {
		due = now.AddDate(0, 0, 30)
	}
	doc, err := i.api.CreateDocument(ctx, DocumentInsert{
		PartnerID:       partnerID,
		BlockID:         i.blockID,
		Type:            documentTypeInvoice,
		FulfillmentDate: now.Format(time.DateOnly),
		DueDate:         due.In(i.location).Format(time.DateOnly),
		PaymentMethod:   method,
		Language:        "hu",
		Currency:        i.currency,
		ConversionRate:  1,
		Electronic:      true,
		Paid:            snapshot.Paid || method == PaymentOnlineBankcard,
		VendorID:        order.ID,
		Comment:         documentComment(order.ID, snapshot.Comment),
		Items:           items,
	})
	if err != nil {
		return services.InvoiceResult{}, fmt.Errorf("invoicing: create document: %w", err)
	}
	if doc.ID == 0 {
		return services.InvoiceResult{}, errors.New("invoicing: create document returned no id")
	}

	result := i.resultFor(ctx, order.ID, doc)
	i.logger(ctx, "invoicing.invoice.issued", map[string]any{
		"orderID":   order.ID,
		"invoiceID": result.InvoiceID,
		"number":    result.Number,
		"paid":      snapshot.Paid,
	})
	return result, nil
}

// findIssued looks for a live invoice issued for orderID by an earlier attempt. A failed lookup
// blocks issuing, since issuing blind could duplicate the invoice.
func (i *BillingoIssuer) findIssued(ctx context.Context, orderID string) (Document, bool, error) {
	docs, err := i.api.FindDocuments(ctx, orderID)
	if err != nil {
		return Document{}, false, fmt.Errorf("invoicing: look up existing invoice: %w", err)
	}
	for _, doc := range docs {
		if doc.ID == 0 || doc.Cancelled || doc.VendorID != orderID {
			continue
		}
		if doc.Type != "" && doc.Type != documentTypeInvoice {
			continue
		}
		return doc, true, nil
	}
	return Document{}, false, nil
}

func (i *BillingoIssuer) resultFor(ctx context.Context, orderID string, doc Document) services.InvoiceResult {
	result := services.InvoiceResult{
		InvoiceID: strconv.FormatInt(doc.ID, 10),
		Number:    doc.InvoiceNumber,
	}
	if link, err := i.api.PublicURL(ctx, doc.ID); err != nil {
		i.logger(ctx, "invoicing.public_url.failed", map[string]any{
			"orderID":   orderID,
			"invoiceID": result.InvoiceID,
			"error":     err.Error(),
		})
	} else {
		result.DownloadURL = link
	}
	return result
}

// Storno cancels the invoice; Billingo answers with the reversing document. An invoice that is
// already cancelled is reported with AlreadyApplied.
func (i *BillingoIssuer) Storno(ctx context.Context, invoiceID string) (services.StornoResult, error) {
	id, err := ParseDocumentID(invoiceID)
	if err != nil {
		return services.StornoResult{}, err
	}
	current, err := i.api.GetDocument(ctx, id)
	if err != nil {
		return services.StornoResult{}, fmt.Errorf("invoicing: read document %d: %w", id, err)
	}
	if current.Cancelled {
		i.logger(ctx, "invoicing.invoice.storno.already_applied", map[string]any{
			"invoiceID": invoiceID,
		})
		return services.StornoResult{AlreadyApplied: true}, nil
	}
	doc, err := i.api.CancelDocument(ctx, id)
	if err != nil {
		return services.StornoResult{}, fmt.Errorf("invoicing: cancel document %d: %w", id, err)
	}
	if doc.ID == 0 {
		return services.StornoResult{}, errors.New("invoicing: cancel document returned no id")
	}
	i.logger(ctx, "invoicing.invoice.storno", map[string]any{
		"invoiceID": invoiceID,
		"stornoID":  doc.ID,
		"number":    doc.InvoiceNumber,
	})
	return services.StornoResult{
		StornoInvoiceID: strconv.FormatInt(doc.ID, 10),
		StornoNumber:    doc.InvoiceNumber,
	}, nil
}

// InvoicePaid reports whether Billingo has registered the full payment of the invoice.
func (i *BillingoIssuer) InvoicePaid(ctx context.Context, invoiceID string) (bool, error) {
	id, err := ParseDocumentID(invoiceID)
	if err != nil {
		return false, err
	}
	doc, err := i.api.GetDocument(ctx, id)
	if err != nil {
		return false, fmt.Errorf("invoicing: read document %d: %w", id, err)
	}
	return !doc.Cancelled && doc.PaymentStatus == DocumentPaid, nil
}

// ParseDocumentID converts a stored invoice reference back to a Billingo id.
func ParseDocumentID(invoiceID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(invoiceID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInvoiceID, invoiceID)
	}
	return id, nil
}

// ensurePartner reuses a partner with the same tax number (companies) or email (private
// customers) and refreshes its contact details; otherwise a new partner is created.
func (i *BillingoIssuer) ensurePartner(ctx context.Context, order domain.Order) (int64, error) {
	want := partnerFor(order)

	candidates, err := i.api.FindPartners(ctx, want.Name)
	if err != nil {
		// Lookup failures fall through to creating a fresh partner.
		i.logger(ctx, "invoicing.partner.lookup_failed", map[string]any{
			"orderID": order.ID,
			"error":   err.Error(),
		})
	}
	if existing, ok := matchPartner(candidates, want); ok {
		if len(want.Emails) > 0 {
			existing.Emails = want.Emails
		}
		if want.Phone != "" {
			existing.Phone = want.Phone
		}
		if existing.Address == nil {
			existing.Address = want.Address
		}
		updated, err := i.api.UpdatePartner(ctx, existing)
		if err == nil && updated.ID != 0 {
			return updated.ID, nil
		}
		if err != nil {
			i.logger(ctx, "invoicing.partner.update_failed", map[string]any{
				"orderID":   order.ID,
				"partnerID": existing.ID,
				"error":     err.Error(),
			})
		}
		return existing.ID, nil
	}

	created, err := i.api.CreatePartner(ctx, want)
	if err != nil {
		return 0, fmt.Errorf("invoicing: create partner: %w", err)
	}
	if created.ID == 0 {
		return 0, errors.New("invoicing: create partner returned no id")
	}
	return created.ID, nil
}

func partnerFor(order domain.Order) Partner {
	addr := order.BillingAddress
	if addr == nil {
		addr = order.DeliveryAddress
	}
	partner := Partner{Name: strings.TrimSpace(order.CustomerName), TaxType: TaxTypeNoTaxNumber}
	if addr != nil {
		if company := strings.TrimSpace(addr.Company); company != "" {
			partner.Name = company
		} else if partner.Name == "" {
			partner.Name = strings.TrimSpace(addr.Name)
		}
		if tax := strings.TrimSpace(addr.TaxNumber); tax != "" {
			partner.Taxcode = tax
			partner.TaxType = TaxTypeHasTaxNumber
		}
		partner.Phone = strings.TrimSpace(addr.Phone)
		if addr.City != "" || addr.PostalCode != "" || addr.Street != "" {
			country := strings.ToUpper(strings.TrimSpace(addr.Country))
			if len(country) != 2 {
				country = defaultCountry
			}
			partner.Address = &PartnerAddress{
				CountryCode: country,
				PostCode:    strings.TrimSpace(addr.PostalCode),
				City:        strings.TrimSpace(addr.City),
				Address:     strings.TrimSpace(addr.Street),
			}
		}
	}
	for _, email := range order.NotificationEmails {
		if email = strings.TrimSpace(email); email != "" {
			partner.Emails = append(partner.Emails, email)
		}
	}
	if len(partner.Emails) == 0 && addr != nil && strings.TrimSpace(addr.Email) != "" {
		partner.Emails = []string{strings.TrimSpace(addr.Email)}
	}
	return partner
}

func matchPartner(candidates []Partner, want Partner) (Partner, bool) {
	for _, p := range candidates {
		if p.ID == 0 {
			continue
		}
		switch p.TaxType {
		case TaxTypeHasTaxNumber:
			if want.Taxcode != "" && p.Taxcode == want.Taxcode {
				return p, true
			}
		case TaxTypeNoTaxNumber:
			if want.Taxcode == "" && sharesEmail(p.Emails, want.Emails) {
				return p, true
			}
		}
	}
	return Partner{}, false
}

func sharesEmail(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(strings.TrimSpace(x), y) {
				return true
			}
		}
	}
	return false
}

// documentItems renders the order lines. Gross-priced tiers are invoiced at gross unit
// prices, the others at net prices, so the invoice total matches the order total.
func (i *BillingoIssuer) documentItems(order domain.Order) []DocumentItem {
	priceType := unitPriceNet
	if i.policies.For(order.Tier).PriceField == services.PriceFieldGross {
		priceType = unitPriceGross
	}

	items := make([]DocumentItem, 0, len(order.Items)+4)
	for _, line := range order.Items {
		price := line.NetPrice
		if priceType == unitPriceGross {
			price = line.GrossPrice
		}
		unit := strings.TrimSpace(line.Unit)
		if unit == "" {
			unit = defaultUnit
		}
		items = append(items, DocumentItem{
			Name:          line.Name,
			UnitPrice:     float64(price),
			UnitPriceType: priceType,
			Quantity:      services.BillableQuantity(line).Round(2).InexactFloat64(),
			Unit:          unit,
			VAT:           VATCode(line.VATPercent),
			Comment:       strings.TrimSpace(line.Note),
		})
	}
	if order.Shipping.Cost > 0 {
		items = append(items, flatLine(shippingLineName, order.Shipping.Cost, unitPriceGross, shippingVAT(order.Shipping)))
	}
	if order.Surcharge > 0 {
		items = append(items, flatLine(surchargeLineName, order.Surcharge, unitPriceGross, defaultVAT))
	}
	if order.Payment.AdditionalCost > 0 {
		name := paymentFeeName
		if n := strings.TrimSpace(order.Payment.Name); n != "" {
			name = fmt.Sprintf("%s (%s)", paymentFeeName, n)
		}
		items = append(items, flatLine(name, order.Payment.AdditionalCost, unitPriceGross, defaultVAT))
	}
	if order.Discount > 0 {
		items = append(items, flatLine(discountLineName, -order.Discount, unitPriceGross, defaultVAT))
	}
	return items
}

func flatLine(name string, amount int64, priceType, vat string) DocumentItem {
	return DocumentItem{
		Name:          name,
		UnitPrice:     float64(amount),
		UnitPriceType: priceType,
		Quantity:      1,
		Unit:          defaultUnit,
		VAT:           vat,
	}
}

// shippingVAT derives the rate contained in a VAT-inclusive shipping cost.
func shippingVAT(sel domain.ShippingSelection) string {
	net := sel.Cost - sel.VAT
	if sel.VAT <= 0 || net <= 0 {
		return defaultVAT
	}
	rate := decimal.NewFromInt(sel.VAT).Mul(hundred).Div(decimal.NewFromInt(net)).Round(0)
	return VATCode(rate)
}

// VATCode renders a VAT percentage as a Billingo VAT key such as "27%" or "5.5%".
func VATCode(pct decimal.Decimal) string {
	if pct.IsNegative() || pct.GreaterThan(defaultVATRate) {
		return defaultVAT
	}
	if pct.IsZero() {
		return "0%"
	}
	return pct.Round(1).String() + "%"
}

// MapPaymentMethod translates the order's payment method to a Billingo payment method.
func MapPaymentMethod(sel domain.PaymentSelection) string {
	switch strings.ToLower(strings.TrimSpace(sel.Slug)) {
	case "cod", "utanvet":
		return PaymentCashOnDelivery
	case "wire", "bank_transfer", "utalas":
		return PaymentWireTransfer
	case "online", "card", "simple":
		return PaymentOnlineBankcard
	case "cash":
		return PaymentCash
	}
	switch sel.Type {
	case domain.PaymentTypeCOD:
		return PaymentCashOnDelivery
	case domain.PaymentTypeWire:
		return PaymentWireTransfer
	case domain.PaymentTypeOnline:
		return PaymentOnlineBankcard
	}
	return PaymentOther
}

func documentComment(orderID, note string) string {
	comment := "Rendelés: " + orderID
	if note = strings.TrimSpace(note); note != "" {
		comment += "\n" + note
	}
	return comment
}

var budapestLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Budapest")
	if err != nil {
		return time.UTC
	}
	return loc
}()
