package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerTier classifies customers for pricing and eligibility decisions.
type CustomerTier string

const (
	// TierPublic pays gross prices and sees VAT-inclusive totals.
	TierPublic CustomerTier = "public"
	// TierVIP pays net prices; VAT is not added to the total.
	TierVIP CustomerTier = "vip"
	// TierCompany pays net prices with VAT added on top of the total.
	TierCompany CustomerTier = "company"
)

// Valid reports whether the tier is one of the known values.
func (t CustomerTier) Valid() bool {
	switch t {
	case TierPublic, TierVIP, TierCompany:
		return true
	}
	return false
}

// TierFlags stores a per-tier boolean such as an eligibility or VAT flag.
type TierFlags struct {
	Public  bool
	VIP     bool
	Company bool
}

// For returns the flag for the given tier. Unknown tiers are never flagged.
func (f TierFlags) For(tier CustomerTier) bool {
	switch tier {
	case TierPublic:
		return f.Public
	case TierVIP:
		return f.VIP
	case TierCompany:
		return f.Company
	}
	return false
}

// TierAmounts stores a per-tier monetary amount.
type TierAmounts struct {
	Public  int64
	VIP     int64
	Company int64
}

// For returns the amount configured for the tier.
func (a TierAmounts) For(tier CustomerTier) int64 {
	switch tier {
	case TierPublic:
		return a.Public
	case TierVIP:
		return a.VIP
	case TierCompany:
		return a.Company
	}
	return 0
}

// BundleItem describes a child product shipped as part of a bundle line.
type BundleItem struct {
	ChildID      string
	Name         string
	Unit         string
	QtyPerParent decimal.Decimal
}

// LineItem is a single product line inside a cart or order.
type LineItem struct {
	ID           string
	ProductID    string
	Name         string
	Unit         string
	Quantity     decimal.Decimal
	NetPrice     int64
	GrossPrice   int64
	VATPercent   decimal.Decimal
	StepQuantity decimal.Decimal
	MinQuantity  decimal.Decimal
	MaxQuantity  decimal.Decimal
	Note         string
	IsCustom     bool
	BundleItems  []BundleItem
	Subtotal     int64
}

// ShippingCategory is resolved once from the catalog and drives payment eligibility.
type ShippingCategory string

const (
	// ShippingCategoryPickup means the customer collects the order at a pickup location.
	ShippingCategoryPickup ShippingCategory = "pickup"
	// ShippingCategoryHomeDelivery means the order is delivered to an address.
	ShippingCategoryHomeDelivery ShippingCategory = "home_delivery"
	// ShippingCategoryUnknown is any method whose name is not recognised.
	ShippingCategoryUnknown ShippingCategory = "unknown"
)

// ShippingMethod is static reference data loaded from the catalog.
type ShippingMethod struct {
	ID          string
	Name        string
	Description string
	Category    ShippingCategory
	Eligible    TierFlags
	MinNetPrice int64
	MaxNetPrice int64
	NetCost     TierAmounts
	ApplyVAT    TierFlags
	VATPercent  decimal.Decimal
	Enabled     bool
	SortOrder   int
}

// PaymentType groups payment methods by settlement mechanism.
type PaymentType string

const (
	// PaymentTypeOnline settles through the card gateway with an authorization hold.
	PaymentTypeOnline PaymentType = "online"
	// PaymentTypeCOD is cash (or card) on delivery.
	PaymentTypeCOD PaymentType = "cod"
	// PaymentTypeWire is bank transfer against the invoice.
	PaymentTypeWire PaymentType = "wire"
)

// PaymentMethod is static reference data loaded from the catalog.
type PaymentMethod struct {
	ID             string
	Slug           string
	Name           string
	Description    string
	Type           PaymentType
	Eligible       TierFlags
	AdditionalCost int64
	Enabled        bool
	SortOrder      int
}

// Address is a postal address used for delivery and billing.
type Address struct {
	Name       string
	Company    string
	TaxNumber  string
	Country    string
	PostalCode string
	City       string
	Street     string
	Phone      string
	Email      string
	Note       string
}

// ShippingSelection snapshots the chosen shipping method on an order.
type ShippingSelection struct {
	MethodID string
	Name     string
	Category ShippingCategory
	Cost     int64
	VAT      int64
}

// PaymentSelection snapshots the chosen payment method on an order.
type PaymentSelection struct {
	MethodID       string
	Slug           string
	Name           string
	Type           PaymentType
	AdditionalCost int64
}

// OrderStatus enumerates fulfillment lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending is the initial, editable state.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing means the order was accepted and is being assembled.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipping means the order left the warehouse.
	OrderStatusShipping OrderStatus = "shipping"
	// OrderStatusDelivered is terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus tracks settlement independently from fulfillment.
type PaymentStatus string

const (
	// PaymentStatusPending means no money has been authorised or received.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid means funds were authorised or received.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed means the gateway declined or errored.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded means funds were returned or the hold released.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusClosed means the payment was captured and settled.
	PaymentStatusClosed PaymentStatus = "closed"
)

// HistoryEntry is an internal status-history record.
type HistoryEntry struct {
	Timestamp time.Time
	Status    OrderStatus
	Note      string
	ActorID   string
	ActorName string
}

// CustomerHistoryEntry is a customer-visible change log line.
type CustomerHistoryEntry struct {
	Timestamp time.Time
	Note      string
	ActorName string
}

// InvoiceRecord links the order to an invoice issued by the invoicing service.
type InvoiceRecord struct {
	ID           string
	Number       string
	DownloadURL  string
	ArchivePath  string
	IssuedAt     time.Time
	Paid         bool
	StornoID     string
	StornoNumber string
}

// PaymentGatewayRecord stores what the online gateway reported for the order.
type PaymentGatewayRecord struct {
	Provider         string
	IntentID         string
	AuthorizedAmount int64
	CapturedAmount   int64
	CapturedAt       *time.Time
	RefundedAt       *time.Time
}

// Order is the cart/order aggregate persisted once checkout is submitted.
type Order struct {
	ID                 string
	CustomerID         string
	CustomerName       string
	Tier               CustomerTier
	Items              []LineItem
	Shipping           ShippingSelection
	Payment            PaymentSelection
	DeliveryAddress    *Address
	PickupLocationID   string
	BillingAddress     *Address
	NotificationEmails []string
	DeliveryComment    string
	DeliveryDateTime   *time.Time
	Surcharge          int64
	Discount           int64
	Subtotal           int64
	VATTotal           int64
	Total              int64
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	PaidAmount         int64
	PaymentDueDays     int
	DenyInvoice        bool
	NeedVAT            bool
	History            []HistoryEntry
	CustomerHistory    []CustomerHistoryEntry
	Invoice            *InvoiceRecord
	Gateway            *PaymentGatewayRecord
	Courier            string
	PlannedShippingAt  *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency is degraded but the service keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck is the outcome of a single dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// ShippingZone schedules home deliveries for one postal code. Orders for a week close on
// OrderDeadlineDay at CutoffTime (HH:MM, shop time) and ship on DeliveryDay of the same
// Sunday-based week.
type ShippingZone struct {
	ID               string
	PostalCode       string
	OrderDeadlineDay time.Weekday
	CutoffTime       string
	DeliveryDay      time.Weekday
}

// PickupLocation is a place where customers collect their orders. Hours holds the opening
// range per weekday, indexed by time.Weekday; "", "-", "closed" and "zárva" mean closed.
type PickupLocation struct {
	ID    string
	Name  string
	Hours [7]string
}

// DeliverySlot is one calendar day offered for delivery or pickup.
type DeliverySlot struct {
	// Date is the shop-time calendar day formatted as YYYY-MM-DD.
	Date      string
	TimeRange string
	Denied    bool
}
