package services

import (
	"context"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	LineItem           = domain.LineItem
	Address            = domain.Address
	ShippingMethod     = domain.ShippingMethod
	PaymentMethod      = domain.PaymentMethod
	CustomerTier       = domain.CustomerTier
	SystemHealthReport = domain.SystemHealthReport
)

// CatalogService resolves the shipping and payment methods a customer may choose.
type CatalogService interface {
	ShippingMethods(ctx context.Context, query ShippingMethodQuery) ([]ShippingMethod, error)
	PaymentMethods(ctx context.Context, query PaymentMethodQuery) ([]PaymentMethod, error)
	Snapshot(ctx context.Context) (CatalogSnapshot, error)
}

// CheckoutService drives the three-stage checkout wizard and submits orders.
type CheckoutService interface {
	GetDraft(ctx context.Context, cmd CheckoutDraftQuery) (CheckoutView, error)
	UpdateDraft(ctx context.Context, cmd UpdateCheckoutDraftCommand) (CheckoutView, error)
	MoveToStage(ctx context.Context, cmd MoveCheckoutStageCommand) (CheckoutView, error)
	// DeliverySlots lists the days offered for the draft's pickup location or delivery address.
	DeliverySlots(ctx context.Context, cmd CheckoutDraftQuery) ([]domain.DeliverySlot, error)
	ClearDraft(ctx context.Context, customerID string) error
	Submit(ctx context.Context, cmd SubmitCheckoutCommand) (Order, error)
}

// OrderService governs order status transitions, edits and reconciliation with external systems.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	Create(ctx context.Context, req OrderCreateRequest) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (TransitionResult, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
	EditOrder(ctx context.Context, cmd EditOrderCommand) (Order, error)
	StornoInvoice(ctx context.Context, cmd StornoInvoiceCommand) (Order, error)
	AssignCourier(ctx context.Context, cmd AssignCourierCommand) (CourierAssignment, error)
	ReconcilePayment(ctx context.Context, cmd ReconcilePaymentCommand) (Order, error)
	ReconcileInvoicePayments(ctx context.Context, cmd ReconcileInvoicePaymentsCommand) (InvoicePaymentSummary, error)
}

// SystemService exposes health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateway finalizes or reverses online payments. Implementations query the gateway before
// mutating so repeated calls after a partial failure do not capture or refund twice.
type PaymentGateway interface {
	Capture(ctx context.Context, req GatewayRequest) (GatewayResult, error)
	RefundOrVoid(ctx context.Context, req GatewayRequest) (GatewayResult, error)
}

// GatewayRequest identifies the order and held authorization to act on.
type GatewayRequest struct {
	OrderID        string
	IntentID       string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Reason         string
}

// GatewayResult reports the gateway state after the call.
type GatewayResult struct {
	IntentID       string
	Status         string
	Amount         int64
	AlreadyApplied bool
	ProcessedAt    time.Time
}

// InvoiceIssuer issues and reverses invoices with the invoicing service.
type InvoiceIssuer interface {
	Issue(ctx context.Context, snapshot InvoiceSnapshot) (InvoiceResult, error)
	Storno(ctx context.Context, invoiceID string) (StornoResult, error)
}

// InvoiceSnapshot is the frozen order state sent for invoicing.
type InvoiceSnapshot struct {
	Order   Order
	DueDate time.Time
	Paid    bool
	Comment string
}

// InvoiceResult references the issued invoice. AlreadyApplied marks an invoice found from an
// earlier attempt for the same order.
type InvoiceResult struct {
	InvoiceID      string
	Number         string
	DownloadURL    string
	ArchivePath    string
	AlreadyApplied bool
}

// StornoResult references the reversing invoice. AlreadyApplied marks an invoice that was
// already cancelled; the storno reference may then be empty.
type StornoResult struct {
	StornoInvoiceID string
	StornoNumber    string
	AlreadyApplied  bool
}

// InvoicePaymentChecker asks the invoicing service whether an invoice has been paid.
type InvoicePaymentChecker interface {
	InvoicePaid(ctx context.Context, invoiceID string) (bool, error)
}

// DeliverySlotProvider lists the days on which an order can be delivered to a postal code
// or collected from a pickup location.
type DeliverySlotProvider interface {
	HomeDeliverySlots(ctx context.Context, postalCode string) ([]domain.DeliverySlot, error)
	PickupSlots(ctx context.Context, locationID string) ([]domain.DeliverySlot, error)
}

// Notifier dispatches customer notifications. Failures never abort a transition.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// Notification is a templated message for one recipient.
type Notification struct {
	Email    string
	Template string
	OrderID  string
	Data     map[string]any
}

// OrderLocker grants exclusive access to an order for one logical operation.
type OrderLocker interface {
	Lock(ctx context.Context, key string) (Unlocker, error)
}

// Unlocker releases a previously acquired lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// DraftStore persists checkout drafts between requests.
type DraftStore interface {
	Get(ctx context.Context, key string) (CheckoutDraft, bool, error)
	Set(ctx context.Context, key string, draft CheckoutDraft) error
	Clear(ctx context.Context, key string) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// Actor identifies who performs an operation.
type Actor struct {
	ID   string
	Name string
}

// ShippingMethodQuery filters shipping methods for a tier and cart value.
type ShippingMethodQuery struct {
	Tier      CustomerTier
	Subtotal  int64
	Surcharge int64
}

// PaymentMethodQuery filters payment methods for a tier and chosen shipping method.
type PaymentMethodQuery struct {
	Tier             CustomerTier
	ShippingMethodID string
}

// CatalogSnapshot is the full reference data set at one point in time.
type CatalogSnapshot struct {
	ShippingMethods []ShippingMethod
	PaymentMethods  []PaymentMethod
}

// OrderCreateRequest is the immutable order-creation request produced by checkout.
type OrderCreateRequest struct {
	CustomerID         string
	CustomerName       string
	Tier               CustomerTier
	Items              []LineItem
	Shipping           domain.ShippingSelection
	Payment            domain.PaymentSelection
	DeliveryAddress    *Address
	PickupLocationID   string
	BillingAddress     *Address
	NotificationEmails []string
	DeliveryComment    string
	DeliveryDateTime   *time.Time
	Surcharge          int64
	Discount           int64
	Totals             Totals
	PaymentStatus      domain.PaymentStatus
	Gateway            *domain.PaymentGatewayRecord
	DenyInvoice        bool
	NeedVAT            bool
}

// OrderStatusTransitionCommand moves an order to a new status.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus domain.OrderStatus
	Note         string
	Actor        Actor
	// ConfirmManualRefund acknowledges that money taken outside the gateway is refunded by hand.
	ConfirmManualRefund bool
}

// TransitionResult is the committed order plus non-blocking warnings.
type TransitionResult struct {
	Order    Order
	Warnings []string
}

// UpdatePaymentStatusCommand records a payment status change made by staff.
type UpdatePaymentStatusCommand struct {
	OrderID    string
	Status     domain.PaymentStatus
	PaidAmount *int64
	Note       string
	Actor      Actor
}

// EditOrderCommand replaces the editable part of a pending order.
type EditOrderCommand struct {
	OrderID    string
	Items      []LineItemEdit
	Shipping   *int64
	Discount   *int64
	Surcharge  *int64
	Note       string
	Actor      Actor
	Confirmed  bool
	AddedItems []LineItem
}

// LineItemEdit changes one existing line; nil fields are left untouched. Quantity is the raw
// staff input ("1,5" and "1.5" both work), resolved against the line's quantity bounds.
type LineItemEdit struct {
	ItemID   string
	Quantity *string
	Price    *int64
	Note     *string
	Remove   bool
}

// StornoInvoiceCommand reverses the issued invoice of an order.
type StornoInvoiceCommand struct {
	OrderID string
	Actor   Actor
}

// AssignCourierCommand assigns a courier to an order.
type AssignCourierCommand struct {
	OrderID           string
	Courier           string
	PlannedShippingAt *time.Time
	Actor             Actor
}

// CourierAssignment carries the optimistic projection and the outcome of persisting it.
type CourierAssignment struct {
	Projection Order
	Order      Order
	Applied    bool
}

// ReconcilePaymentCommand applies a gateway notification to an order.
type ReconcilePaymentCommand struct {
	OrderID  string
	IntentID string
	Status   string
	Amount   int64
	EventID  string
}

// ReconcileInvoicePaymentsCommand bounds one run of the invoice payment check.
type ReconcileInvoicePaymentsCommand struct {
	Limit int
}

// InvoicePaymentSummary reports one run of the invoice payment check.
type InvoicePaymentSummary struct {
	Processed int      `json:"processed"`
	Closed    int      `json:"closed"`
	Errors    int      `json:"errors"`
	MoreLeft  bool     `json:"moreLeft"`
	ClosedIDs []string `json:"closedIds"`
}
