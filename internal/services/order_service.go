package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventStatusChanged   = "order.status.changed"
	orderEventPaymentChanged  = "order.payment.changed"
	orderEventEdited          = "order.edited"
	orderEventInvoiceReversed = "order.invoice.reversed"
	orderEventCourierAssigned = "order.courier.assigned"

	orderIDPrefix = "ord_"

	notificationTemplateCreated = "order_created"
	notificationTemplateStatus  = "order_status_changed"

	defaultPaymentDueDays = 30
	defaultCurrency       = "HUF"
	orderLockPrefix       = "order:"

	noteOrderCreated = "Rendelés létrehozva"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is not allowed in the current status.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConcurrentModification indicates the order changed underneath the operation; retry on fresh state.
	ErrOrderConcurrentModification = errors.New("order: concurrent modification")
	// ErrOrderConfirmationRequired indicates the operation waits for an explicit human confirmation.
	ErrOrderConfirmationRequired = errors.New("order: confirmation required")
	// ErrOrderGatewayFailed indicates the payment gateway rejected or failed a capture or refund.
	ErrOrderGatewayFailed = errors.New("order: payment gateway failed")
	// ErrOrderInvoiceFailed indicates the invoicing service failed.
	ErrOrderInvoiceFailed = errors.New("order: invoicing failed")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusProcessing,
		domain.OrderStatusShipping,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
	},
	domain.OrderStatusProcessing: {
		domain.OrderStatusShipping,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
	},
	domain.OrderStatusShipping: {
		domain.OrderStatusDelivered,
		domain.OrderStatusRefunded,
	},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
// InvoicePayments is optional; without it ReconcileInvoicePayments is disabled.
// InvoiceCheckPause spaces invoicing API calls within one reconciliation run.
type OrderServiceDeps struct {
	Orders            repositories.OrderRepository
	UnitOfWork        repositories.UnitOfWork
	Locker            OrderLocker
	Gateway           PaymentGateway
	Invoices          InvoiceIssuer
	InvoicePayments   InvoicePaymentChecker
	InvoiceCheckPause time.Duration
	Notifier          Notifier
	Events            OrderEventPublisher
	Policies          TierPolicies
	PaymentDueDays    int
	Currency          string
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	unitOfWork     repositories.UnitOfWork
	locker         OrderLocker
	gateway        PaymentGateway
	invoices       InvoiceIssuer
	payments       InvoicePaymentChecker
	checkPause     time.Duration
	notifier       Notifier
	events         OrderEventPublisher
	policies       TierPolicies
	paymentDueDays int
	currency       string
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("order service: order locker is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("order service: invoice issuer is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	policies := deps.Policies
	if policies == nil {
		policies = DefaultTierPolicies()
	}

	dueDays := deps.PaymentDueDays
	if dueDays <= 0 {
		dueDays = defaultPaymentDueDays
	}

	currency := strings.TrimSpace(deps.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:         deps.Orders,
		unitOfWork:     unit,
		locker:         deps.Locker,
		gateway:        deps.Gateway,
		invoices:       deps.Invoices,
		payments:       deps.InvoicePayments,
		checkPause:     deps.InvoiceCheckPause,
		notifier:       deps.Notifier,
		events:         deps.Events,
		policies:       policies,
		paymentDueDays: dueDays,
		currency:       currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) Create(ctx context.Context, req OrderCreateRequest) (Order, error) {
	if len(req.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if !req.Tier.Valid() {
		return Order{}, fmt.Errorf("%w: unknown customer tier %q", ErrOrderInvalidInput, req.Tier)
	}
	if strings.TrimSpace(req.Shipping.MethodID) == "" {
		return Order{}, fmt.Errorf("%w: shipping method is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(req.Payment.MethodID) == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}

	paymentStatus := req.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = domain.PaymentStatusPending
	}

	now := s.now()
	order := Order{
		ID:                 s.nextOrderID(),
		CustomerID:         strings.TrimSpace(req.CustomerID),
		CustomerName:       strings.TrimSpace(req.CustomerName),
		Tier:               req.Tier,
		Shipping:           req.Shipping,
		Payment:            req.Payment,
		BillingAddress:     cloneAddress(req.BillingAddress),
		NotificationEmails: slices.Clone(req.NotificationEmails),
		DeliveryComment:    strings.TrimSpace(req.DeliveryComment),
		Status:             domain.OrderStatusPending,
		PaymentStatus:      paymentStatus,
		PaymentDueDays:     s.paymentDueDays,
		DenyInvoice:        req.DenyInvoice,
		NeedVAT:            req.NeedVAT,
		Gateway:            cloneGatewayRecord(req.Gateway),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	cart := NewCart(req.Tier, s.policies)
	for _, item := range req.Items {
		if err := cart.AddItem(item); err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}
	if err := cart.SetShipping(req.Shipping); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	cart.SetPickupLocation(req.PickupLocationID)
	cart.SetDeliveryAddress(req.DeliveryAddress)
	cart.SetDeliveryDateTime(req.DeliveryDateTime)
	cart.SetPaymentMethod(req.Payment)
	if err := cart.SetSurcharge(req.Surcharge); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	if err := cart.SetDiscount(req.Discount); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	cart.ApplyTo(&order)

	if req.Totals.Total != 0 && req.Totals.Total != order.Total {
		return Order{}, fmt.Errorf("%w: submitted total %d does not match computed total %d", ErrOrderInvalidInput, req.Totals.Total, order.Total)
	}
	if order.Gateway != nil && order.Gateway.AuthorizedAmount == 0 && paymentStatus == domain.PaymentStatusPaid {
		order.Gateway.AuthorizedAmount = order.Total
	}
	if paymentStatus == domain.PaymentStatusPaid {
		order.PaidAmount = order.Total
	}

	order.History = append(order.History, domain.HistoryEntry{
		Timestamp: now,
		Status:    order.Status,
		Note:      noteOrderCreated,
		ActorID:   order.CustomerID,
		ActorName: order.CustomerName,
	})

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.notify(ctx, order, notificationTemplateCreated)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		ActorID:       order.CustomerID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":         order.Total,
			"tier":          string(order.Tier),
			"paymentType":   string(order.Payment.Type),
			"paymentStatus": string(order.PaymentStatus),
		},
	})

	return order, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if target == "" {
		return TransitionResult{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	var result TransitionResult
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status == target {
			result.Order = order
			return nil
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
		}

		expected := order.UpdatedAt
		prevStatus := order.Status
		now := s.now()

		var warnings []string
		switch target {
		case domain.OrderStatusProcessing:
			warnings, err = s.startProcessing(ctx, &order, now)
		case domain.OrderStatusCancelled, domain.OrderStatusRefunded:
			err = s.reversePayment(ctx, &order, target, cmd.ConfirmManualRefund, now)
		}
		if err != nil {
			return err
		}

		s.applyStatusTransition(&order, target, cmd.Note, cmd.Actor, now)
		if err := s.persist(ctx, order, expected); err != nil {
			return err
		}

		if target != domain.OrderStatusProcessing {
			s.notify(ctx, order, notificationTemplateStatus)
		}
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.ID,
			PreviousStatus: string(prevStatus),
			CurrentStatus:  string(order.Status),
			ActorID:        cmd.Actor.ID,
			OccurredAt:     now,
			Metadata: map[string]any{
				"paymentStatus": string(order.PaymentStatus),
				"warnings":      len(warnings),
			},
		})

		result = TransitionResult{Order: order, Warnings: warnings}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

// startProcessing runs the pending -> processing side effects in order: drop the surcharge,
// notify the customer, capture the online payment, then issue the invoice. Only a failed
// capture aborts; the notification has already gone out by then and is not recalled.
func (s *orderService) startProcessing(ctx context.Context, order *Order, now time.Time) ([]string, error) {
	if order.Surcharge != 0 {
		cart := CartFromOrder(*order, s.policies)
		if err := cart.SetSurcharge(0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		cart.ApplyTo(order)
	}

	s.notify(ctx, withStatus(*order, domain.OrderStatusProcessing), notificationTemplateStatus)

	if order.Payment.Type == domain.PaymentTypeOnline && !isSettled(order.PaymentStatus) {
		if order.Gateway == nil || strings.TrimSpace(order.Gateway.IntentID) == "" {
			return nil, fmt.Errorf("%w: online order %s has no payment authorization to capture", ErrOrderGatewayFailed, order.ID)
		}
		// The webhook may not have arrived yet, so a pending status still goes to the gateway;
		// it refuses intents that hold nothing capturable.
		res, err := s.gateway.Capture(ctx, s.gatewayRequest(*order, "capture", order.Total))
		if err != nil {
			s.logger(ctx, "order.payment.capture.failed", map[string]any{
				"orderID": order.ID,
				"amount":  order.Total,
				"error":   err.Error(),
			})
			return nil, fmt.Errorf("%w: capture: %v", ErrOrderGatewayFailed, err)
		}
		captured := res.Amount
		if captured == 0 {
			captured = order.Total
		}
		record := ensureGatewayRecord(order)
		if res.IntentID != "" {
			record.IntentID = res.IntentID
		}
		if record.AuthorizedAmount == 0 {
			record.AuthorizedAmount = captured
		}
		record.CapturedAmount = captured
		record.CapturedAt = valuePtr(firstNonZeroTime(res.ProcessedAt, now))
		order.PaymentStatus = domain.PaymentStatusClosed
		order.PaidAmount = captured
	}

	var warnings []string
	if !order.DenyInvoice && order.Invoice == nil {
		invoice, err := s.invoices.Issue(ctx, s.invoiceSnapshot(*order, now))
		if err != nil {
			s.logger(ctx, "order.invoice.issue.failed", map[string]any{
				"orderID": order.ID,
				"error":   err.Error(),
			})
			warnings = append(warnings, fmt.Errorf("%w: issue: %v", ErrOrderInvoiceFailed, err).Error())
		} else {
			if invoice.AlreadyApplied {
				s.logger(ctx, "order.invoice.reused", map[string]any{
					"orderID":   order.ID,
					"invoiceID": invoice.InvoiceID,
				})
			}
			order.Invoice = &domain.InvoiceRecord{
				ID:          invoice.InvoiceID,
				Number:      invoice.Number,
				DownloadURL: invoice.DownloadURL,
				ArchivePath: invoice.ArchivePath,
				IssuedAt:    now,
				Paid:        isSettled(order.PaymentStatus),
			}
		}
	}
	return warnings, nil
}

// reversePayment returns money for cancellations and refunds. Online payments go through the
// gateway; anything else that was paid waits for a manual refund confirmation.
func (s *orderService) reversePayment(ctx context.Context, order *Order, target domain.OrderStatus, confirmed bool, now time.Time) error {
	paid := isPaid(order.PaymentStatus)
	if target == domain.OrderStatusRefunded && !paid {
		return fmt.Errorf("%w: order payment status %q cannot be refunded", ErrOrderInvalidState, order.PaymentStatus)
	}
	if !paid {
		return nil
	}

	if order.Payment.Type != domain.PaymentTypeOnline {
		if !confirmed {
			return fmt.Errorf("%w: payment via %s must be refunded manually before the order is %s", ErrOrderConfirmationRequired, order.Payment.Type, target)
		}
		order.PaymentStatus = domain.PaymentStatusRefunded
		return nil
	}

	amount := order.PaidAmount
	if amount == 0 {
		amount = order.Total
	}
	res, err := s.gateway.RefundOrVoid(ctx, s.gatewayRequest(*order, "refund", amount))
	if err != nil {
		s.logger(ctx, "order.payment.refund.failed", map[string]any{
			"orderID": order.ID,
			"amount":  amount,
			"error":   err.Error(),
		})
		return fmt.Errorf("%w: refund: %v", ErrOrderGatewayFailed, err)
	}
	record := ensureGatewayRecord(order)
	if res.IntentID != "" {
		record.IntentID = res.IntentID
	}
	record.RefundedAt = valuePtr(firstNonZeroTime(res.ProcessedAt, now))
	order.PaymentStatus = domain.PaymentStatusRefunded
	return nil
}

func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !validPaymentStatus(cmd.Status) {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if cmd.PaidAmount != nil && *cmd.PaidAmount < 0 {
		return Order{}, fmt.Errorf("%w: paid amount must not be negative", ErrOrderInvalidInput)
	}

	var updated Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		expected := order.UpdatedAt
		now := s.now()
		prev := order.PaymentStatus

		order.PaymentStatus = cmd.Status
		if cmd.PaidAmount != nil {
			order.PaidAmount = *cmd.PaidAmount
		}
		if order.Invoice != nil && isSettled(cmd.Status) {
			order.Invoice.Paid = true
		}
		note := strings.TrimSpace(cmd.Note)
		if note == "" {
			note = fmt.Sprintf("Fizetési állapot: %s -> %s", prev, cmd.Status)
		}
		order.History = append(order.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    order.Status,
			Note:      note,
			ActorID:   cmd.Actor.ID,
			ActorName: cmd.Actor.Name,
		})
		order.UpdatedAt = now

		if err := s.persist(ctx, order, expected); err != nil {
			return err
		}
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaymentChanged,
			OrderID:       order.ID,
			CurrentStatus: string(order.Status),
			ActorID:       cmd.Actor.ID,
			OccurredAt:    now,
			Metadata: map[string]any{
				"previousPaymentStatus": string(prev),
				"paymentStatus":         string(order.PaymentStatus),
			},
		})
		updated = order
		return nil
	})
	return updated, err
}

func (s *orderService) StornoInvoice(ctx context.Context, cmd StornoInvoiceCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var updated Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Invoice == nil || strings.TrimSpace(order.Invoice.ID) == "" {
			return fmt.Errorf("%w: order has no invoice to reverse", ErrOrderInvalidState)
		}
		expected := order.UpdatedAt
		invoice := *order.Invoice

		res, err := s.invoices.Storno(ctx, invoice.ID)
		if err != nil {
			s.logger(ctx, "order.invoice.storno.failed", map[string]any{
				"orderID":   order.ID,
				"invoiceID": invoice.ID,
				"error":     err.Error(),
			})
			return fmt.Errorf("%w: storno: %v", ErrOrderInvoiceFailed, err)
		}

		now := s.now()
		order.Invoice = nil
		order.History = append(order.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    order.Status,
			Note:      stornoNote(invoice, res),
			ActorID:   cmd.Actor.ID,
			ActorName: cmd.Actor.Name,
		})
		order.UpdatedAt = now

		if err := s.persist(ctx, order, expected); err != nil {
			s.logger(ctx, "order.invoice.storno.unlinked", map[string]any{
				"orderID":         order.ID,
				"invoiceID":       invoice.ID,
				"stornoInvoiceID": res.StornoInvoiceID,
				"error":           err.Error(),
			})
			return err
		}
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventInvoiceReversed,
			OrderID:       order.ID,
			CurrentStatus: string(order.Status),
			ActorID:       cmd.Actor.ID,
			OccurredAt:    now,
			Metadata: map[string]any{
				"invoiceID":       invoice.ID,
				"stornoInvoiceID": res.StornoInvoiceID,
			},
		})
		updated = order
		return nil
	})
	return updated, err
}

// AssignCourier returns the optimistic projection together with the persisted outcome. When
// persisting fails the authoritative order is re-read instead of undoing the projection.
func (s *orderService) AssignCourier(ctx context.Context, cmd AssignCourierCommand) (CourierAssignment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return CourierAssignment{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	courier := strings.TrimSpace(cmd.Courier)

	var assignment CourierAssignment
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if isTerminal(current.Status) {
			return fmt.Errorf("%w: cannot assign courier to %s order", ErrOrderInvalidState, current.Status)
		}

		now := s.now()
		projection := current
		projection.History = slices.Clone(current.History)
		projection.Courier = courier
		projection.PlannedShippingAt = cloneTime(cmd.PlannedShippingAt)
		projection.History = append(projection.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    projection.Status,
			Note:      courierNote(courier),
			ActorID:   cmd.Actor.ID,
			ActorName: cmd.Actor.Name,
		})
		projection.UpdatedAt = now
		assignment.Projection = projection

		if err := s.persist(ctx, projection, current.UpdatedAt); err != nil {
			fresh, findErr := s.orders.FindByID(ctx, orderID)
			if findErr == nil {
				assignment.Order = fresh
			} else {
				assignment.Order = current
			}
			return err
		}

		assignment.Order = projection
		assignment.Applied = true
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventCourierAssigned,
			OrderID:       projection.ID,
			CurrentStatus: string(projection.Status),
			ActorID:       cmd.Actor.ID,
			OccurredAt:    now,
			Metadata:      map[string]any{"courier": courier},
		})
		return nil
	})
	return assignment, err
}

func (s *orderService) ReconcilePayment(ctx context.Context, cmd ReconcilePaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	next, ok := gatewayPaymentStatus(cmd.Status)
	if !ok {
		return Order{}, fmt.Errorf("%w: unsupported gateway status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var updated Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Payment.Type != domain.PaymentTypeOnline {
			return fmt.Errorf("%w: order %s is not paid online", ErrOrderInvalidInput, order.ID)
		}
		if order.Gateway != nil && order.Gateway.IntentID != "" && cmd.IntentID != "" && order.Gateway.IntentID != cmd.IntentID {
			return fmt.Errorf("%w: payment intent %s does not belong to order %s", ErrOrderInvalidInput, cmd.IntentID, order.ID)
		}
		if !paymentStatusAdvances(order.PaymentStatus, next) {
			updated = order
			return nil
		}

		expected := order.UpdatedAt
		now := s.now()
		prev := order.PaymentStatus
		record := ensureGatewayRecord(&order)
		if cmd.IntentID != "" {
			record.IntentID = cmd.IntentID
		}
		switch next {
		case domain.PaymentStatusPaid:
			record.AuthorizedAmount = cmd.Amount
			order.PaidAmount = cmd.Amount
		case domain.PaymentStatusClosed:
			record.CapturedAmount = cmd.Amount
			record.CapturedAt = valuePtr(now)
			order.PaidAmount = cmd.Amount
		case domain.PaymentStatusRefunded:
			record.RefundedAt = valuePtr(now)
		}
		order.PaymentStatus = next
		order.History = append(order.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    order.Status,
			Note:      fmt.Sprintf("Online fizetés: %s -> %s", prev, next),
			ActorID:   "gateway",
			ActorName: "gateway",
		})
		order.UpdatedAt = now

		if err := s.persist(ctx, order, expected); err != nil {
			return err
		}
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaymentChanged,
			OrderID:       order.ID,
			CurrentStatus: string(order.Status),
			ActorID:       "gateway",
			OccurredAt:    now,
			Metadata: map[string]any{
				"previousPaymentStatus": string(prev),
				"paymentStatus":         string(next),
				"eventID":               cmd.EventID,
			},
		})
		updated = order
		return nil
	})
	return updated, err
}

func (s *orderService) applyStatusTransition(order *Order, target domain.OrderStatus, note string, actor Actor, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	note = strings.TrimSpace(note)
	if note == "" {
		note = fmt.Sprintf("Állapot: %s", target)
	}
	order.History = append(order.History, domain.HistoryEntry{
		Timestamp: now,
		Status:    target,
		Note:      note,
		ActorID:   actor.ID,
		ActorName: actor.Name,
	})
}

func (s *orderService) gatewayRequest(order Order, op string, amount int64) GatewayRequest {
	req := GatewayRequest{
		OrderID:        order.ID,
		Amount:         amount,
		Currency:       s.currency,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", order.ID, op, amount),
	}
	if order.Gateway != nil {
		req.IntentID = order.Gateway.IntentID
	}
	return req
}

func (s *orderService) invoiceSnapshot(order Order, now time.Time) InvoiceSnapshot {
	dueDays := order.PaymentDueDays
	if dueDays <= 0 {
		dueDays = s.paymentDueDays
	}
	return InvoiceSnapshot{
		Order:   order,
		DueDate: now.AddDate(0, 0, dueDays),
		Paid:    isSettled(order.PaymentStatus),
		Comment: strings.TrimSpace(order.DeliveryComment),
	}
}

func (s *orderService) notify(ctx context.Context, order Order, template string) {
	if s.notifier == nil {
		return
	}
	data := map[string]any{
		"orderID":         order.ID,
		"status":          string(order.Status),
		"paymentStatus":   string(order.PaymentStatus),
		"total":           order.Total,
		"customerName":    order.CustomerName,
		"customerHistory": CustomerHistoryText(order.CustomerHistory),
	}
	for _, email := range order.NotificationEmails {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		err := s.notifier.Send(ctx, Notification{
			Email:    email,
			Template: template,
			OrderID:  order.ID,
			Data:     maps.Clone(data),
		})
		if err != nil {
			s.logger(ctx, "order.notification.failed", map[string]any{
				"orderID":  order.ID,
				"template": template,
				"error":    err.Error(),
			})
		}
	}
}

func (s *orderService) withOrderLock(ctx context.Context, orderID string, fn func(context.Context) error) error {
	lock, err := s.locker.Lock(ctx, orderLockPrefix+orderID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOrderConcurrentModification, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx, "order.unlock.failed", map[string]any{
				"orderID": orderID,
				"error":   err.Error(),
			})
		}
	}()
	return fn(ctx)
}

func (s *orderService) persist(ctx context.Context, order Order, expected time.Time) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order, expected); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConcurrentModification, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func isTerminal(status domain.OrderStatus) bool {
	_, ok := orderStateTransitions[status]
	return !ok
}

// isPaid reports whether money was authorised or received and would need returning.
func isPaid(status domain.PaymentStatus) bool {
	return status == domain.PaymentStatusPaid || status == domain.PaymentStatusClosed
}

func isSettled(status domain.PaymentStatus) bool {
	return status == domain.PaymentStatusClosed
}

func validPaymentStatus(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusPending, domain.PaymentStatusPaid, domain.PaymentStatusFailed,
		domain.PaymentStatusRefunded, domain.PaymentStatusClosed:
		return true
	}
	return false
}

func gatewayPaymentStatus(status string) (domain.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "authorized", "requires_capture":
		return domain.PaymentStatusPaid, true
	case "captured", "succeeded":
		return domain.PaymentStatusClosed, true
	case "failed", "canceled", "payment_failed":
		return domain.PaymentStatusFailed, true
	case "refunded":
		return domain.PaymentStatusRefunded, true
	}
	return "", false
}

var paymentStatusRank = map[domain.PaymentStatus]int{
	domain.PaymentStatusPending:  0,
	domain.PaymentStatusFailed:   1,
	domain.PaymentStatusPaid:     2,
	domain.PaymentStatusClosed:   3,
	domain.PaymentStatusRefunded: 4,
}

// paymentStatusAdvances drops stale or duplicate gateway notifications.
func paymentStatusAdvances(current, next domain.PaymentStatus) bool {
	if current == next {
		return false
	}
	if next == domain.PaymentStatusFailed {
		return current == domain.PaymentStatusPending
	}
	return paymentStatusRank[next] > paymentStatusRank[current]
}

func ensureGatewayRecord(order *Order) *domain.PaymentGatewayRecord {
	if order.Gateway == nil {
		order.Gateway = &domain.PaymentGatewayRecord{}
	}
	return order.Gateway
}

func cloneGatewayRecord(record *domain.PaymentGatewayRecord) *domain.PaymentGatewayRecord {
	if record == nil {
		return nil
	}
	cloned := *record
	cloned.CapturedAt = cloneTime(record.CapturedAt)
	cloned.RefundedAt = cloneTime(record.RefundedAt)
	return &cloned
}

func withStatus(order Order, status domain.OrderStatus) Order {
	order.Status = status
	return order
}

func stornoNote(invoice domain.InvoiceRecord, res StornoResult) string {
	original := firstNonEmpty(invoice.Number, invoice.ID)
	if storno := firstNonEmpty(res.StornoNumber, res.StornoInvoiceID); storno != "" {
		return fmt.Sprintf("Számla sztornózva: %s (sztornó: %s)", original, storno)
	}
	return fmt.Sprintf("Számla sztornózva: %s (korábban sztornózva)", original)
}

func courierNote(courier string) string {
	if courier == "" {
		return "Futár eltávolítva"
	}
	return "Futár: " + courier
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstNonZeroTime(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v.UTC()
		}
	}
	return time.Time{}
}

func valuePtr[T any](v T) *T {
	return &v
}
