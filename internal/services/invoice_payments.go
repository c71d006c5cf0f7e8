package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

const (
	defaultInvoiceCheckBatch = 150
	maxInvoiceCheckBatch     = 500

	// invoiceCheckMargin is kept free before the request deadline to write the summary.
	invoiceCheckMargin = 5 * time.Second

	noteInvoicePaid = "Fizetés beérkezett (automatikus ellenőrzés Billingo-ból)."
	invoiceActor    = "billingo"
)

// ErrOrderInvoicePaymentsDisabled indicates no invoice payment checker is configured.
var ErrOrderInvoicePaymentsDisabled = errors.New("order: invoice payment check disabled")

// ReconcileInvoicePayments closes pending orders whose invoice the invoicing service reports
// as paid. One failing order is counted and skipped; the run continues with the next one. When
// the context deadline would expire before the next check, the run stops early with MoreLeft set.
func (s *orderService) ReconcileInvoicePayments(ctx context.Context, cmd ReconcileInvoicePaymentsCommand) (InvoicePaymentSummary, error) {
	if s.payments == nil {
		return InvoicePaymentSummary{}, ErrOrderInvoicePaymentsDisabled
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultInvoiceCheckBatch
	}
	if limit > maxInvoiceCheckBatch {
		return InvoicePaymentSummary{}, fmt.Errorf("%w: limit must be at most %d", ErrOrderInvalidInput, maxInvoiceCheckBatch)
	}

	candidates, err := s.orders.ListAwaitingPayment(ctx, limit)
	if err != nil {
		return InvoicePaymentSummary{}, s.mapRepositoryError(err)
	}

	summary := InvoicePaymentSummary{MoreLeft: len(candidates) == limit, ClosedIDs: []string{}}
	for i, candidate := range candidates {
		if i > 0 {
			if !s.timeForAnotherCheck(ctx) {
				summary.MoreLeft = true
				break
			}
			if err := s.pause(ctx); err != nil {
				return summary, err
			}
		}
		closed, err := s.closePaidInvoice(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Errors++
			s.logger(ctx, "order.invoice_payment.failed", map[string]any{
				"orderID": candidate.ID,
				"error":   err.Error(),
			})
			continue
		}
		summary.Processed++
		if closed {
			summary.Closed++
			summary.ClosedIDs = append(summary.ClosedIDs, candidate.ID)
		}
	}

	s.logger(ctx, "order.invoice_payment.checked", map[string]any{
		"processed": summary.Processed,
		"closed":    summary.Closed,
		"errors":    summary.Errors,
		"moreLeft":  summary.MoreLeft,
	})
	return summary, nil
}

func (s *orderService) closePaidInvoice(ctx context.Context, candidate Order) (bool, error) {
	paid, err := s.payments.InvoicePaid(ctx, candidate.Invoice.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrOrderInvoiceFailed, err)
	}
	if !paid {
		return false, nil
	}

	closed := false
	err = s.withOrderLock(ctx, candidate.ID, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, candidate.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		// Staff may have settled or reversed the invoice since the batch was read.
		if order.PaymentStatus != domain.PaymentStatusPending || order.Invoice == nil ||
			order.Invoice.ID != candidate.Invoice.ID || order.Invoice.StornoID != "" {
			return nil
		}

		expected := order.UpdatedAt
		now := s.now()
		order.PaymentStatus = domain.PaymentStatusClosed
		order.PaidAmount = order.Total
		order.Invoice.Paid = true
		order.History = append(order.History, domain.HistoryEntry{
			Timestamp: now,
			Status:    order.Status,
			Note:      noteInvoicePaid,
			ActorID:   invoiceActor,
			ActorName: invoiceActor,
		})
		order.UpdatedAt = now

		if err := s.persist(ctx, order, expected); err != nil {
			return err
		}
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaymentChanged,
			OrderID:       order.ID,
			CurrentStatus: string(order.Status),
			ActorID:       invoiceActor,
			OccurredAt:    now,
			Metadata: map[string]any{
				"previousPaymentStatus": string(domain.PaymentStatusPending),
				"paymentStatus":         string(order.PaymentStatus),
				"invoiceID":             order.Invoice.ID,
			},
		})
		closed = true
		return nil
	})
	return closed, err
}

func (s *orderService) timeForAnotherCheck(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > s.checkPause+invoiceCheckMargin
}

func (s *orderService) pause(ctx context.Context) error {
	if s.checkPause <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.checkPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
