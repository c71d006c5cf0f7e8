package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/storage"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

type stubOrderService struct {
	order      services.Order
	err        error
	warnings   []string
	assignment services.CourierAssignment

	transitionCmd services.OrderStatusTransitionCommand
	paymentCmd    services.UpdatePaymentStatusCommand
	editCmd       services.EditOrderCommand
	stornoCmd     services.StornoInvoiceCommand
	courierCmd    services.AssignCourierCommand
	reconcileCmd  services.ReconcilePaymentCommand
	invoiceCmd    services.ReconcileInvoicePaymentsCommand
	summary       services.InvoicePaymentSummary
}

func (s *stubOrderService) GetOrder(_ context.Context, orderID string) (services.Order, error) {
	if s.err != nil {
		return services.Order{}, s.err
	}
	if orderID != s.order.ID {
		return services.Order{}, services.ErrOrderNotFound
	}
	return s.order, nil
}

func (s *stubOrderService) Create(context.Context, services.OrderCreateRequest) (services.Order, error) {
	return s.order, s.err
}

func (s *stubOrderService) TransitionStatus(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.TransitionResult, error) {
	s.transitionCmd = cmd
	return services.TransitionResult{Order: s.order, Warnings: s.warnings}, s.err
}

func (s *stubOrderService) UpdatePaymentStatus(_ context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
	s.paymentCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) EditOrder(_ context.Context, cmd services.EditOrderCommand) (services.Order, error) {
	s.editCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) StornoInvoice(_ context.Context, cmd services.StornoInvoiceCommand) (services.Order, error) {
	s.stornoCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) AssignCourier(_ context.Context, cmd services.AssignCourierCommand) (services.CourierAssignment, error) {
	s.courierCmd = cmd
	return s.assignment, s.err
}

func (s *stubOrderService) ReconcilePayment(_ context.Context, cmd services.ReconcilePaymentCommand) (services.Order, error) {
	s.reconcileCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) ReconcileInvoicePayments(_ context.Context, cmd services.ReconcileInvoicePaymentsCommand) (services.InvoicePaymentSummary, error) {
	s.invoiceCmd = cmd
	return s.summary, s.err
}

type stubSigner struct {
	err     error
	objects []string
	opts    storage.DownloadOptions
}

func (s *stubSigner) SignedURL(_ context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error) {
	s.objects = append(s.objects, bucket+"/"+object)
	s.opts = opts
	if s.err != nil {
		return storage.SignedURLResult{}, s.err
	}
	return storage.SignedURLResult{
		URL:       "https://storage.example/" + object + "?sig=1",
		ExpiresAt: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}, nil
}

func sampleOrder() services.Order {
	return services.Order{
		ID:            "ord_1",
		CustomerID:    "cust-1",
		Tier:          domain.TierPublic,
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusPaid,
		Total:         12700,
		History: []domain.HistoryEntry{
			{Status: domain.OrderStatusProcessing, Note: "Feldolgozás alatt", ActorID: "staff-1"},
		},
		CustomerHistory: []domain.CustomerHistoryEntry{{Note: "Alma mennyiség: 1.0 → 2.0 kg"}},
		Invoice: &domain.InvoiceRecord{
			ID:          "9001",
			Number:      "F2F-2025/00012",
			DownloadURL: "https://billingo.example/public/9001",
			ArchivePath: "orders/ord_1/invoices/F2F-2025-00012.pdf",
		},
	}
}

func orderRouter(svc services.OrderService, opts ...OrderHandlersOption) http.Handler {
	r := chi.NewRouter()
	r.Route("/orders", NewOrderHandlers(nil, svc, opts...).Routes)
	return r
}

func TestGetOrderForOwner(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}

	rr := serveWithIdentity(orderRouter(svc), customerIdentity(domain.TierPublic), http.MethodGet, "/orders/ord_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "processing" || body.Total != 12700 {
		t.Fatalf("unexpected order %+v", body)
	}
	if len(body.CustomerHistory) != 1 || len(body.History) != 0 {
		t.Fatalf("customer must see only customer history: %+v / %+v", body.CustomerHistory, body.History)
	}
	if body.Invoice == nil || !body.Invoice.Archived {
		t.Fatalf("expected archived invoice reference, got %+v", body.Invoice)
	}
}

func TestGetOrderHidesOtherCustomersOrders(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	stranger := &auth.Identity{UID: "cust-2", Roles: []string{auth.RoleCustomer}}

	rr := serveWithIdentity(orderRouter(svc), stranger, http.MethodGet, "/orders/ord_1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	staff := &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}
	rr = serveWithIdentity(orderRouter(svc), staff, http.MethodGet, "/orders/ord_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected staff to read order, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["history"] == nil {
		t.Fatalf("expected staff to see internal history")
	}
}

func TestGetOrderUnknown(t *testing.T) {
	rr := serveWithIdentity(orderRouter(&stubOrderService{order: sampleOrder()}), customerIdentity(domain.TierPublic), http.MethodGet, "/orders/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "order_not_found" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestGetInvoiceSignsArchivedPDF(t *testing.T) {
	signer := &stubSigner{}
	svc := &stubOrderService{order: sampleOrder()}

	rr := serveWithIdentity(orderRouter(svc, WithInvoiceArchive(signer, "f2f-invoices")), customerIdentity(domain.TierPublic), http.MethodGet, "/orders/ord_1/invoice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body invoiceDownloadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.URL != "https://storage.example/orders/ord_1/invoices/F2F-2025-00012.pdf?sig=1" {
		t.Fatalf("unexpected url %q", body.URL)
	}
	if body.ExpiresAt == "" || body.Number != "F2F-2025/00012" {
		t.Fatalf("unexpected response %+v", body)
	}
	if len(signer.objects) != 1 || signer.objects[0] != "f2f-invoices/orders/ord_1/invoices/F2F-2025-00012.pdf" {
		t.Fatalf("unexpected signed objects %v", signer.objects)
	}
	if signer.opts.OwnerID != "cust-1" || signer.opts.Identity == nil {
		t.Fatalf("expected owner check inputs, got %+v", signer.opts)
	}
}

func TestGetInvoiceFallsBackToInvoicingLink(t *testing.T) {
	signer := &stubSigner{err: errors.New("signing unavailable")}
	svc := &stubOrderService{order: sampleOrder()}

	rr := serveWithIdentity(orderRouter(svc, WithInvoiceArchive(signer, "f2f-invoices")), customerIdentity(domain.TierPublic), http.MethodGet, "/orders/ord_1/invoice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["url"] != "https://billingo.example/public/9001" {
		t.Fatalf("expected invoicing link, got %v", body["url"])
	}
}

func TestGetInvoiceMissing(t *testing.T) {
	order := sampleOrder()
	order.Invoice = nil
	rr := serveWithIdentity(orderRouter(&stubOrderService{order: order}), customerIdentity(domain.TierPublic), http.MethodGet, "/orders/ord_1/invoice", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "invoice_not_found" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}
