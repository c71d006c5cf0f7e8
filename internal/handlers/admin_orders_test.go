package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

func adminRouter(svc services.OrderService) http.Handler {
	r := chi.NewRouter()
	r.Route("/admin", NewAdminOrderHandlers(nil, svc).Routes)
	return r
}

func staffIdentity() *auth.Identity {
	return &auth.Identity{UID: "staff-1", Name: "Nagy Béla", Roles: []string{auth.RoleStaff}}
}

func TestAdminRoutesRequireStaff(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	rr := serveWithIdentity(adminRouter(svc), customerIdentity(domain.TierPublic), http.MethodPost, "/admin/orders/ord_1:transition", `{"status": "shipping"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if svc.transitionCmd.OrderID != "" {
		t.Fatalf("service must not be called")
	}
}

func TestAdminTransition(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder(), warnings: []string{"notification failed"}}

	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:transition", `{"status": "cancelled", "note": " ügyfél kérésére ", "confirmManualRefund": true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := svc.transitionCmd
	if cmd.OrderID != "ord_1" || cmd.TargetStatus != domain.OrderStatusCancelled || !cmd.ConfirmManualRefund {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.Note != "ügyfél kérésére" || cmd.Actor.ID != "staff-1" || cmd.Actor.Name != "Nagy Béla" {
		t.Fatalf("unexpected note or actor %+v", cmd)
	}
	body := decodeBody(t, rr)
	if warnings, _ := body["warnings"].([]any); len(warnings) != 1 {
		t.Fatalf("expected warnings, got %v", body["warnings"])
	}
}

func TestAdminTransitionRejectsUnknownStatus(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:transition", `{"status": "lost"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminTransitionErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: fmt.Errorf("%w: delivered is terminal", services.ErrOrderInvalidState), status: http.StatusConflict},
		{err: services.ErrOrderConfirmationRequired, status: http.StatusPreconditionRequired},
		{err: services.ErrOrderInvoiceFailed, status: http.StatusBadGateway},
		{err: services.ErrOrderConcurrentModification, status: http.StatusConflict},
	}
	for _, tc := range cases {
		svc := &stubOrderService{order: sampleOrder(), err: tc.err}
		rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:transition", `{"status": "processing"}`)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestAdminEditOrder(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	body := `{
		"items": [
			{"itemId": "l1", "quantity": "2,5"},
			{"itemId": "l2", "remove": true},
			{"itemId": "l3", "price": 1200, "note": "nagy szemű"}
		],
		"addedItems": [{"id": "l9", "productId": "p9", "name": "Körte", "quantity": 1, "grossPrice": 990, "vatPercent": 27}],
		"shipping": 1490,
		"confirmed": true
	}`

	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:edit", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := svc.editCmd
	if len(cmd.Items) != 3 || len(cmd.AddedItems) != 1 || !cmd.Confirmed {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if q := cmd.Items[0].Quantity; q == nil || *q != "2,5" {
		t.Fatalf("expected the raw quantity to reach the service, got %v", q)
	}
	if !cmd.Items[1].Remove || cmd.Items[1].Quantity != nil {
		t.Fatalf("unexpected removal %+v", cmd.Items[1])
	}
	if cmd.Items[2].Price == nil || *cmd.Items[2].Price != 1200 {
		t.Fatalf("unexpected price edit %+v", cmd.Items[2])
	}
	if cmd.Shipping == nil || *cmd.Shipping != 1490 || cmd.Discount != nil {
		t.Fatalf("unexpected totals edit %+v", cmd)
	}
}

func TestAdminEditNumericQuantity(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:edit", `{"items": [{"itemId": "l1", "quantity": 1.5}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if q := svc.editCmd.Items[0].Quantity; q == nil || *q != "1.5" {
		t.Fatalf("expected numeric quantity as text, got %v", q)
	}
}

func TestAdminEditUnparsableQuantity(t *testing.T) {
	svc := &stubOrderService{
		order: sampleOrder(),
		err:   fmt.Errorf("%w: item %q: quantity %q is not a number", services.ErrOrderInvalidInput, "l1", "sok"),
	}
	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:edit", `{"items": [{"itemId": "l1", "quantity": "sok"}]}`)
	if rr.Code != http.StatusBadRequest || errorCodeOf(t, rr) != "invalid_request" {
		t.Fatalf("expected 400 invalid_request, got %d: %s", rr.Code, rr.Body.String())
	}
	if q := svc.editCmd.Items[0].Quantity; q == nil || *q != "sok" {
		t.Fatalf("expected the raw quantity to reach the service, got %v", q)
	}
}

func TestAdminPaymentStatusAndStorno(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	handler := adminRouter(svc)

	rr := serveWithIdentity(handler, staffIdentity(), http.MethodPost, "/admin/orders/ord_1:payment-status", `{"status": "paid", "paidAmount": 12700}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.paymentCmd.Status != domain.PaymentStatusPaid || svc.paymentCmd.PaidAmount == nil || *svc.paymentCmd.PaidAmount != 12700 {
		t.Fatalf("unexpected payment command %+v", svc.paymentCmd)
	}

	rr = serveWithIdentity(handler, staffIdentity(), http.MethodPost, "/admin/orders/ord_1:storno", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.stornoCmd.OrderID != "ord_1" || svc.stornoCmd.Actor.ID != "staff-1" {
		t.Fatalf("unexpected storno command %+v", svc.stornoCmd)
	}
}

func TestAdminCourierConflictReturnsStoredOrder(t *testing.T) {
	stored := sampleOrder()
	stored.Courier = "Kovács"
	svc := &stubOrderService{
		err: services.ErrOrderConcurrentModification,
		assignment: services.CourierAssignment{
			Projection: sampleOrder(),
			Order:      stored,
		},
	}

	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:courier", `{"courier": "Szabó"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	order, _ := body["order"].(map[string]any)
	if order == nil || order["courier"] != "Kovács" {
		t.Fatalf("expected stored order in conflict body, got %v", body["order"])
	}
	if svc.courierCmd.Courier != "Szabó" {
		t.Fatalf("unexpected courier command %+v", svc.courierCmd)
	}
}

func TestAdminCourierAssigned(t *testing.T) {
	assigned := sampleOrder()
	assigned.Courier = "Szabó"
	svc := &stubOrderService{assignment: services.CourierAssignment{Order: assigned, Applied: true}}

	rr := serveWithIdentity(adminRouter(svc), staffIdentity(), http.MethodPost, "/admin/orders/ord_1:courier", `{"courier": "Szabó", "plannedShippingAt": "2025-03-02T08:00:00Z"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.courierCmd.PlannedShippingAt == nil {
		t.Fatalf("expected planned shipping time")
	}
	if body := decodeBody(t, rr); body["courier"] != "Szabó" {
		t.Fatalf("unexpected courier %v", body["courier"])
	}
}
