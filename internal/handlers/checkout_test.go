package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

type stubCheckoutService struct {
	view      services.CheckoutView
	order     services.Order
	err       error
	updateCmd services.UpdateCheckoutDraftCommand
	moveCmd   services.MoveCheckoutStageCommand
	submitCmd services.SubmitCheckoutCommand
	slots     []domain.DeliverySlot
	cleared   string
}

func (s *stubCheckoutService) GetDraft(_ context.Context, cmd services.CheckoutDraftQuery) (services.CheckoutView, error) {
	view := s.view
	view.Draft.CustomerID = cmd.CustomerID
	view.Draft.Tier = cmd.Tier
	return view, s.err
}

func (s *stubCheckoutService) UpdateDraft(_ context.Context, cmd services.UpdateCheckoutDraftCommand) (services.CheckoutView, error) {
	s.updateCmd = cmd
	return s.view, s.err
}

func (s *stubCheckoutService) MoveToStage(_ context.Context, cmd services.MoveCheckoutStageCommand) (services.CheckoutView, error) {
	s.moveCmd = cmd
	return s.view, s.err
}

func (s *stubCheckoutService) DeliverySlots(context.Context, services.CheckoutDraftQuery) ([]domain.DeliverySlot, error) {
	return s.slots, s.err
}

func (s *stubCheckoutService) ClearDraft(_ context.Context, customerID string) error {
	s.cleared = customerID
	return s.err
}

func (s *stubCheckoutService) Submit(_ context.Context, cmd services.SubmitCheckoutCommand) (services.Order, error) {
	s.submitCmd = cmd
	return s.order, s.err
}

func customerIdentity(tier domain.CustomerTier) *auth.Identity {
	return &auth.Identity{UID: "cust-1", Name: "Kiss Anna", Roles: []string{auth.RoleCustomer}, Tier: tier}
}

func serveWithIdentity(handler http.Handler, identity *auth.Identity, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func checkoutRouter(svc services.CheckoutService) http.Handler {
	r := chi.NewRouter()
	NewCheckoutHandlers(nil, svc).Routes(r)
	return r
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestCheckoutGetDraftUsesCallerTier(t *testing.T) {
	svc := &stubCheckoutService{view: services.CheckoutView{
		Totals: services.Totals{Subtotal: 10000, Total: 12700},
		Stages: []services.StageStatus{
			{Stage: services.CheckoutStageDeliveryDetails, Complete: true, Reachable: true},
			{Stage: services.CheckoutStageDeliveryTime, Reachable: true},
			{Stage: services.CheckoutStagePayment},
		},
		Minimum: services.MinimumPurchaseStatus{Required: 5000},
	}}

	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierVIP), http.MethodGet, "/checkout/draft", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body checkoutViewResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Totals.Total != 12700 {
		t.Fatalf("expected total 12700, got %d", body.Totals.Total)
	}
	if len(body.Stages) != 3 || !body.Stages[0].Complete || body.Stages[2].Reachable {
		t.Fatalf("unexpected stages %+v", body.Stages)
	}
}

func TestCheckoutRequiresIdentity(t *testing.T) {
	rr := serveWithIdentity(checkoutRouter(&stubCheckoutService{}), nil, http.MethodGet, "/checkout/draft", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutUpdateDraftMapsRequest(t *testing.T) {
	svc := &stubCheckoutService{}
	body := `{
		"items": [{"id": "l1", "productId": "p1", "name": "Alma", "unit": "kg", "quantity": "1,5",
			"netPrice": 800, "grossPrice": 1016, "vatPercent": 27, "stepQuantity": "0.5"}],
		"shippingMethodId": " ship-home ",
		"deliveryAddress": {"name": "Kiss Anna", "country": "hu", "postalCode": "1111", "city": "Budapest", "street": "Fő utca 1"},
		"notificationEmails": ["anna@example.com"],
		"acceptTerms": true
	}`

	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodPut, "/checkout/draft", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	cmd := svc.updateCmd
	if cmd.CustomerID != "cust-1" || cmd.Tier != domain.TierPublic {
		t.Fatalf("unexpected caller %+v", cmd)
	}
	if cmd.Items == nil || len(*cmd.Items) != 1 {
		t.Fatalf("expected one item, got %+v", cmd.Items)
	}
	item := (*cmd.Items)[0]
	if !item.Quantity.Equal(decimal.RequireFromString("1.5")) || !item.VATPercent.Equal(decimal.NewFromInt(27)) {
		t.Fatalf("unexpected decimals qty=%s vat=%s", item.Quantity, item.VATPercent)
	}
	if cmd.ShippingMethodID == nil || *cmd.ShippingMethodID != "ship-home" {
		t.Fatalf("expected trimmed shipping id, got %v", cmd.ShippingMethodID)
	}
	if cmd.DeliveryAddress == nil || cmd.DeliveryAddress.Country != "HU" {
		t.Fatalf("expected normalised address, got %+v", cmd.DeliveryAddress)
	}
	if cmd.PaymentMethodID != nil || cmd.BillingAddress != nil {
		t.Fatalf("absent fields must stay nil")
	}
	if cmd.AcceptTerms == nil || !*cmd.AcceptTerms {
		t.Fatalf("expected terms accepted")
	}
}

func TestCheckoutUpdateDraftValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"coupon": "X"}`},
		{name: "bad email", body: `{"deliveryAddress": {"email": "nope"}}`},
		{name: "missing item id", body: `{"items": [{"productId": "p1", "name": "Alma"}]}`},
		{name: "negative price", body: `{"items": [{"id": "l1", "productId": "p1", "name": "Alma", "netPrice": -1}]}`},
		{name: "bad quantity", body: `{"items": [{"id": "l1", "productId": "p1", "name": "Alma", "quantity": "sok"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{}
			rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodPut, "/checkout/draft", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if svc.updateCmd.CustomerID != "" {
				t.Fatalf("service must not be called")
			}
		})
	}
}

func TestCheckoutAdvanceValidatesStage(t *testing.T) {
	svc := &stubCheckoutService{}
	handler := checkoutRouter(svc)

	rr := serveWithIdentity(handler, customerIdentity(domain.TierPublic), http.MethodPost, "/checkout/draft:advance", `{"stage": "shipping"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d", rr.Code)
	}

	rr = serveWithIdentity(handler, customerIdentity(domain.TierPublic), http.MethodPost, "/checkout/draft:advance", `{"stage": "payment"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.moveCmd.Stage != services.CheckoutStagePayment {
		t.Fatalf("unexpected stage %q", svc.moveCmd.Stage)
	}
}

func TestCheckoutSubmitCreatesOrder(t *testing.T) {
	svc := &stubCheckoutService{order: services.Order{
		ID:         "ord_1",
		CustomerID: "cust-1",
		Status:     domain.OrderStatusPending,
		Total:      15240,
		History:    []domain.HistoryEntry{{Status: domain.OrderStatusPending, Note: "internal"}},
	}}

	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierCompany), http.MethodPost, "/checkout:submit", `{"paymentIntentId": "pi_1", "needVat": true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if svc.submitCmd.CustomerName != "Kiss Anna" || svc.submitCmd.PaymentIntentID != "pi_1" || !svc.submitCmd.NeedVAT {
		t.Fatalf("unexpected submit command %+v", svc.submitCmd)
	}
	body := decodeBody(t, rr)
	if _, ok := body["history"]; ok {
		t.Fatalf("internal history must not be exposed to customers")
	}
}

func TestCheckoutSubmitAllowsEmptyBody(t *testing.T) {
	svc := &stubCheckoutService{order: services.Order{ID: "ord_2"}}
	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodPost, "/checkout:submit", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: fmt.Errorf("%w: delivery_time", services.ErrCheckoutStageIncomplete), status: http.StatusConflict, code: "stage_incomplete"},
		{err: services.ErrCheckoutBelowMinimum, status: http.StatusUnprocessableEntity, code: "below_minimum"},
		{err: services.ErrCheckoutConsentRequired, status: http.StatusUnprocessableEntity, code: "consent_required"},
		{err: services.ErrNoEligibleMethod, status: http.StatusUnprocessableEntity, code: "no_eligible_method"},
		{err: services.ErrCheckoutInvalidInput, status: http.StatusBadRequest, code: "invalid_request"},
		{err: services.ErrOrderGatewayFailed, status: http.StatusBadGateway, code: "payment_gateway_failed"},
		{err: services.ErrDeliveryNotServed, status: http.StatusUnprocessableEntity, code: "delivery_not_served"},
		{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubCheckoutService{err: tc.err}
			rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodPost, "/checkout:submit", "{}")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body := decodeBody(t, rr); body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutDeliverySlots(t *testing.T) {
	svc := &stubCheckoutService{slots: []domain.DeliverySlot{
		{Date: "2025-06-03", TimeRange: "8:00-16:00"},
		{Date: "2025-06-04", Denied: true},
	}}
	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodGet, "/checkout/delivery-slots", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Slots []deliverySlotResponse `json:"slots"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Slots) != 2 {
		t.Fatalf("expected two slots, got %+v", body.Slots)
	}
	if !body.Slots[0].Available || body.Slots[0].TimeRange != "8:00-16:00" {
		t.Fatalf("unexpected first slot %+v", body.Slots[0])
	}
	if body.Slots[1].Available || !body.Slots[1].Denied {
		t.Fatalf("expected denied second slot, got %+v", body.Slots[1])
	}
}

func TestCheckoutClearDraft(t *testing.T) {
	svc := &stubCheckoutService{}
	rr := serveWithIdentity(checkoutRouter(svc), customerIdentity(domain.TierPublic), http.MethodDelete, "/checkout/draft", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if svc.cleared != "cust-1" {
		t.Fatalf("expected draft of cust-1 cleared, got %q", svc.cleared)
	}
}

func TestCheckoutSubmitRateLimited(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubCheckoutService{order: services.Order{ID: "ord_1"}}
	r := chi.NewRouter()
	NewCheckoutHandlers(nil, svc, WithSubmitRateLimit(2, time.Minute, func() time.Time { return now })).Routes(r)

	for i := 0; i < 2; i++ {
		rr := serveWithIdentity(r, customerIdentity(domain.TierPublic), http.MethodPost, "/checkout:submit", "{}")
		if rr.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i+1, rr.Code)
		}
	}
	rr := serveWithIdentity(r, customerIdentity(domain.TierPublic), http.MethodPost, "/checkout:submit", "{}")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}

	other := &auth.Identity{UID: "cust-2", Tier: domain.TierPublic}
	if rr := serveWithIdentity(r, other, http.MethodPost, "/checkout:submit", "{}"); rr.Code != http.StatusCreated {
		t.Fatalf("other customers must not be throttled, got %d", rr.Code)
	}

	now = now.Add(time.Minute)
	if rr := serveWithIdentity(r, customerIdentity(domain.TierPublic), http.MethodPost, "/checkout:submit", "{}"); rr.Code != http.StatusCreated {
		t.Fatalf("expected window reset, got %d", rr.Code)
	}
}
