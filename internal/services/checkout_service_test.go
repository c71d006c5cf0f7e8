package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

type stubCatalogRepo struct {
	shipping []domain.ShippingMethod
	payment  []domain.PaymentMethod
	err      error
	calls    int
}

func (s *stubCatalogRepo) ListShippingMethods(context.Context) ([]domain.ShippingMethod, error) {
	s.calls++
	return s.shipping, s.err
}

func (s *stubCatalogRepo) ListPaymentMethods(context.Context) ([]domain.PaymentMethod, error) {
	return s.payment, s.err
}

type stubOrderService struct {
	OrderService
	createFn func(context.Context, OrderCreateRequest) (Order, error)
	requests []OrderCreateRequest
}

func (s *stubOrderService) Create(ctx context.Context, req OrderCreateRequest) (Order, error) {
	s.requests = append(s.requests, req)
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return Order{ID: "ord_1", Total: req.Totals.Total, Status: domain.OrderStatusPending}, nil
}

type checkoutFixture struct {
	drafts *MemoryDraftStore
	orders *stubOrderService
	svc    CheckoutService
}

func newCheckoutFixture(t *testing.T, policies TierPolicies, opts ...func(*CheckoutServiceDeps)) *checkoutFixture {
	t.Helper()
	catalog, err := NewCatalogService(CatalogServiceDeps{
		Catalog: &stubCatalogRepo{shipping: testShippingMethods(), payment: testPaymentMethods()},
	})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	f := &checkoutFixture{drafts: NewMemoryDraftStore(), orders: &stubOrderService{}}
	deps := CheckoutServiceDeps{
		Catalog:           catalog,
		Orders:            f.orders,
		Drafts:            f.drafts,
		Policies:          policies,
		SimplePaymentSlug: "simple",
		Clock:             func() time.Time { return fixtureNow },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	f.svc = svc
	return f
}

func ptr[T any](v T) *T { return &v }

func testAddress() *Address {
	return &Address{Name: "Kiss Anna", PostalCode: "1111", City: "Budapest", Street: "Fő utca 1"}
}

// walkToPayment fills every stage for a public customer choosing home delivery and card payment.
func walkToPayment(t *testing.T, svc CheckoutService) CheckoutView {
	t.Helper()
	ctx := context.Background()
	base := UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic}

	cmd := base
	cmd.Items = &[]LineItem{appleLine()}
	cmd.ShippingMethodID = ptr("home")
	cmd.DeliveryAddress = testAddress()
	cmd.NotificationEmails = &[]string{"Anna <anna@example.com>", "anna@example.com", " "}
	if _, err := svc.UpdateDraft(ctx, cmd); err != nil {
		t.Fatalf("update delivery details: %v", err)
	}
	if _, err := svc.MoveToStage(ctx, MoveCheckoutStageCommand{CustomerID: "cust-1", Tier: domain.TierPublic, Stage: CheckoutStageDeliveryTime}); err != nil {
		t.Fatalf("advance to delivery time: %v", err)
	}

	cmd = base
	cmd.DeliveryDateTime = ptr(fixtureNow.Add(48 * time.Hour))
	if _, err := svc.UpdateDraft(ctx, cmd); err != nil {
		t.Fatalf("update delivery time: %v", err)
	}
	if _, err := svc.MoveToStage(ctx, MoveCheckoutStageCommand{CustomerID: "cust-1", Tier: domain.TierPublic, Stage: CheckoutStagePayment}); err != nil {
		t.Fatalf("advance to payment: %v", err)
	}

	cmd = base
	cmd.PaymentMethodID = ptr("card")
	cmd.BillingAddress = testAddress()
	view, err := svc.UpdateDraft(ctx, cmd)
	if err != nil {
		t.Fatalf("update payment: %v", err)
	}
	return view
}

func TestCheckoutServiceCannotSkipIncompleteStage(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{
		CustomerID: "cust-1",
		Tier:       domain.TierPublic,
		Items:      &[]LineItem{appleLine()},
	})
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}

	_, err = f.svc.MoveToStage(ctx, MoveCheckoutStageCommand{CustomerID: "cust-1", Tier: domain.TierPublic, Stage: CheckoutStagePayment})
	if !errors.Is(err, ErrCheckoutStageIncomplete) {
		t.Fatalf("expected stage incomplete, got %v", err)
	}

	_, err = f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{
		CustomerID:       "cust-1",
		Tier:             domain.TierPublic,
		DeliveryDateTime: ptr(fixtureNow.Add(time.Hour)),
	})
	if !errors.Is(err, ErrCheckoutStageIncomplete) {
		t.Fatalf("delivery time before details must fail, got %v", err)
	}
}

func TestCheckoutServiceSubmitHappyPath(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	ctx := context.Background()

	view := walkToPayment(t, f.svc)
	if view.Draft.Stage != CheckoutStagePayment {
		t.Fatalf("expected payment stage, got %s", view.Draft.Stage)
	}
	if len(view.Draft.NotificationEmails) != 1 || view.Draft.NotificationEmails[0] != "anna@example.com" {
		t.Fatalf("expected deduplicated emails, got %v", view.Draft.NotificationEmails)
	}
	if !view.RequiresConsent {
		t.Fatalf("simple payment requires data transfer consent")
	}
	for _, stage := range view.Stages {
		if !stage.Complete {
			t.Fatalf("stage %s should be complete", stage.Stage)
		}
	}
	if view.Totals.Total != 2540+1270 {
		t.Fatalf("expected total 3810, got %d", view.Totals.Total)
	}

	submit := SubmitCheckoutCommand{CustomerID: "cust-1", CustomerName: "Kiss Anna", Tier: domain.TierPublic, PaymentIntentID: "pi_42"}
	if _, err := f.svc.Submit(ctx, submit); !errors.Is(err, ErrCheckoutConsentRequired) {
		t.Fatalf("expected terms consent error, got %v", err)
	}

	if _, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, AcceptTerms: ptr(true)}); err != nil {
		t.Fatalf("accept terms: %v", err)
	}
	if _, err := f.svc.Submit(ctx, submit); !errors.Is(err, ErrCheckoutConsentRequired) {
		t.Fatalf("expected data transfer consent error, got %v", err)
	}

	if _, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, AcceptDataTransfer: ptr(true)}); err != nil {
		t.Fatalf("accept data transfer: %v", err)
	}
	order, err := f.svc.Submit(ctx, submit)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.ID != "ord_1" || len(f.orders.requests) != 1 {
		t.Fatalf("expected one order creation, got %d", len(f.orders.requests))
	}
	req := f.orders.requests[0]
	if req.Totals.Total != 3810 || req.Shipping.MethodID != "home" || req.Payment.MethodID != "card" {
		t.Fatalf("unexpected create request %+v", req)
	}
	if req.Gateway == nil || req.Gateway.IntentID != "pi_42" {
		t.Fatalf("expected gateway intent on request, got %+v", req.Gateway)
	}
	if _, ok, _ := f.drafts.Get(ctx, draftKeyPrefix+"cust-1"); ok {
		t.Fatalf("draft must be cleared after submit")
	}
}

func TestCheckoutServiceBlocksBelowMinimum(t *testing.T) {
	policies := DefaultTierPolicies().WithCheckoutSettings(nil, map[domain.CustomerTier]int64{domain.TierPublic: 10000})
	f := newCheckoutFixture(t, policies)
	ctx := context.Background()

	view := walkToPayment(t, f.svc)
	if view.Minimum.Remaining != 10000-2540 || view.Minimum.Message == "" {
		t.Fatalf("unexpected minimum status %+v", view.Minimum)
	}
	if _, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{
		CustomerID:         "cust-1",
		Tier:               domain.TierPublic,
		AcceptTerms:        ptr(true),
		AcceptDataTransfer: ptr(true),
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_, err := f.svc.Submit(ctx, SubmitCheckoutCommand{CustomerID: "cust-1", Tier: domain.TierPublic})
	if !errors.Is(err, ErrCheckoutBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
	if len(f.orders.requests) != 0 {
		t.Fatalf("order must not be created below minimum")
	}
}

func TestCheckoutServiceShippingChangeClearsPayment(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	walkToPayment(t, f.svc)

	view, err := f.svc.UpdateDraft(context.Background(), UpdateCheckoutDraftCommand{
		CustomerID:       "cust-1",
		Tier:             domain.TierPublic,
		ShippingMethodID: ptr("pickup"),
	})
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if view.Draft.PaymentMethodID != "" || view.Draft.DeliveryDateTime != nil || view.Draft.DeliveryAddress != nil {
		t.Fatalf("shipping change must reset forward selections, got %+v", view.Draft)
	}
	if view.Draft.Stage != CheckoutStageDeliveryDetails {
		t.Fatalf("expected stage to fall back to delivery details, got %s", view.Draft.Stage)
	}
}

func TestCheckoutServiceCartGrowthFallsBackToAvailableShipping(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	walkToPayment(t, f.svc)

	hamper := domain.LineItem{
		ID:         "hamper",
		Name:       "Ajándékkosár",
		Unit:       "db",
		Quantity:   decimal.NewFromInt(1),
		NetPrice:   19685,
		GrossPrice: 25000,
		VATPercent: dec("27"),
	}
	view, err := f.svc.UpdateDraft(context.Background(), UpdateCheckoutDraftCommand{
		CustomerID: "cust-1",
		Tier:       domain.TierPublic,
		Items:      &[]LineItem{appleLine(), hamper},
	})
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if view.Draft.ShippingMethodID != "pickup" {
		t.Fatalf("expected fallback to first available method, got %q", view.Draft.ShippingMethodID)
	}
	if view.Draft.PaymentMethodID != "" {
		t.Fatalf("fallback must clear payment")
	}
	if len(view.Notices) == 0 {
		t.Fatalf("expected a notice about the shipping change")
	}
	if view.Draft.Stage != CheckoutStageDeliveryDetails {
		t.Fatalf("expected stage reset to delivery details, got %s", view.Draft.Stage)
	}
}

func TestCheckoutServiceRejectsIneligiblePayment(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	walkToPayment(t, f.svc)

	_, err := f.svc.UpdateDraft(context.Background(), UpdateCheckoutDraftCommand{
		CustomerID:      "cust-1",
		Tier:            domain.TierPublic,
		PaymentMethodID: ptr("wire"),
	})
	if !errors.Is(err, ErrNoEligibleMethod) {
		t.Fatalf("expected no eligible method, got %v", err)
	}
}

func TestCheckoutServiceRejectsInvalidEmail(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	_, err := f.svc.UpdateDraft(context.Background(), UpdateCheckoutDraftCommand{
		CustomerID:         "cust-1",
		Tier:               domain.TierPublic,
		NotificationEmails: &[]string{"not-an-email"},
	})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCheckoutServiceRejectsClientPricingTricks(t *testing.T) {
	cases := map[string]func(*LineItem){
		"custom line": func(item *LineItem) {
			item.IsCustom = true
			item.Quantity = dec("10")
		},
		"gross below net": func(item *LineItem) {
			item.NetPrice = 1000
			item.GrossPrice = 1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newCheckoutFixture(t, nil)
			item := appleLine()
			mutate(&item)

			_, err := f.svc.UpdateDraft(context.Background(), UpdateCheckoutDraftCommand{
				CustomerID: "cust-1",
				Tier:       domain.TierPublic,
				Items:      &[]LineItem{item},
			})
			if !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			view, err := f.svc.GetDraft(context.Background(), CheckoutDraftQuery{CustomerID: "cust-1", Tier: domain.TierPublic})
			if err != nil && !errors.Is(err, ErrCheckoutDraftNotFound) {
				t.Fatalf("GetDraft: %v", err)
			}
			if len(view.Draft.Items) != 0 {
				t.Fatalf("rejected line must not be stored, got %+v", view.Draft.Items)
			}
		})
	}
}

func TestCheckoutServiceBackNavigationRevalidatesDeliveryTime(t *testing.T) {
	ctx := context.Background()
	customer := UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic}
	move := func(svc CheckoutService, stage CheckoutStage) error {
		_, err := svc.MoveToStage(ctx, MoveCheckoutStageCommand{CustomerID: "cust-1", Tier: domain.TierPublic, Stage: stage})
		return err
	}

	cases := map[string]func(*UpdateCheckoutDraftCommand){
		"address changed": func(cmd *UpdateCheckoutDraftCommand) {
			address := testAddress()
			address.PostalCode = "2000"
			address.City = "Szentendre"
			cmd.DeliveryAddress = address
		},
		"switched to pickup": func(cmd *UpdateCheckoutDraftCommand) {
			cmd.ShippingMethodID = ptr("pickup")
			cmd.PickupLocationID = ptr("loc-1")
		},
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			f := newCheckoutFixture(t, nil)
			walkToPayment(t, f.svc)

			if err := move(f.svc, CheckoutStageDeliveryDetails); err != nil {
				t.Fatalf("move back: %v", err)
			}
			cmd := customer
			change(&cmd)
			view, err := f.svc.UpdateDraft(ctx, cmd)
			if err != nil {
				t.Fatalf("UpdateDraft: %v", err)
			}
			if view.Draft.DeliveryDateTime != nil {
				t.Fatalf("expected delivery time to be cleared, got %v", view.Draft.DeliveryDateTime)
			}
			if err := move(f.svc, CheckoutStagePayment); !errors.Is(err, ErrCheckoutStageIncomplete) {
				t.Fatalf("expected payment to be unreachable, got %v", err)
			}

			cmd = customer
			cmd.DeliveryDateTime = ptr(fixtureNow.Add(72 * time.Hour))
			if _, err := f.svc.UpdateDraft(ctx, cmd); err != nil {
				t.Fatalf("re-choose delivery time: %v", err)
			}
			if err := move(f.svc, CheckoutStagePayment); err != nil {
				t.Fatalf("expected payment to be reachable again, got %v", err)
			}
		})
	}
}

type stubSlots struct {
	home      []domain.DeliverySlot
	pickup    []domain.DeliverySlot
	err       error
	postcodes []string
	locations []string
}

func (s *stubSlots) HomeDeliverySlots(_ context.Context, postalCode string) ([]domain.DeliverySlot, error) {
	s.postcodes = append(s.postcodes, postalCode)
	return s.home, s.err
}

func (s *stubSlots) PickupSlots(_ context.Context, locationID string) ([]domain.DeliverySlot, error) {
	s.locations = append(s.locations, locationID)
	return s.pickup, s.err
}

func withSlots(slots DeliverySlotProvider) func(*CheckoutServiceDeps) {
	return func(deps *CheckoutServiceDeps) { deps.Slots = slots }
}

func TestCheckoutServiceDeliveryTimeMustMatchSlot(t *testing.T) {
	ctx := context.Background()
	// walkToPayment books fixtureNow+48h, which is Wednesday 2025-06-04 in Budapest.
	slots := &stubSlots{home: []domain.DeliverySlot{
		{Date: "2025-06-04"},
		{Date: "2025-06-05", Denied: true},
		{Date: "2025-06-11"},
	}}
	f := newCheckoutFixture(t, nil, withSlots(slots))
	walkToPayment(t, f.svc)
	if len(slots.postcodes) == 0 || slots.postcodes[0] != "1111" {
		t.Fatalf("expected slots for the delivery postal code, got %v", slots.postcodes)
	}

	// 21:30 UTC on the 10th is still 2025-06-10 in Budapest.
	cases := map[string]time.Time{
		"denied day":        time.Date(2025, 6, 5, 8, 0, 0, 0, time.UTC),
		"not a slot":        time.Date(2025, 6, 6, 8, 0, 0, 0, time.UTC),
		"day before a slot": time.Date(2025, 6, 10, 21, 30, 0, 0, time.UTC),
	}
	for name, at := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, DeliveryDateTime: ptr(at)})
			if !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	// 22:30 UTC on the 10th is already 2025-06-11 in Budapest.
	at := time.Date(2025, 6, 10, 22, 30, 0, 0, time.UTC)
	view, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{
		CustomerID:       "cust-1",
		Tier:             domain.TierPublic,
		DeliveryDateTime: ptr(at),
	})
	if err != nil {
		t.Fatalf("expected slot day to be accepted: %v", err)
	}
	if view.Draft.DeliveryDateTime == nil || !view.Draft.DeliveryDateTime.Equal(at) {
		t.Fatalf("unexpected delivery time %v", view.Draft.DeliveryDateTime)
	}
}

func TestCheckoutServiceDeliverySlotsFollowFulfillment(t *testing.T) {
	ctx := context.Background()
	slots := &stubSlots{
		home:   []domain.DeliverySlot{{Date: "2025-06-04"}},
		pickup: []domain.DeliverySlot{{Date: "2025-06-03", TimeRange: "8:00-16:00"}},
	}
	f := newCheckoutFixture(t, nil, withSlots(slots))
	walkToPayment(t, f.svc)
	query := CheckoutDraftQuery{CustomerID: "cust-1", Tier: domain.TierPublic}

	got, err := f.svc.DeliverySlots(ctx, query)
	if err != nil || len(got) != 1 || got[0].Date != "2025-06-04" {
		t.Fatalf("expected home delivery slots, got %+v err=%v", got, err)
	}

	if _, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, ShippingMethodID: ptr("pickup")}); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if _, err := f.svc.DeliverySlots(ctx, query); !errors.Is(err, ErrCheckoutStageIncomplete) {
		t.Fatalf("expected a pickup location to be required, got %v", err)
	}

	if _, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, PickupLocationID: ptr("loc-7")}); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	got, err = f.svc.DeliverySlots(ctx, query)
	if err != nil || len(got) != 1 || got[0].TimeRange != "8:00-16:00" {
		t.Fatalf("expected pickup slots, got %+v err=%v", got, err)
	}
	if len(slots.locations) != 1 || slots.locations[0] != "loc-7" {
		t.Fatalf("expected slots for loc-7, got %v", slots.locations)
	}
}

func TestCheckoutServiceUnservedDestinationRejectsDeliveryTime(t *testing.T) {
	ctx := context.Background()
	slots := &stubSlots{home: []domain.DeliverySlot{{Date: "2025-06-04"}}}
	f := newCheckoutFixture(t, nil, withSlots(slots))
	walkToPayment(t, f.svc)

	slots.err = fmt.Errorf("%w: no shipping zone for postal code %q", ErrDeliveryNotServed, "1111")
	_, err := f.svc.UpdateDraft(ctx, UpdateCheckoutDraftCommand{CustomerID: "cust-1", Tier: domain.TierPublic, DeliveryDateTime: ptr(fixtureNow.Add(48 * time.Hour))})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
