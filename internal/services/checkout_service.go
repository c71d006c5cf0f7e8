package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

const draftKeyPrefix = "checkout:draft:"

var (
	// ErrCheckoutInvalidInput signals malformed draft updates.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutStageIncomplete is returned when advancing past an incomplete stage.
	ErrCheckoutStageIncomplete = errors.New("checkout: stage incomplete")
	// ErrCheckoutBelowMinimum is returned when the subtotal is below the tier's minimum purchase.
	ErrCheckoutBelowMinimum = errors.New("checkout: below minimum order value")
	// ErrCheckoutConsentRequired is returned when a required consent checkbox is not accepted.
	ErrCheckoutConsentRequired = errors.New("checkout: consent required")
	// ErrCheckoutDraftNotFound is returned when no draft exists for the customer.
	ErrCheckoutDraftNotFound = errors.New("checkout: draft not found")
)

// CheckoutStage is one step of the checkout wizard.
type CheckoutStage string

const (
	CheckoutStageDeliveryDetails CheckoutStage = "delivery_details"
	CheckoutStageDeliveryTime    CheckoutStage = "delivery_time"
	CheckoutStagePayment         CheckoutStage = "payment"
)

var checkoutStages = []CheckoutStage{
	CheckoutStageDeliveryDetails,
	CheckoutStageDeliveryTime,
	CheckoutStagePayment,
}

func (s CheckoutStage) index() int {
	return slices.Index(checkoutStages, s)
}

// CheckoutDraft is the resumable checkout state of one customer.
type CheckoutDraft struct {
	CustomerID         string
	Tier               CustomerTier
	Stage              CheckoutStage
	Items              []LineItem
	ShippingMethodID   string
	Category           domain.ShippingCategory
	PickupLocationID   string
	DeliveryAddress    *Address
	NotificationEmails []string
	DeliveryComment    string
	DeliveryDateTime   *time.Time
	PaymentMethodID    string
	BillingAddress     *Address
	AcceptTerms        bool
	AcceptDataTransfer bool
	Discount           int64
	UpdatedAt          time.Time
}

// CheckoutDraftQuery reads the draft of a customer.
type CheckoutDraftQuery struct {
	CustomerID string
	Tier       CustomerTier
}

// UpdateCheckoutDraftCommand changes draft fields; nil fields are left untouched.
type UpdateCheckoutDraftCommand struct {
	CustomerID         string
	Tier               CustomerTier
	Items              *[]LineItem
	ShippingMethodID   *string
	PickupLocationID   *string
	DeliveryAddress    *Address
	NotificationEmails *[]string
	DeliveryComment    *string
	DeliveryDateTime   *time.Time
	ClearDeliveryTime  bool
	PaymentMethodID    *string
	BillingAddress     *Address
	AcceptTerms        *bool
	AcceptDataTransfer *bool
}

// MoveCheckoutStageCommand navigates the wizard.
type MoveCheckoutStageCommand struct {
	CustomerID string
	Tier       CustomerTier
	Stage      CheckoutStage
}

// SubmitCheckoutCommand turns a complete draft into an order.
type SubmitCheckoutCommand struct {
	CustomerID      string
	CustomerName    string
	Tier            CustomerTier
	PaymentIntentID string
	DenyInvoice     bool
	NeedVAT         bool
}

// StageStatus reports completeness of one stage.
type StageStatus struct {
	Stage     CheckoutStage
	Complete  bool
	Reachable bool
}

// MinimumPurchaseStatus reports the admission gate for the tier.
type MinimumPurchaseStatus struct {
	Required  int64
	Remaining int64
	Message   string
}

// CheckoutView is the draft with everything derived from it.
type CheckoutView struct {
	Draft           CheckoutDraft
	Totals          Totals
	Stages          []StageStatus
	ShippingMethods []ShippingMethod
	PaymentMethods  []PaymentMethod
	Minimum         MinimumPurchaseStatus
	RequiresConsent bool
	Notices         []string
}

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Catalog           CatalogService
	Orders            OrderService
	Drafts            DraftStore
	Policies          TierPolicies
	// Slots restricts delivery times to the calendar's bookable days; nil accepts any future time.
	Slots             DeliverySlotProvider
	SimplePaymentSlug string
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	catalog    CatalogService
	orders     OrderService
	drafts     DraftStore
	policies   TierPolicies
	slots      DeliverySlotProvider
	simpleSlug string
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService wires the checkout wizard.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("checkout service: draft store is required")
	}
	policies := deps.Policies
	if policies == nil {
		policies = DefaultTierPolicies()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		catalog:    deps.Catalog,
		orders:     deps.Orders,
		drafts:     deps.Drafts,
		policies:   policies,
		slots:      deps.Slots,
		simpleSlug: strings.TrimSpace(deps.SimplePaymentSlug),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *checkoutService) GetDraft(ctx context.Context, cmd CheckoutDraftQuery) (CheckoutView, error) {
	draft, err := s.loadDraft(ctx, cmd.CustomerID, cmd.Tier)
	if err != nil {
		return CheckoutView{}, err
	}
	return s.view(ctx, draft)
}

func (s *checkoutService) UpdateDraft(ctx context.Context, cmd UpdateCheckoutDraftCommand) (CheckoutView, error) {
	draft, err := s.loadDraft(ctx, cmd.CustomerID, cmd.Tier)
	if err != nil {
		return CheckoutView{}, err
	}
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return CheckoutView{}, err
	}

	if cmd.Items != nil {
		cart := NewCart(draft.Tier, s.policies)
		for _, item := range *cmd.Items {
			if item.IsCustom {
				return CheckoutView{}, fmt.Errorf("%w: item %q: custom lines can only be added by staff", ErrCheckoutInvalidInput, item.ID)
			}
			if err := cart.AddItem(item); err != nil {
				return CheckoutView{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
			}
		}
		draft.Items = cart.Items
	}

	state := draft.fulfillment()
	if cmd.ShippingMethodID != nil && *cmd.ShippingMethodID != draft.ShippingMethodID {
		method, ok := FindShippingMethod(snap.ShippingMethods, strings.TrimSpace(*cmd.ShippingMethodID))
		if !ok {
			return CheckoutView{}, fmt.Errorf("%w: shipping method %q not found", ErrNoEligibleMethod, *cmd.ShippingMethodID)
		}
		available := s.availableShipping(draft, snap)
		if _, ok := FindShippingMethod(available, method.ID); !ok {
			return CheckoutView{}, fmt.Errorf("%w: shipping method %q is not available", ErrNoEligibleMethod, method.ID)
		}
		state = SelectShipping(state, method)
	}
	if cmd.PickupLocationID != nil && strings.TrimSpace(*cmd.PickupLocationID) != state.PickupLocationID {
		state.PickupLocationID = strings.TrimSpace(*cmd.PickupLocationID)
		state.DeliveryDateTime = nil
	}
	if cmd.DeliveryAddress != nil && !sameAddress(state.DeliveryAddress, cmd.DeliveryAddress) {
		state.DeliveryAddress = cloneAddress(cmd.DeliveryAddress)
		state.DeliveryDateTime = nil
	}
	draft.applyFulfillment(state)

	if cmd.NotificationEmails != nil {
		emails, err := normalizeEmails(*cmd.NotificationEmails)
		if err != nil {
			return CheckoutView{}, err
		}
		draft.NotificationEmails = emails
	}
	if cmd.DeliveryComment != nil {
		draft.DeliveryComment = sanitizeNote(*cmd.DeliveryComment)
	}
	if cmd.ClearDeliveryTime {
		draft.DeliveryDateTime = nil
	} else if cmd.DeliveryDateTime != nil {
		if !stageComplete(draft, CheckoutStageDeliveryDetails, snap, s) {
			return CheckoutView{}, fmt.Errorf("%w: delivery details must be completed before choosing a delivery time", ErrCheckoutStageIncomplete)
		}
		if cmd.DeliveryDateTime.Before(s.clock()) {
			return CheckoutView{}, fmt.Errorf("%w: delivery time is in the past", ErrCheckoutInvalidInput)
		}
		if err := s.checkDeliverySlot(ctx, draft, *cmd.DeliveryDateTime); err != nil {
			return CheckoutView{}, err
		}
		draft.DeliveryDateTime = cloneTime(cmd.DeliveryDateTime)
	}
	if cmd.PaymentMethodID != nil {
		id := strings.TrimSpace(*cmd.PaymentMethodID)
		if id != "" {
			if _, ok := FindPaymentMethod(s.availablePayment(draft, snap), id); !ok {
				return CheckoutView{}, fmt.Errorf("%w: payment method %q is not available", ErrNoEligibleMethod, id)
			}
		}
		draft.PaymentMethodID = id
	}
	if cmd.BillingAddress != nil {
		draft.BillingAddress = cloneAddress(cmd.BillingAddress)
	}
	if cmd.AcceptTerms != nil {
		draft.AcceptTerms = *cmd.AcceptTerms
	}
	if cmd.AcceptDataTransfer != nil {
		draft.AcceptDataTransfer = *cmd.AcceptDataTransfer
	}

	notices := s.revalidate(&draft, snap)
	if err := s.saveDraft(ctx, &draft); err != nil {
		return CheckoutView{}, err
	}
	view, err := s.viewWithSnapshot(draft, snap)
	if err != nil {
		return CheckoutView{}, err
	}
	view.Notices = append(notices, view.Notices...)
	return view, nil
}

func (s *checkoutService) MoveToStage(ctx context.Context, cmd MoveCheckoutStageCommand) (CheckoutView, error) {
	target := cmd.Stage
	if target.index() < 0 {
		return CheckoutView{}, fmt.Errorf("%w: unknown stage %q", ErrCheckoutInvalidInput, target)
	}
	draft, err := s.loadDraft(ctx, cmd.CustomerID, cmd.Tier)
	if err != nil {
		return CheckoutView{}, err
	}
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return CheckoutView{}, err
	}

	notices := s.revalidate(&draft, snap)
	if target.index() > draft.Stage.index() {
		for _, stage := range checkoutStages[:target.index()] {
			if !stageComplete(draft, stage, snap, s) {
				return CheckoutView{}, fmt.Errorf("%w: %s", ErrCheckoutStageIncomplete, stage)
			}
		}
	}
	draft.Stage = target

	if err := s.saveDraft(ctx, &draft); err != nil {
		return CheckoutView{}, err
	}
	view, err := s.viewWithSnapshot(draft, snap)
	if err != nil {
		return CheckoutView{}, err
	}
	view.Notices = append(notices, view.Notices...)
	return view, nil
}

func (s *checkoutService) DeliverySlots(ctx context.Context, cmd CheckoutDraftQuery) ([]domain.DeliverySlot, error) {
	draft, err := s.loadDraft(ctx, cmd.CustomerID, cmd.Tier)
	if err != nil {
		return nil, err
	}
	if s.slots == nil {
		return nil, nil
	}
	return s.slotsFor(ctx, draft)
}

func (s *checkoutService) slotsFor(ctx context.Context, draft CheckoutDraft) ([]domain.DeliverySlot, error) {
	switch draft.Category {
	case domain.ShippingCategoryPickup:
		if draft.PickupLocationID == "" {
			return nil, fmt.Errorf("%w: choose a pickup location first", ErrCheckoutStageIncomplete)
		}
		return s.slots.PickupSlots(ctx, draft.PickupLocationID)
	case domain.ShippingCategoryHomeDelivery:
		if draft.DeliveryAddress == nil || strings.TrimSpace(draft.DeliveryAddress.PostalCode) == "" {
			return nil, fmt.Errorf("%w: enter a delivery address first", ErrCheckoutStageIncomplete)
		}
		return s.slots.HomeDeliverySlots(ctx, draft.DeliveryAddress.PostalCode)
	}
	return nil, fmt.Errorf("%w: choose a shipping method first", ErrCheckoutStageIncomplete)
}

// checkDeliverySlot accepts at only when its shop-time calendar day is a bookable slot.
func (s *checkoutService) checkDeliverySlot(ctx context.Context, draft CheckoutDraft, at time.Time) error {
	if s.slots == nil {
		return nil
	}
	slots, err := s.slotsFor(ctx, draft)
	if err != nil {
		if errors.Is(err, ErrDeliveryNotServed) {
			return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return err
	}
	day := at.In(budapestLocation).Format(time.DateOnly)
	for _, slot := range slots {
		if slot.Date != day {
			continue
		}
		if slot.Denied {
			return fmt.Errorf("%w: no deliveries on %s", ErrCheckoutInvalidInput, day)
		}
		return nil
	}
	return fmt.Errorf("%w: %s is not an available delivery day", ErrCheckoutInvalidInput, day)
}

func (s *checkoutService) ClearDraft(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrCheckoutInvalidInput)
	}
	return s.drafts.Clear(ctx, draftKeyPrefix+customerID)
}

func (s *checkoutService) Submit(ctx context.Context, cmd SubmitCheckoutCommand) (Order, error) {
	draft, err := s.loadDraft(ctx, cmd.CustomerID, cmd.Tier)
	if err != nil {
		return Order{}, err
	}
	if len(draft.Items) == 0 {
		return Order{}, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return Order{}, err
	}
	if notices := s.revalidate(&draft, snap); len(notices) > 0 {
		if saveErr := s.saveDraft(ctx, &draft); saveErr != nil {
			return Order{}, saveErr
		}
		return Order{}, fmt.Errorf("%w: %s", ErrCheckoutStageIncomplete, strings.Join(notices, "; "))
	}
	for _, stage := range checkoutStages {
		if !stageComplete(draft, stage, snap, s) {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutStageIncomplete, stage)
		}
	}

	cart := s.cartFor(draft, snap)
	minimum := s.minimumStatus(draft.Tier, cart.Totals.Subtotal)
	if minimum.Remaining > 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrCheckoutBelowMinimum, minimum.Message)
	}
	if !draft.AcceptTerms {
		return Order{}, fmt.Errorf("%w: terms of service must be accepted", ErrCheckoutConsentRequired)
	}
	if s.requiresDataTransferConsent(cart.Payment) && !draft.AcceptDataTransfer {
		return Order{}, fmt.Errorf("%w: data transfer to the payment provider must be accepted", ErrCheckoutConsentRequired)
	}

	req := OrderCreateRequest{
		CustomerID:         draft.CustomerID,
		CustomerName:       strings.TrimSpace(cmd.CustomerName),
		Tier:               draft.Tier,
		Items:              cloneLineItems(cart.Items),
		Shipping:           cart.Shipping,
		Payment:            cart.Payment,
		DeliveryAddress:    cloneAddress(cart.DeliveryAddress),
		PickupLocationID:   cart.PickupLocationID,
		BillingAddress:     cloneAddress(draft.BillingAddress),
		NotificationEmails: slices.Clone(draft.NotificationEmails),
		DeliveryComment:    draft.DeliveryComment,
		DeliveryDateTime:   cloneTime(cart.DeliveryDateTime),
		Surcharge:          cart.Surcharge,
		Discount:           cart.Discount,
		Totals:             cart.Totals,
		PaymentStatus:      domain.PaymentStatusPending,
		DenyInvoice:        cmd.DenyInvoice,
		NeedVAT:            cmd.NeedVAT || draft.Tier == domain.TierCompany,
	}
	if intent := strings.TrimSpace(cmd.PaymentIntentID); intent != "" && cart.Payment.Type == domain.PaymentTypeOnline {
		req.Gateway = &domain.PaymentGatewayRecord{Provider: "stripe", IntentID: intent}
	}

	order, err := s.orders.Create(ctx, req)
	if err != nil {
		return Order{}, err
	}
	if err := s.drafts.Clear(ctx, draftKeyPrefix+draft.CustomerID); err != nil {
		s.logger(ctx, "checkout.draft.clear.failed", map[string]any{
			"customerID": draft.CustomerID,
			"orderID":    order.ID,
			"error":      err.Error(),
		})
	}
	return order, nil
}

// revalidate drops selections that are no longer valid for the current cart and returns a
// notice for each change. Shipping falls back to the first available method.
func (s *checkoutService) revalidate(draft *CheckoutDraft, snap CatalogSnapshot) []string {
	var notices []string
	if len(draft.Items) == 0 {
		return notices
	}
	available := s.availableShipping(*draft, snap)
	state, changed, err := ReconcileShipping(draft.fulfillment(), available)
	if err != nil {
		notices = append(notices, "no shipping method is available for this cart")
	} else if changed && draft.ShippingMethodID != "" {
		notices = append(notices, fmt.Sprintf("shipping method changed to %s", state.ShippingMethodID))
	}
	if method, ok := FindShippingMethod(snap.ShippingMethods, state.ShippingMethodID); ok {
		state.Category = method.Category
	}
	draft.applyFulfillment(state)

	if draft.PaymentMethodID != "" {
		if _, ok := FindPaymentMethod(s.availablePayment(*draft, snap), draft.PaymentMethodID); !ok {
			draft.PaymentMethodID = ""
			notices = append(notices, "payment method is no longer available")
		}
	}
	if stageIndex := draft.Stage.index(); stageIndex < 0 {
		draft.Stage = CheckoutStageDeliveryDetails
	}
	for i, stage := range checkoutStages {
		if i >= draft.Stage.index() {
			break
		}
		if !stageComplete(*draft, stage, snap, s) {
			draft.Stage = stage
			break
		}
	}
	return notices
}

func (s *checkoutService) availableShipping(draft CheckoutDraft, snap CatalogSnapshot) []ShippingMethod {
	cart := NewCart(draft.Tier, s.policies)
	cart.Items = cloneLineItems(draft.Items)
	cart.recompute()
	surcharge := int64(0)
	if method, ok := FindPaymentMethod(snap.PaymentMethods, draft.PaymentMethodID); ok {
		surcharge = Surcharge(cart.Totals.Subtotal, draft.Tier, method.Type, s.policies)
	}
	return AvailableShippingMethods(snap.ShippingMethods, draft.Tier, ShippingThresholdBase(cart.Totals.Subtotal, surcharge))
}

func (s *checkoutService) availablePayment(draft CheckoutDraft, snap CatalogSnapshot) []PaymentMethod {
	if draft.ShippingMethodID == "" {
		return nil
	}
	return AvailablePaymentMethods(snap.PaymentMethods, draft.Tier, draft.Category, s.policies)
}

func (s *checkoutService) cartFor(draft CheckoutDraft, snap CatalogSnapshot) *Cart {
	cart := NewCart(draft.Tier, s.policies)
	cart.Items = cloneLineItems(draft.Items)
	if method, ok := FindShippingMethod(snap.ShippingMethods, draft.ShippingMethodID); ok {
		cart.Shipping = ShippingSelectionFor(method, draft.Tier)
	}
	cart.PickupLocationID = draft.PickupLocationID
	cart.DeliveryAddress = cloneAddress(draft.DeliveryAddress)
	cart.DeliveryDateTime = cloneTime(draft.DeliveryDateTime)
	if method, ok := FindPaymentMethod(snap.PaymentMethods, draft.PaymentMethodID); ok {
		cart.Payment = PaymentSelectionFor(method)
	}
	cart.Discount = draft.Discount
	cart.recompute()
	cart.Surcharge = Surcharge(cart.Totals.Subtotal, draft.Tier, cart.Payment.Type, s.policies)
	cart.recompute()
	return cart
}

func (s *checkoutService) minimumStatus(tier CustomerTier, subtotal int64) MinimumPurchaseStatus {
	required := s.policies.For(tier).MinimumPurchase
	status := MinimumPurchaseStatus{Required: required}
	if required > 0 && subtotal < required {
		status.Remaining = required - subtotal
		status.Message = fmt.Sprintf("add %s more to reach the minimum order value of %s", FormatAmount(status.Remaining), FormatAmount(required))
	}
	return status
}

func (s *checkoutService) requiresDataTransferConsent(payment domain.PaymentSelection) bool {
	return s.simpleSlug != "" && payment.Type == domain.PaymentTypeOnline && payment.Slug == s.simpleSlug
}

func (s *checkoutService) view(ctx context.Context, draft CheckoutDraft) (CheckoutView, error) {
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return CheckoutView{}, err
	}
	return s.viewWithSnapshot(draft, snap)
}

func (s *checkoutService) viewWithSnapshot(draft CheckoutDraft, snap CatalogSnapshot) (CheckoutView, error) {
	cart := s.cartFor(draft, snap)
	view := CheckoutView{
		Draft:           draft,
		Totals:          cart.Totals,
		ShippingMethods: s.availableShipping(draft, snap),
		PaymentMethods:  s.availablePayment(draft, snap),
		Minimum:         s.minimumStatus(draft.Tier, cart.Totals.Subtotal),
		RequiresConsent: s.requiresDataTransferConsent(cart.Payment),
	}
	reachable := true
	for _, stage := range checkoutStages {
		complete := stageComplete(draft, stage, snap, s)
		view.Stages = append(view.Stages, StageStatus{Stage: stage, Complete: complete, Reachable: reachable})
		reachable = reachable && complete
	}
	if view.Minimum.Remaining > 0 {
		view.Notices = append(view.Notices, view.Minimum.Message)
	}
	return view, nil
}

func (s *checkoutService) loadDraft(ctx context.Context, customerID string, tier CustomerTier) (CheckoutDraft, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return CheckoutDraft{}, fmt.Errorf("%w: customer id is required", ErrCheckoutInvalidInput)
	}
	if !tier.Valid() {
		return CheckoutDraft{}, fmt.Errorf("%w: unknown customer tier %q", ErrCheckoutInvalidInput, tier)
	}
	draft, ok, err := s.drafts.Get(ctx, draftKeyPrefix+customerID)
	if err != nil {
		return CheckoutDraft{}, fmt.Errorf("checkout: load draft: %w", err)
	}
	if !ok {
		draft = CheckoutDraft{CustomerID: customerID, Stage: CheckoutStageDeliveryDetails}
	}
	if draft.Tier != "" && draft.Tier != tier {
		draft.ShippingMethodID = ""
		draft.Category = ""
		draft.PaymentMethodID = ""
		draft.DeliveryDateTime = nil
		draft.Stage = CheckoutStageDeliveryDetails
	}
	draft.Tier = tier
	return draft, nil
}

func (s *checkoutService) saveDraft(ctx context.Context, draft *CheckoutDraft) error {
	draft.UpdatedAt = s.clock()
	if err := s.drafts.Set(ctx, draftKeyPrefix+draft.CustomerID, *draft); err != nil {
		return fmt.Errorf("checkout: save draft: %w", err)
	}
	return nil
}

func stageComplete(draft CheckoutDraft, stage CheckoutStage, snap CatalogSnapshot, s *checkoutService) bool {
	switch stage {
	case CheckoutStageDeliveryDetails:
		if _, ok := FindShippingMethod(s.availableShipping(draft, snap), draft.ShippingMethodID); !ok {
			return false
		}
		if len(draft.NotificationEmails) == 0 {
			return false
		}
		switch draft.Category {
		case domain.ShippingCategoryPickup:
			return draft.PickupLocationID != ""
		case domain.ShippingCategoryHomeDelivery:
			return addressComplete(draft.DeliveryAddress)
		}
		return false
	case CheckoutStageDeliveryTime:
		return stageComplete(draft, CheckoutStageDeliveryDetails, snap, s) && draft.DeliveryDateTime != nil
	case CheckoutStagePayment:
		if !stageComplete(draft, CheckoutStageDeliveryTime, snap, s) {
			return false
		}
		if _, ok := FindPaymentMethod(s.availablePayment(draft, snap), draft.PaymentMethodID); !ok {
			return false
		}
		return addressComplete(draft.BillingAddress)
	}
	return false
}

func (d CheckoutDraft) fulfillment() FulfillmentState {
	return FulfillmentState{
		ShippingMethodID: d.ShippingMethodID,
		Category:         d.Category,
		PickupLocationID: d.PickupLocationID,
		DeliveryAddress:  cloneAddress(d.DeliveryAddress),
		PaymentMethodID:  d.PaymentMethodID,
		DeliveryDateTime: cloneTime(d.DeliveryDateTime),
	}
}

func (d *CheckoutDraft) applyFulfillment(state FulfillmentState) {
	d.ShippingMethodID = state.ShippingMethodID
	d.Category = state.Category
	d.PickupLocationID = state.PickupLocationID
	d.DeliveryAddress = state.DeliveryAddress
	d.PaymentMethodID = state.PaymentMethodID
	d.DeliveryDateTime = state.DeliveryDateTime
}

func addressComplete(addr *Address) bool {
	if addr == nil {
		return false
	}
	return strings.TrimSpace(addr.Name) != "" &&
		strings.TrimSpace(addr.PostalCode) != "" &&
		strings.TrimSpace(addr.City) != "" &&
		strings.TrimSpace(addr.Street) != ""
}

func normalizeEmails(raw []string) ([]string, error) {
	emails := make([]string, 0, len(raw))
	for _, candidate := range raw {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		parsed, err := mail.ParseAddress(candidate)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid notification email %q", ErrCheckoutInvalidInput, candidate)
		}
		if !slices.Contains(emails, parsed.Address) {
			emails = append(emails, parsed.Address)
		}
	}
	return emails, nil
}
