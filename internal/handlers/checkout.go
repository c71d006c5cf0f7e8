package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/observability"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const maxCheckoutRequestBody = 256 * 1024

// CheckoutHandlers expose the checkout wizard for authenticated customers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	limiter  *submitLimiter
}

// CheckoutHandlersOption customises CheckoutHandlers.
type CheckoutHandlersOption func(*CheckoutHandlers)

// WithSubmitRateLimit caps order submissions per customer within window.
func WithSubmitRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSubmitLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlersOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints. The router passed in is the API root.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.Authenticate, observability.ActorFields)
	}
	group.Get("/checkout/draft", h.getDraft)
	group.Put("/checkout/draft", h.updateDraft)
	group.Delete("/checkout/draft", h.clearDraft)
	group.Get("/checkout/delivery-slots", h.deliverySlots)
	group.Post("/checkout/draft:advance", h.advance)
	group.Post("/checkout:submit", h.submit)
}

type bundleItemRequest struct {
	ChildID      string      `json:"childId" validate:"required,max=64"`
	Name         string      `json:"name" validate:"max=200"`
	Unit         string      `json:"unit" validate:"max=32"`
	QtyPerParent flexDecimal `json:"qtyPerParent"`
}

type lineItemRequest struct {
	ID           string              `json:"id" validate:"required,max=64"`
	ProductID    string              `json:"productId" validate:"required,max=64"`
	Name         string              `json:"name" validate:"required,max=200"`
	Unit         string              `json:"unit" validate:"max=32"`
	Quantity     flexDecimal         `json:"quantity"`
	NetPrice     int64               `json:"netPrice" validate:"gte=0"`
	GrossPrice   int64               `json:"grossPrice" validate:"gte=0"`
	VATPercent   flexDecimal         `json:"vatPercent"`
	StepQuantity flexDecimal         `json:"stepQuantity"`
	MinQuantity  flexDecimal         `json:"minQuantity"`
	MaxQuantity  flexDecimal         `json:"maxQuantity"`
	Note         string              `json:"note" validate:"max=500"`
	IsCustom     bool                `json:"isCustom"`
	BundleItems  []bundleItemRequest `json:"bundleItems" validate:"omitempty,max=50,dive"`
}

type addressRequest struct {
	Name       string `json:"name" validate:"max=200"`
	Company    string `json:"company" validate:"max=200"`
	TaxNumber  string `json:"taxNumber" validate:"max=32"`
	Country    string `json:"country" validate:"omitempty,len=2"`
	PostalCode string `json:"postalCode" validate:"max=16"`
	City       string `json:"city" validate:"max=100"`
	Street     string `json:"street" validate:"max=200"`
	Phone      string `json:"phone" validate:"max=32"`
	Email      string `json:"email" validate:"omitempty,email"`
	Note       string `json:"note" validate:"max=500"`
}

type updateDraftRequest struct {
	// Items and NotificationEmails replace the stored values when present, including as [].
	Items              []lineItemRequest `json:"items" validate:"omitempty,max=200,dive"`
	ShippingMethodID   *string           `json:"shippingMethodId" validate:"omitempty,max=64"`
	PickupLocationID   *string           `json:"pickupLocationId" validate:"omitempty,max=64"`
	DeliveryAddress    *addressRequest   `json:"deliveryAddress"`
	NotificationEmails []string          `json:"notificationEmails" validate:"omitempty,max=10"`
	DeliveryComment    *string           `json:"deliveryComment" validate:"omitempty,max=1000"`
	DeliveryDateTime   *time.Time        `json:"deliveryDateTime"`
	ClearDeliveryTime  bool              `json:"clearDeliveryTime"`
	PaymentMethodID    *string           `json:"paymentMethodId" validate:"omitempty,max=64"`
	BillingAddress     *addressRequest   `json:"billingAddress"`
	AcceptTerms        *bool             `json:"acceptTerms"`
	AcceptDataTransfer *bool             `json:"acceptDataTransfer"`
}

type advanceRequest struct {
	Stage string `json:"stage" validate:"required,oneof=delivery_details delivery_time payment"`
}

type submitRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"omitempty,max=255"`
	CustomerName    string `json:"customerName" validate:"omitempty,max=200"`
	DenyInvoice     bool   `json:"denyInvoice"`
	NeedVAT         bool   `json:"needVat"`
}

type stageResponse struct {
	Stage     string `json:"stage"`
	Complete  bool   `json:"complete"`
	Reachable bool   `json:"reachable"`
}

type totalsResponse struct {
	Subtotal       int64 `json:"subtotal"`
	VATTotal       int64 `json:"vatTotal"`
	Shipping       int64 `json:"shipping"`
	ShippingVAT    int64 `json:"shippingVat"`
	Surcharge      int64 `json:"surcharge"`
	Discount       int64 `json:"discount"`
	AdditionalCost int64 `json:"additionalCost"`
	Total          int64 `json:"total"`
}

type minimumResponse struct {
	Required  int64  `json:"required"`
	Remaining int64  `json:"remaining"`
	Message   string `json:"message,omitempty"`
}

type draftResponse struct {
	Stage              string             `json:"stage"`
	Items              []lineItemResponse `json:"items"`
	ShippingMethodID   string             `json:"shippingMethodId,omitempty"`
	Category           string             `json:"category,omitempty"`
	PickupLocationID   string             `json:"pickupLocationId,omitempty"`
	DeliveryAddress    *addressResponse   `json:"deliveryAddress,omitempty"`
	NotificationEmails []string           `json:"notificationEmails,omitempty"`
	DeliveryComment    string             `json:"deliveryComment,omitempty"`
	DeliveryDateTime   *string            `json:"deliveryDateTime,omitempty"`
	PaymentMethodID    string             `json:"paymentMethodId,omitempty"`
	BillingAddress     *addressResponse   `json:"billingAddress,omitempty"`
	AcceptTerms        bool               `json:"acceptTerms"`
	AcceptDataTransfer bool               `json:"acceptDataTransfer"`
	UpdatedAt          string             `json:"updatedAt,omitempty"`
}

type checkoutViewResponse struct {
	Draft           draftResponse            `json:"draft"`
	Totals          totalsResponse           `json:"totals"`
	Stages          []stageResponse          `json:"stages"`
	ShippingMethods []shippingMethodResponse `json:"shippingMethods"`
	PaymentMethods  []paymentMethodResponse  `json:"paymentMethods"`
	Minimum         minimumResponse          `json:"minimum"`
	RequiresConsent bool                     `json:"requiresConsent"`
	Notices         []string                 `json:"notices,omitempty"`
}

func (h *CheckoutHandlers) getDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	view, err := h.checkout.GetDraft(ctx, services.CheckoutDraftQuery{
		CustomerID: identity.UID,
		Tier:       identity.Tier,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCheckoutViewResponse(view))
}

type deliverySlotResponse struct {
	Date      string `json:"date"`
	TimeRange string `json:"timeRange,omitempty"`
	Available bool   `json:"isAvailable"`
	Denied    bool   `json:"isDenied"`
}

func (h *CheckoutHandlers) deliverySlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	slots, err := h.checkout.DeliverySlots(ctx, services.CheckoutDraftQuery{
		CustomerID: identity.UID,
		Tier:       identity.Tier,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := make([]deliverySlotResponse, 0, len(slots))
	for _, slot := range slots {
		resp = append(resp, deliverySlotResponse{
			Date:      slot.Date,
			TimeRange: slot.TimeRange,
			Available: !slot.Denied,
			Denied:    slot.Denied,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"slots": resp})
}

func (h *CheckoutHandlers) updateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req updateDraftRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}

	cmd := services.UpdateCheckoutDraftCommand{
		CustomerID:         identity.UID,
		Tier:               identity.Tier,
		ShippingMethodID:   trimmedPtr(req.ShippingMethodID),
		PickupLocationID:   trimmedPtr(req.PickupLocationID),
		DeliveryAddress:    req.DeliveryAddress.toDomain(),
		DeliveryComment:    req.DeliveryComment,
		DeliveryDateTime:   req.DeliveryDateTime,
		ClearDeliveryTime:  req.ClearDeliveryTime,
		PaymentMethodID:    trimmedPtr(req.PaymentMethodID),
		BillingAddress:     req.BillingAddress.toDomain(),
		AcceptTerms:        req.AcceptTerms,
		AcceptDataTransfer: req.AcceptDataTransfer,
	}
	if req.Items != nil {
		items := make([]domain.LineItem, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, item.toDomain())
		}
		cmd.Items = &items
	}
	if req.NotificationEmails != nil {
		emails := append([]string(nil), req.NotificationEmails...)
		cmd.NotificationEmails = &emails
	}

	view, err := h.checkout.UpdateDraft(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCheckoutViewResponse(view))
}

func (h *CheckoutHandlers) clearDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := h.checkout.ClearDraft(ctx, identity.UID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) advance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req advanceRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}

	view, err := h.checkout.MoveToStage(ctx, services.MoveCheckoutStageCommand{
		CustomerID: identity.UID,
		Tier:       identity.Tier,
		Stage:      services.CheckoutStage(req.Stage),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCheckoutViewResponse(view))
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(w, r, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if allowed, retryIn := h.limiter.Allow(identity.UID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryIn.Seconds()))))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order submissions; try again later", http.StatusTooManyRequests))
		return
	}

	var req submitRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, true, &req) {
		return
	}

	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		name = identity.DisplayName()
	}
	order, err := h.checkout.Submit(ctx, services.SubmitCheckoutCommand{
		CustomerID:      identity.UID,
		CustomerName:    name,
		Tier:            identity.Tier,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		DenyInvoice:     req.DenyInvoice,
		NeedVAT:         req.NeedVAT,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, toOrderResponse(order, false))
}

func (req lineItemRequest) toDomain() domain.LineItem {
	item := domain.LineItem{
		ID:           strings.TrimSpace(req.ID),
		ProductID:    strings.TrimSpace(req.ProductID),
		Name:         strings.TrimSpace(req.Name),
		Unit:         strings.TrimSpace(req.Unit),
		Quantity:     req.Quantity.Decimal,
		NetPrice:     req.NetPrice,
		GrossPrice:   req.GrossPrice,
		VATPercent:   req.VATPercent.Decimal,
		StepQuantity: req.StepQuantity.Decimal,
		MinQuantity:  req.MinQuantity.Decimal,
		MaxQuantity:  req.MaxQuantity.Decimal,
		Note:         req.Note,
		IsCustom:     req.IsCustom,
	}
	for _, child := range req.BundleItems {
		item.BundleItems = append(item.BundleItems, domain.BundleItem{
			ChildID:      strings.TrimSpace(child.ChildID),
			Name:         strings.TrimSpace(child.Name),
			Unit:         strings.TrimSpace(child.Unit),
			QtyPerParent: child.QtyPerParent.Decimal,
		})
	}
	return item
}

func (req *addressRequest) toDomain() *domain.Address {
	if req == nil {
		return nil
	}
	return &domain.Address{
		Name:       strings.TrimSpace(req.Name),
		Company:    strings.TrimSpace(req.Company),
		TaxNumber:  strings.TrimSpace(req.TaxNumber),
		Country:    strings.ToUpper(strings.TrimSpace(req.Country)),
		PostalCode: strings.TrimSpace(req.PostalCode),
		City:       strings.TrimSpace(req.City),
		Street:     strings.TrimSpace(req.Street),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
		Note:       req.Note,
	}
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func toCheckoutViewResponse(view services.CheckoutView) checkoutViewResponse {
	draft := view.Draft
	resp := checkoutViewResponse{
		Draft: draftResponse{
			Stage:              string(draft.Stage),
			Items:              toLineItemResponses(draft.Items),
			ShippingMethodID:   draft.ShippingMethodID,
			Category:           string(draft.Category),
			PickupLocationID:   draft.PickupLocationID,
			DeliveryAddress:    toAddressResponse(draft.DeliveryAddress),
			NotificationEmails: draft.NotificationEmails,
			DeliveryComment:    draft.DeliveryComment,
			DeliveryDateTime:   formatTimePtr(draft.DeliveryDateTime),
			PaymentMethodID:    draft.PaymentMethodID,
			BillingAddress:     toAddressResponse(draft.BillingAddress),
			AcceptTerms:        draft.AcceptTerms,
			AcceptDataTransfer: draft.AcceptDataTransfer,
			UpdatedAt:          formatTime(draft.UpdatedAt),
		},
		Totals:          toTotalsResponse(view.Totals),
		Stages:          make([]stageResponse, 0, len(view.Stages)),
		ShippingMethods: make([]shippingMethodResponse, 0, len(view.ShippingMethods)),
		PaymentMethods:  make([]paymentMethodResponse, 0, len(view.PaymentMethods)),
		Minimum: minimumResponse{
			Required:  view.Minimum.Required,
			Remaining: view.Minimum.Remaining,
			Message:   view.Minimum.Message,
		},
		RequiresConsent: view.RequiresConsent,
		Notices:         view.Notices,
	}
	for _, stage := range view.Stages {
		resp.Stages = append(resp.Stages, stageResponse{
			Stage:     string(stage.Stage),
			Complete:  stage.Complete,
			Reachable: stage.Reachable,
		})
	}
	for _, m := range view.ShippingMethods {
		resp.ShippingMethods = append(resp.ShippingMethods, toShippingMethodResponse(m, draft.Tier))
	}
	for _, m := range view.PaymentMethods {
		resp.PaymentMethods = append(resp.PaymentMethods, toPaymentMethodResponse(m))
	}
	return resp
}

func toTotalsResponse(t services.Totals) totalsResponse {
	return totalsResponse{
		Subtotal:       t.Subtotal,
		VATTotal:       t.VATTotal,
		Shipping:       t.Shipping,
		ShippingVAT:    t.ShippingVAT,
		Surcharge:      t.Surcharge,
		Discount:       t.Discount,
		AdditionalCost: t.AdditionalCost,
		Total:          t.Total,
	}
}
