package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// CatalogHandlers list the shipping and payment methods available to the caller's tier.
// Anonymous callers are priced as the public tier.
type CatalogHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewCatalogHandlers constructs catalog handlers.
func NewCatalogHandlers(authn *auth.Authenticator, catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{authn: authn, catalog: catalog}
}

// Routes registers catalog endpoints under the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.Optional)
	}
	group.Get("/shipping-methods", h.listShippingMethods)
	group.Get("/payment-methods", h.listPaymentMethods)
}

type shippingMethodResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Cost        int64  `json:"cost"`
	VAT         int64  `json:"vat"`
	MinNetPrice int64  `json:"minNetPrice,omitempty"`
	MaxNetPrice int64  `json:"maxNetPrice,omitempty"`
}

type paymentMethodResponse struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Type           string `json:"type"`
	AdditionalCost int64  `json:"additionalCost"`
}

func (h *CatalogHandlers) listShippingMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		unavailable(w, r, "catalog_unavailable", "catalog service unavailable")
		return
	}

	subtotal, ok := amountParam(w, r, "subtotal")
	if !ok {
		return
	}
	surcharge, ok := amountParam(w, r, "surcharge")
	if !ok {
		return
	}

	tier := auth.TierFromContext(ctx)
	methods, err := h.catalog.ShippingMethods(ctx, services.ShippingMethodQuery{
		Tier:      tier,
		Subtotal:  subtotal,
		Surcharge: surcharge,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]shippingMethodResponse, 0, len(methods))
	for _, m := range methods {
		items = append(items, toShippingMethodResponse(m, tier))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items, "tier": tier})
}

func (h *CatalogHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		unavailable(w, r, "catalog_unavailable", "catalog service unavailable")
		return
	}

	shippingID := strings.TrimSpace(r.URL.Query().Get("shipping_method_id"))
	if shippingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_method_id is required", http.StatusBadRequest))
		return
	}

	tier := auth.TierFromContext(ctx)
	methods, err := h.catalog.PaymentMethods(ctx, services.PaymentMethodQuery{
		Tier:             tier,
		ShippingMethodID: shippingID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]paymentMethodResponse, 0, len(methods))
	for _, m := range methods {
		items = append(items, toPaymentMethodResponse(m))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items, "tier": tier})
}

func amountParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", name+" must be a non-negative integer", http.StatusBadRequest))
		return 0, false
	}
	return value, true
}

func toShippingMethodResponse(m domain.ShippingMethod, tier domain.CustomerTier) shippingMethodResponse {
	return shippingMethodResponse{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Category:    string(m.Category),
		Cost:        services.ShippingCost(m, tier),
		VAT:         services.ShippingVAT(m, tier),
		MinNetPrice: m.MinNetPrice,
		MaxNetPrice: m.MaxNetPrice,
	}
}

func toPaymentMethodResponse(m domain.PaymentMethod) paymentMethodResponse {
	return paymentMethodResponse{
		ID:             m.ID,
		Slug:           m.Slug,
		Name:           m.Name,
		Description:    m.Description,
		Type:           string(m.Type),
		AdditionalCost: m.AdditionalCost,
	}
}
