package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/observability"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/storage"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// DocumentSigner issues short-lived download URLs for archived documents.
type DocumentSigner interface {
	SignedURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// OrderHandlers expose order reads for the owning customer.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	documents DocumentSigner
	bucket    string
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithInvoiceArchive serves archived invoice PDFs from bucket through signed URLs.
func WithInvoiceArchive(signer DocumentSigner, bucket string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.documents = signer
		h.bucket = strings.TrimSpace(bucket)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Authenticate, observability.ActorFields)
	}
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/invoice", h.getInvoice)
}

type lineItemResponse struct {
	ID         string               `json:"id"`
	ProductID  string               `json:"productId"`
	Name       string               `json:"name"`
	Unit       string               `json:"unit,omitempty"`
	Quantity   string               `json:"quantity"`
	NetPrice   int64                `json:"netPrice"`
	GrossPrice int64                `json:"grossPrice"`
	VATPercent string               `json:"vatPercent"`
	Note       string               `json:"note,omitempty"`
	IsCustom   bool                 `json:"isCustom,omitempty"`
	Bundle     []bundleItemResponse `json:"bundleItems,omitempty"`
	Subtotal   int64                `json:"subtotal"`
}

type bundleItemResponse struct {
	ChildID      string `json:"childId"`
	Name         string `json:"name,omitempty"`
	Unit         string `json:"unit,omitempty"`
	QtyPerParent string `json:"qtyPerParent"`
}

type addressResponse struct {
	Name       string `json:"name,omitempty"`
	Company    string `json:"company,omitempty"`
	TaxNumber  string `json:"taxNumber,omitempty"`
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
	Street     string `json:"street,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Note       string `json:"note,omitempty"`
}

type historyResponse struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status,omitempty"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
	ActorName string `json:"actorName,omitempty"`
}

type invoiceResponse struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	IssuedAt     string `json:"issuedAt,omitempty"`
	Paid         bool   `json:"paid"`
	Archived     bool   `json:"archived"`
	StornoID     string `json:"stornoId,omitempty"`
	StornoNumber string `json:"stornoNumber,omitempty"`
}

type orderResponse struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customerId"`
	CustomerName       string             `json:"customerName,omitempty"`
	Tier               string             `json:"tier"`
	Status             string             `json:"status"`
	PaymentStatus      string             `json:"paymentStatus"`
	Items              []lineItemResponse `json:"items"`
	ShippingMethodID   string             `json:"shippingMethodId"`
	ShippingName       string             `json:"shippingName"`
	Category           string             `json:"category"`
	ShippingCost       int64              `json:"shippingCost"`
	PaymentMethodID    string             `json:"paymentMethodId"`
	PaymentName        string             `json:"paymentName"`
	PaymentType        string             `json:"paymentType"`
	DeliveryAddress    *addressResponse   `json:"deliveryAddress,omitempty"`
	PickupLocationID   string             `json:"pickupLocationId,omitempty"`
	BillingAddress     *addressResponse   `json:"billingAddress,omitempty"`
	NotificationEmails []string           `json:"notificationEmails,omitempty"`
	DeliveryComment    string             `json:"deliveryComment,omitempty"`
	DeliveryDateTime   *string            `json:"deliveryDateTime,omitempty"`
	Surcharge          int64              `json:"surcharge"`
	Discount           int64              `json:"discount"`
	Subtotal           int64              `json:"subtotal"`
	VATTotal           int64              `json:"vatTotal"`
	Total              int64              `json:"total"`
	PaidAmount         int64              `json:"paidAmount"`
	Invoice            *invoiceResponse   `json:"invoice,omitempty"`
	Courier            string             `json:"courier,omitempty"`
	PlannedShippingAt  *string            `json:"plannedShippingAt,omitempty"`
	CustomerHistory    []historyResponse  `json:"customerHistory,omitempty"`
	History            []historyResponse  `json:"history,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

type invoiceDownloadResponse struct {
	Number    string `json:"number"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Storno    bool   `json:"storno"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, identity, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order, identity.IsStaff()))
}

func (h *OrderHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, identity, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	invoice := order.Invoice
	if invoice == nil || strings.TrimSpace(invoice.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "no invoice has been issued for this order", http.StatusNotFound))
		return
	}

	resp := invoiceDownloadResponse{Number: invoice.Number, Storno: invoice.StornoID != ""}
	if h.documents != nil && h.bucket != "" && invoice.ArchivePath != "" {
		signed, err := h.documents.SignedURL(ctx, h.bucket, invoice.ArchivePath, storage.DownloadOptions{
			Disposition:  "attachment",
			ResponseType: "application/pdf",
			OwnerID:      order.CustomerID,
			Identity:     identity,
		})
		switch {
		case err == nil:
			resp.URL = signed.URL
			resp.ExpiresAt = formatTime(signed.ExpiresAt)
			writeJSONResponse(w, http.StatusOK, resp)
			return
		case errors.Is(err, storage.ErrPermissionDenied):
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		// Fall back to the invoicing service link when signing fails.
	}
	if invoice.DownloadURL == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice document is not available yet", http.StatusServiceUnavailable))
		return
	}
	resp.URL = invoice.DownloadURL
	writeJSONResponse(w, http.StatusOK, resp)
}

// loadOwnedOrder hides orders of other customers behind 404.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request) (domain.Order, *auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(w, r, "order_service_unavailable", "order service unavailable")
		return domain.Order{}, nil, false
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return domain.Order{}, nil, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return domain.Order{}, nil, false
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Order{}, nil, false
	}
	if order.CustomerID != identity.UID && !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return domain.Order{}, nil, false
	}
	return order, identity, true
}

// toOrderResponse renders an order. The internal status history is only included for staff.
func toOrderResponse(order domain.Order, staff bool) orderResponse {
	resp := orderResponse{
		ID:                 order.ID,
		CustomerID:         order.CustomerID,
		CustomerName:       order.CustomerName,
		Tier:               string(order.Tier),
		Status:             string(order.Status),
		PaymentStatus:      string(order.PaymentStatus),
		Items:              toLineItemResponses(order.Items),
		ShippingMethodID:   order.Shipping.MethodID,
		ShippingName:       order.Shipping.Name,
		Category:           string(order.Shipping.Category),
		ShippingCost:       order.Shipping.Cost,
		PaymentMethodID:    order.Payment.MethodID,
		PaymentName:        order.Payment.Name,
		PaymentType:        string(order.Payment.Type),
		DeliveryAddress:    toAddressResponse(order.DeliveryAddress),
		PickupLocationID:   order.PickupLocationID,
		BillingAddress:     toAddressResponse(order.BillingAddress),
		NotificationEmails: order.NotificationEmails,
		DeliveryComment:    order.DeliveryComment,
		DeliveryDateTime:   formatTimePtr(order.DeliveryDateTime),
		Surcharge:          order.Surcharge,
		Discount:           order.Discount,
		Subtotal:           order.Subtotal,
		VATTotal:           order.VATTotal,
		Total:              order.Total,
		PaidAmount:         order.PaidAmount,
		Courier:            order.Courier,
		PlannedShippingAt:  formatTimePtr(order.PlannedShippingAt),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
	}
	if inv := order.Invoice; inv != nil {
		resp.Invoice = &invoiceResponse{
			ID:           inv.ID,
			Number:       inv.Number,
			IssuedAt:     formatTime(inv.IssuedAt),
			Paid:         inv.Paid,
			Archived:     inv.ArchivePath != "",
			StornoID:     inv.StornoID,
			StornoNumber: inv.StornoNumber,
		}
	}
	for _, entry := range order.CustomerHistory {
		resp.CustomerHistory = append(resp.CustomerHistory, historyResponse{
			Timestamp: formatTime(entry.Timestamp),
			Note:      entry.Note,
			ActorName: entry.ActorName,
		})
	}
	if staff {
		for _, entry := range order.History {
			resp.History = append(resp.History, historyResponse{
				Timestamp: formatTime(entry.Timestamp),
				Status:    string(entry.Status),
				Note:      entry.Note,
				ActorID:   entry.ActorID,
				ActorName: entry.ActorName,
			})
		}
	}
	return resp
}

func toLineItemResponses(items []domain.LineItem) []lineItemResponse {
	out := make([]lineItemResponse, 0, len(items))
	for _, item := range items {
		resp := lineItemResponse{
			ID:         item.ID,
			ProductID:  item.ProductID,
			Name:       item.Name,
			Unit:       item.Unit,
			Quantity:   decimalString(item.Quantity),
			NetPrice:   item.NetPrice,
			GrossPrice: item.GrossPrice,
			VATPercent: decimalString(item.VATPercent),
			Note:       item.Note,
			IsCustom:   item.IsCustom,
			Subtotal:   item.Subtotal,
		}
		for _, b := range item.BundleItems {
			resp.Bundle = append(resp.Bundle, bundleItemResponse{
				ChildID:      b.ChildID,
				Name:         b.Name,
				Unit:         b.Unit,
				QtyPerParent: decimalString(b.QtyPerParent),
			})
		}
		out = append(out, resp)
	}
	return out
}

func toAddressResponse(addr *domain.Address) *addressResponse {
	if addr == nil {
		return nil
	}
	return &addressResponse{
		Name:       addr.Name,
		Company:    addr.Company,
		TaxNumber:  addr.TaxNumber,
		Country:    addr.Country,
		PostalCode: addr.PostalCode,
		City:       addr.City,
		Street:     addr.Street,
		Phone:      addr.Phone,
		Email:      addr.Email,
		Note:       addr.Note,
	}
}

func decimalString(d decimal.Decimal) string {
	return d.String()
}
