package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/observability"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const maxAdminOrderBody = 128 * 1024

// AdminOrderHandlers expose order lifecycle operations to staff.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewAdminOrderHandlers constructs staff order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders}
}

// Routes registers staff order endpoints under /admin.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Authenticate, observability.ActorFields)
	}
	r.Use(auth.RequireRoles(auth.RoleStaff, auth.RoleAdmin))
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:transition", h.transition)
	r.Post("/orders/{orderID}:edit", h.edit)
	r.Post("/orders/{orderID}:storno", h.storno)
	r.Post("/orders/{orderID}:payment-status", h.paymentStatus)
	r.Post("/orders/{orderID}:courier", h.assignCourier)
}

type transitionRequest struct {
	Status              string `json:"status" validate:"required,oneof=pending processing shipping delivered cancelled refunded"`
	Note                string `json:"note" validate:"max=1000"`
	ConfirmManualRefund bool   `json:"confirmManualRefund"`
}

type transitionResponse struct {
	Order    orderResponse `json:"order"`
	Warnings []string      `json:"warnings,omitempty"`
}

type lineEditRequest struct {
	ItemID   string       `json:"itemId" validate:"required,max=64"`
	Quantity *rawQuantity `json:"quantity" validate:"omitempty,max=16"`
	Price    *int64       `json:"price" validate:"omitempty,gte=0"`
	Note     *string      `json:"note" validate:"omitempty,max=500"`
	Remove   bool         `json:"remove"`
}

type editOrderRequest struct {
	Items      []lineEditRequest `json:"items" validate:"omitempty,max=200,dive"`
	AddedItems []lineItemRequest `json:"addedItems" validate:"omitempty,max=50,dive"`
	Shipping   *int64            `json:"shipping" validate:"omitempty,gte=0"`
	Discount   *int64            `json:"discount" validate:"omitempty,gte=0"`
	Surcharge  *int64            `json:"surcharge" validate:"omitempty,gte=0"`
	Note       string            `json:"note" validate:"max=1000"`
	Confirmed  bool              `json:"confirmed"`
}

type paymentStatusRequest struct {
	Status     string `json:"status" validate:"required,oneof=pending paid failed refunded closed"`
	PaidAmount *int64 `json:"paidAmount" validate:"omitempty,gte=0"`
	Note       string `json:"note" validate:"max=1000"`
}

type courierRequest struct {
	Courier           string     `json:"courier" validate:"max=200"`
	PlannedShippingAt *time.Time `json:"plannedShippingAt"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order, true))
}

func (h *AdminOrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSONBody(w, r, maxAdminOrderBody, false, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	result, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:             orderID,
		TargetStatus:        domain.OrderStatus(req.Status),
		Note:                strings.TrimSpace(req.Note),
		Actor:               actorFromIdentity(identity),
		ConfirmManualRefund: req.ConfirmManualRefund,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, transitionResponse{
		Order:    toOrderResponse(result.Order, true),
		Warnings: result.Warnings,
	})
}

func (h *AdminOrderHandlers) edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req editOrderRequest
	if !decodeJSONBody(w, r, maxAdminOrderBody, false, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	cmd := services.EditOrderCommand{
		OrderID:   orderID,
		Shipping:  req.Shipping,
		Discount:  req.Discount,
		Surcharge: req.Surcharge,
		Note:      strings.TrimSpace(req.Note),
		Actor:     actorFromIdentity(identity),
		Confirmed: req.Confirmed,
	}
	for _, line := range req.Items {
		cmd.Items = append(cmd.Items, services.LineItemEdit{
			ItemID:   strings.TrimSpace(line.ItemID),
			Quantity: line.Quantity.text(),
			Price:    line.Price,
			Note:     line.Note,
			Remove:   line.Remove,
		})
	}
	for _, item := range req.AddedItems {
		cmd.AddedItems = append(cmd.AddedItems, item.toDomain())
	}

	order, err := h.orders.EditOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order, true))
}

func (h *AdminOrderHandlers) storno(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	order, err := h.orders.StornoInvoice(ctx, services.StornoInvoiceCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order, true))
}

func (h *AdminOrderHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req paymentStatusRequest
	if !decodeJSONBody(w, r, maxAdminOrderBody, false, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	order, err := h.orders.UpdatePaymentStatus(ctx, services.UpdatePaymentStatusCommand{
		OrderID:    orderID,
		Status:     domain.PaymentStatus(req.Status),
		PaidAmount: req.PaidAmount,
		Note:       strings.TrimSpace(req.Note),
		Actor:      actorFromIdentity(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order, true))
}

// assignCourier answers a lost race with 409 and the stored order so the caller can roll back
// its optimistic projection.
func (h *AdminOrderHandlers) assignCourier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req courierRequest
	if !decodeJSONBody(w, r, maxAdminOrderBody, false, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	assignment, err := h.orders.AssignCourier(ctx, services.AssignCourierCommand{
		OrderID:           orderID,
		Courier:           strings.TrimSpace(req.Courier),
		PlannedShippingAt: req.PlannedShippingAt,
		Actor:             actorFromIdentity(identity),
	})
	if err != nil {
		if errors.Is(err, services.ErrOrderConcurrentModification) && assignment.Order.ID != "" {
			httpx.WriteError(ctx, w, serviceError(err).WithDetails(map[string]any{
				"order": toOrderResponse(assignment.Order, true),
			}))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(assignment.Order, true))
}

func (h *AdminOrderHandlers) orderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.orders == nil {
		unavailable(w, r, "order_service_unavailable", "order service unavailable")
		return "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}
