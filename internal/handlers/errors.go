package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// writeServiceError maps service sentinels onto the HTTP error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	httpx.WriteError(ctx, w, serviceError(err))
}

func serviceError(err error) httpx.Error {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrPricingInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrCheckoutStageIncomplete):
		return httpx.NewError("stage_incomplete", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutBelowMinimum):
		return httpx.NewError("below_minimum", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCheckoutConsentRequired):
		return httpx.NewError("consent_required", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrNoEligibleMethod):
		return httpx.NewError("no_eligible_method", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrDeliveryNotServed):
		return httpx.NewError("delivery_not_served", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCheckoutDraftNotFound):
		return httpx.NewError("draft_not_found", "checkout draft not found", http.StatusNotFound)
	case errors.Is(err, services.ErrOrderNotFound):
		return httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrOrderInvalidState):
		return httpx.NewError("invalid_state", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrOrderConcurrentModification):
		return httpx.NewError("order_conflict", "order has changed; refresh and retry", http.StatusConflict)
	case errors.Is(err, services.ErrOrderConfirmationRequired):
		return httpx.NewError("confirmation_required", err.Error(), http.StatusPreconditionRequired)
	case errors.Is(err, services.ErrOrderGatewayFailed):
		return httpx.NewError("payment_gateway_failed", "payment gateway request failed", http.StatusBadGateway)
	case errors.Is(err, services.ErrOrderInvoiceFailed):
		return httpx.NewError("invoicing_failed", "invoicing service request failed", http.StatusBadGateway)
	case errors.Is(err, services.ErrOrderInvoicePaymentsDisabled):
		return httpx.NewError("invoice_check_disabled", "invoice payment check is not configured", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return httpx.NewError("not_found", "resource not found", http.StatusNotFound)
		case repoErr.IsConflict():
			return httpx.NewError("conflict", "resource has changed; refresh and retry", http.StatusConflict)
		case repoErr.IsUnavailable():
			return httpx.NewError("service_unavailable", "storage unavailable", http.StatusServiceUnavailable)
		}
	}
	return httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError)
}
