package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anonline/farm2fork-v3-sub000/internal/payments"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const maxWebhookBody = 512 * 1024

// PaymentWebhookParser verifies a gateway notification and converts it into a reconciliation
// command. ok is false for events that do not affect orders.
type PaymentWebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (services.ReconcilePaymentCommand, bool, error)
}

// WebhookLogger records webhook outcomes.
type WebhookLogger func(ctx context.Context, event string, fields map[string]any)

// PaymentWebhookHandlers apply Stripe notifications to orders.
type PaymentWebhookHandlers struct {
	parser PaymentWebhookParser
	orders services.OrderService
	logger WebhookLogger
}

// NewPaymentWebhookHandlers constructs the webhook receiver.
func NewPaymentWebhookHandlers(parser PaymentWebhookParser, orders services.OrderService, logger WebhookLogger) *PaymentWebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentWebhookHandlers{parser: parser, orders: orders, logger: logger}
}

// Routes registers webhook endpoints under /webhooks.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripe)
}

// stripe acknowledges anything that is not retryable so Stripe stops redelivering it.
func (h *PaymentWebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.orders == nil {
		unavailable(w, r, "webhooks_unavailable", "payment webhooks are not configured")
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	cmd, ok, err := h.parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger(ctx, "webhook.stripe.signature_invalid", map[string]any{"error": err.Error()})
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		h.logger(ctx, "webhook.stripe.decode_failed", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}
	if !ok {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	fields := map[string]any{
		"eventID":  cmd.EventID,
		"orderID":  cmd.OrderID,
		"intentID": cmd.IntentID,
		"status":   cmd.Status,
	}
	order, err := h.orders.ReconcilePayment(ctx, cmd)
	switch {
	case err == nil:
		fields["paymentStatus"] = string(order.PaymentStatus)
		h.logger(ctx, "webhook.stripe.reconciled", fields)
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderInvalidInput):
		fields["error"] = err.Error()
		h.logger(ctx, "webhook.stripe.unmatched", fields)
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		fields["error"] = err.Error()
		h.logger(ctx, "webhook.stripe.failed", fields)
		writeServiceError(ctx, w, err)
	}
}
