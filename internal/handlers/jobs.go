package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// JobHandlers expose scheduler-triggered maintenance runs.
type JobHandlers struct {
	orders services.OrderService
	batch  int
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewJobHandlers constructs the job endpoints. batch is the default invoice check size.
func NewJobHandlers(orders services.OrderService, batch int, logger func(ctx context.Context, event string, fields map[string]any)) *JobHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &JobHandlers{orders: orders, batch: batch, logger: logger}
}

// Routes registers job endpoints under /internal/jobs.
func (h *JobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/invoice-payments", h.checkInvoicePayments)
}

// checkInvoicePayments answers 200 with the run summary even when single orders failed; the
// scheduler only retries whole-run failures.
func (h *JobHandlers) checkInvoicePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(w, r, "jobs_unavailable", "order service is not configured")
		return
	}
	limit := h.batch
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = n
	}

	summary, err := h.orders.ReconcileInvoicePayments(ctx, services.ReconcileInvoicePaymentsCommand{Limit: limit})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	fields := map[string]any{
		"processed": summary.Processed,
		"closed":    summary.Closed,
		"errors":    summary.Errors,
	}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
		fields["caller"] = caller.Email
	}
	h.logger(ctx, "jobs.invoice_payments.completed", fields)
	writeJSONResponse(w, http.StatusOK, summary)
}
