package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const defaultCurrency = "HUF"

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClients lets tests replace the Stripe API clients.
type StripeClients struct {
	Intents stripePaymentIntentAPI
	Refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *StripeClients
}

// StripeGateway captures and reverses card authorizations held as Stripe PaymentIntents.
// Orders store whole forints; amounts are converted to Stripe's minor units at this boundary.
type StripeGateway struct {
	api           StripeClients
	account       string
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

var _ services.PaymentGateway = (*StripeGateway)(nil)

// NewStripeGateway constructs the gateway from configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{Intents: sc.PaymentIntents, Refunds: sc.Refunds}
	}
	if clients.Intents == nil || clients.Refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Capture settles a held authorization. An intent that already succeeded is reported with
// AlreadyApplied so retries after a lost response do not fail.
func (g *StripeGateway) Capture(ctx context.Context, req services.GatewayRequest) (services.GatewayResult, error) {
	intent, err := g.lookup(ctx, req.IntentID)
	if err != nil {
		return services.GatewayResult{}, err
	}
	currency := currencyOf(req.Currency, intent)

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return g.result(intent, StatusCaptured, fromMinorUnits(intent.AmountReceived, currency), true), nil
	case stripe.PaymentIntentStatusRequiresCapture:
	default:
		return services.GatewayResult{}, fmt.Errorf("%w: %s is %s", ErrNotCapturable, intent.ID, intent.Status)
	}

	params := &stripe.PaymentIntentCaptureParams{}
	g.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.Amount > 0 {
		amount := toMinorUnits(req.Amount, currency)
		if intent.AmountCapturable > 0 && amount > intent.AmountCapturable {
			amount = intent.AmountCapturable
		}
		params.AmountToCapture = stripe.Int64(amount)
	}
	captured, err := g.api.Intents.Capture(intent.ID, params)
	if err != nil {
		return services.GatewayResult{}, fmt.Errorf("stripe: capture payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"orderID":        req.OrderID,
		"paymentIntent":  captured.ID,
		"amountReceived": captured.AmountReceived,
	})
	return g.result(captured, StatusCaptured, fromMinorUnits(captured.AmountReceived, currency), false), nil
}

// RefundOrVoid releases an uncaptured authorization or refunds a captured one.
func (g *StripeGateway) RefundOrVoid(ctx context.Context, req services.GatewayRequest) (services.GatewayResult, error) {
	intent, err := g.lookup(ctx, req.IntentID)
	if err != nil {
		return services.GatewayResult{}, err
	}
	currency := currencyOf(req.Currency, intent)

	switch intent.Status {
	case stripe.PaymentIntentStatusCanceled:
		return g.result(intent, StatusVoided, 0, true), nil
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresAction:
		return g.void(ctx, intent, req)
	case stripe.PaymentIntentStatusSucceeded:
		return g.refund(ctx, intent, req, currency)
	}
	return services.GatewayResult{}, fmt.Errorf("%w: %s is %s", ErrNotReversible, intent.ID, intent.Status)
}

func (g *StripeGateway) void(ctx context.Context, intent *stripe.PaymentIntent, req services.GatewayRequest) (services.GatewayResult, error) {
	params := &stripe.PaymentIntentCancelParams{}
	g.prepare(ctx, &params.Params, req.IdempotencyKey)
	if strings.TrimSpace(req.Reason) != "" {
		params.CancellationReason = stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer))
	}
	canceled, err := g.api.Intents.Cancel(intent.ID, params)
	if err != nil {
		return services.GatewayResult{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.voided", map[string]any{
		"orderID":       req.OrderID,
		"paymentIntent": canceled.ID,
	})
	return g.result(canceled, StatusVoided, 0, false), nil
}

func (g *StripeGateway) refund(ctx context.Context, intent *stripe.PaymentIntent, req services.GatewayRequest, currency string) (services.GatewayResult, error) {
	received := intent.AmountReceived
	if charge := intent.LatestCharge; charge != nil {
		if charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount) {
			return g.result(intent, StatusRefunded, fromMinorUnits(charge.AmountRefunded, currency), true), nil
		}
		received = charge.Amount - charge.AmountRefunded
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(intent.ID)}
	g.prepare(ctx, &params.Params, req.IdempotencyKey)
	amount := received
	if req.Amount > 0 {
		amount = min(toMinorUnits(req.Amount, currency), received)
	}
	params.Amount = stripe.Int64(amount)
	params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))
	params.AddMetadata("order_id", req.OrderID)

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return services.GatewayResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"orderID":       req.OrderID,
		"paymentIntent": intent.ID,
		"refund":        refund.ID,
		"amount":        refund.Amount,
	})
	res := g.result(intent, StatusRefunded, fromMinorUnits(refund.Amount, currency), false)
	return res, nil
}

func (g *StripeGateway) lookup(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	id := strings.TrimSpace(intentID)
	if id == "" {
		return nil, ErrIntentRequired
	}
	params := &stripe.PaymentIntentParams{}
	g.prepare(ctx, &params.Params, "")
	params.AddExpand("latest_charge")
	intent, err := g.api.Intents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return intent, nil
}

func (g *StripeGateway) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
}

func (g *StripeGateway) result(intent *stripe.PaymentIntent, status string, amount int64, applied bool) services.GatewayResult {
	return services.GatewayResult{
		IntentID:       intent.ID,
		Status:         status,
		Amount:         amount,
		AlreadyApplied: applied,
		ProcessedAt:    g.clock(),
	}
}

func currencyOf(requested string, intent *stripe.PaymentIntent) string {
	if c := strings.TrimSpace(string(intent.Currency)); c != "" {
		return strings.ToUpper(c)
	}
	if c := strings.TrimSpace(requested); c != "" {
		return strings.ToUpper(c)
	}
	return defaultCurrency
}
