package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// OrderIDMetadataKey is the PaymentIntent metadata key carrying the order id.
const OrderIDMetadataKey = "order_id"

// ParseWebhook verifies a Stripe webhook and turns payment intent and refund events into a
// reconciliation command. ok is false for event types the order engine does not track.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (cmd services.ReconcilePaymentCommand, ok bool, err error) {
	if g.webhookSecret == "" {
		return cmd, false, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return cmd, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return cmd, false, nil
	}

	var status string
	switch string(event.Type) {
	case "payment_intent.amount_capturable_updated":
		status = StatusRequiresCapture
	case "payment_intent.succeeded":
		status = StatusCaptured
	case "payment_intent.payment_failed":
		status = StatusFailed
	case "payment_intent.canceled":
		status = StatusVoided
	case "charge.refunded":
		return refundCommand(event)
	default:
		return cmd, false, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return cmd, false, fmt.Errorf("payments: decode payment intent event: %w", err)
	}
	currency := strings.ToUpper(string(intent.Currency))
	amount := intent.AmountReceived
	if status == StatusRequiresCapture {
		amount = intent.AmountCapturable
	}
	return services.ReconcilePaymentCommand{
		OrderID:  intent.Metadata[OrderIDMetadataKey],
		IntentID: intent.ID,
		Status:   status,
		Amount:   fromMinorUnits(amount, currency),
		EventID:  event.ID,
	}, true, nil
}

func refundCommand(event stripe.Event) (services.ReconcilePaymentCommand, bool, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return services.ReconcilePaymentCommand{}, false, fmt.Errorf("payments: decode charge event: %w", err)
	}
	// Partial refunds leave the payment status unchanged.
	if !charge.Refunded {
		return services.ReconcilePaymentCommand{}, false, nil
	}
	cmd := services.ReconcilePaymentCommand{
		OrderID: charge.Metadata[OrderIDMetadataKey],
		Status:  StatusRefunded,
		Amount:  fromMinorUnits(charge.AmountRefunded, strings.ToUpper(string(charge.Currency))),
		EventID: event.ID,
	}
	if charge.PaymentIntent != nil {
		cmd.IntentID = charge.PaymentIntent.ID
		if cmd.OrderID == "" {
			cmd.OrderID = charge.PaymentIntent.Metadata[OrderIDMetadataKey]
		}
	}
	return cmd, true, nil
}
