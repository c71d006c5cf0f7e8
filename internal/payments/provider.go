package payments

import (
	"errors"
	"strings"
)

// Status values reported back to the order service. They match the strings the order
// service maps onto payment statuses.
const (
	StatusRequiresCapture = "requires_capture"
	StatusCaptured        = "captured"
	StatusVoided          = "canceled"
	StatusRefunded        = "refunded"
	StatusFailed          = "payment_failed"
)

var (
	// ErrIntentRequired is returned when the order carries no payment intent to act on.
	ErrIntentRequired = errors.New("payments: payment intent id is required")
	// ErrNotCapturable is returned when the intent is in a state that cannot be captured.
	ErrNotCapturable = errors.New("payments: payment intent cannot be captured")
	// ErrNotReversible is returned when the intent can be neither voided nor refunded.
	ErrNotReversible = errors.New("payments: payment intent cannot be voided or refunded")
	// ErrInvalidSignature is returned for webhook payloads failing signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// zeroDecimalCurrencies are charged in whole units by Stripe. HUF is not among them: Stripe
// expects HUF amounts in fillér even though only whole forints can be charged.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// toMinorUnits converts whole currency units, as stored on orders, to the amount Stripe expects.
func toMinorUnits(amount int64, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return amount
	}
	return amount * 100
}

// fromMinorUnits is the inverse of toMinorUnits; fractional units are dropped.
func fromMinorUnits(amount int64, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return amount
	}
	return amount / 100
}
