// Package payments wraps the payment gateway: creating payment links for a
// frozen order amount and turning signed webhooks into settlement events.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrGatewayUnavailable covers network failures, timeouts, 429 and 5xx
	// once retries are exhausted.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is a non-retryable 4xx from the gateway.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrInvalidAmount is returned before any call when the amount is out of range.
	ErrInvalidAmount    = errors.New("invalid payment amount")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// LinkRequest asks for a payment link for one order.
type LinkRequest struct {
	OrderID       string
	Amount        int64 // whole currency units
	Currency      string
	CustomerPhone string
	CustomerName  string
	Purpose       string
}

// Link is a created payment link. Reference is the gateway's own id for it
// and is what webhooks carry back.
type Link struct {
	URL       string
	Reference string
}

// Signature is the authentication material sent alongside a webhook body.
type Signature struct {
	Value     string
	Timestamp string
}

// EventKind classifies a verified webhook.
type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	// EventIgnored is acknowledged without touching any order.
	EventIgnored EventKind = "ignored"
)

// Event is a verified, normalized webhook.
type Event struct {
	Kind      EventKind
	Reference string
	Type      string // gateway event type, for logs
	Status    string // gateway status, for logs
}

// Gateway is the payment provider used by the agent and the webhook path.
type Gateway interface {
	CreateLink(ctx context.Context, req LinkRequest) (Link, error)
	VerifyWebhook(payload []byte, sig Signature) (Event, error)
}
