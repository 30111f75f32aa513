// Package orders implements the order lifecycle as a pure transition
// function. Apply never performs I/O: side effects come back as Effect
// values that the caller executes, and the facts those produce (a payment
// reference, for instance) are fed back in as new events.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

var (
	// ErrInvalidTransition means the event is not allowed in the order's state.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrDuplicate marks an idempotent replay: the event was already applied.
	ErrDuplicate = errors.New("duplicate order event")
	// ErrLateSettlement marks a payment that settled after the order expired.
	ErrLateSettlement = errors.New("payment settled on expired order")
	// ErrAmountFrozen means the item was already chosen and priced.
	ErrAmountFrozen = errors.New("order item and amount are frozen")
	// ErrActiveOrder means the customer already holds a non-terminal order.
	ErrActiveOrder = errors.New("customer already has an active order")
	// ErrReferenceMismatch means a payment event names a different reference.
	ErrReferenceMismatch = errors.New("payment reference does not match order")
	// ErrNotStale means the order saw activity within the timeout window.
	ErrNotStale = errors.New("order is not stale")
)

// EventKind names an input to Apply.
type EventKind string

const (
	EventIntentDetected   EventKind = "intent_detected"
	EventNegotiating      EventKind = "negotiating"
	EventItemSelected     EventKind = "item_selected"
	EventLinkCreated      EventKind = "link_created"
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventTimedOut         EventKind = "timed_out"
)

// Event is one input to the state machine. Only the fields relevant to Kind
// are read.
type Event struct {
	Kind EventKind
	At   time.Time

	// IntentDetected
	OrderID    string
	CustomerID string
	Currency   string

	// ItemSelected
	Item   string
	Amount int64

	// LinkCreated, PaymentSucceeded, PaymentFailed
	Reference string
	URL       string

	// TimedOut. LastActivity is the customer's latest message; the order
	// is stale only when both it and the last transition are older than TTL.
	TTL          time.Duration
	LastActivity time.Time
}

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	// EffectRequestPaymentLink asks the caller to obtain a payment link for
	// the frozen amount and feed back an EventLinkCreated.
	EffectRequestPaymentLink EffectKind = "request_payment_link"
	// EffectNotifyCustomer asks the caller to enqueue a customer message.
	EffectNotifyCustomer EffectKind = "notify_customer"
	// EffectReleaseSlot asks the caller to free the customer's active order slot.
	EffectReleaseSlot EffectKind = "release_slot"
)

// Effect is a side effect intent returned by Apply.
type Effect struct {
	Kind       EffectKind
	OrderID    string
	CustomerID string
	Amount     int64
	Notice     models.NotificationKind
}

// Apply computes the next order state for ev. The zero Order stands for
// "no order". On error the returned order equals the input and no effects
// are returned.
func Apply(o models.Order, ev Event) (models.Order, []Effect, error) {
	next, effects, err := apply(o.Clone(), ev)
	if err != nil {
		return o, nil, fmt.Errorf("%s in state %q: %w", ev.Kind, stateName(o.State), err)
	}
	switch {
	case next.ID != o.ID:
		next.Version = 1
		next.UpdatedAt = ev.At
	case next.State != o.State || next.Reference() != o.Reference() || next.Item != o.Item:
		next.Version = o.Version + 1
		next.UpdatedAt = ev.At
	}
	return next, effects, nil
}

func apply(o models.Order, ev Event) (models.Order, []Effect, error) {
	switch ev.Kind {
	case EventIntentDetected:
		return startOrder(o, ev)
	case EventNegotiating:
		return negotiate(o)
	case EventItemSelected:
		return selectItem(o, ev)
	case EventLinkCreated:
		return storeLink(o, ev)
	case EventPaymentSucceeded, EventPaymentFailed:
		return settle(o, ev)
	case EventTimedOut:
		return expire(o, ev)
	}
	return o, nil, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
}

func startOrder(o models.Order, ev Event) (models.Order, []Effect, error) {
	if o.State.Active() {
		return o, nil, ErrActiveOrder
	}
	if ev.OrderID == "" || ev.CustomerID == "" {
		return o, nil, fmt.Errorf("%w: order and customer ids are required", ErrInvalidTransition)
	}
	return models.Order{
		ID:         ev.OrderID,
		CustomerID: ev.CustomerID,
		Currency:   ev.Currency,
		State:      models.OrderStateStarted,
		CreatedAt:  ev.At,
	}, nil, nil
}

func negotiate(o models.Order) (models.Order, []Effect, error) {
	switch o.State {
	case models.OrderStateStarted:
		o.State = models.OrderStateAwaitingSelection
		return o, nil, nil
	case models.OrderStateAwaitingSelection:
		return o, nil, nil
	}
	return o, nil, ErrInvalidTransition
}

func selectItem(o models.Order, ev Event) (models.Order, []Effect, error) {
	if ev.Item == "" || ev.Amount <= 0 {
		return o, nil, fmt.Errorf("%w: item and positive amount are required", ErrInvalidTransition)
	}

	switch o.State {
	case models.OrderStateStarted, models.OrderStateAwaitingSelection:
		o.Item = ev.Item
		o.Amount = ev.Amount
		o.State = models.OrderStateAwaitingPayment
	case models.OrderStateAwaitingPayment:
		if ev.Item != o.Item {
			return o, nil, ErrAmountFrozen
		}
		if o.PaymentReference != nil {
			return o, nil, ErrDuplicate
		}
		// Same item, link still missing: ask for it again at the frozen amount.
	default:
		return o, nil, ErrInvalidTransition
	}

	return o, []Effect{{
		Kind:       EffectRequestPaymentLink,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     o.Amount,
	}}, nil
}

func storeLink(o models.Order, ev Event) (models.Order, []Effect, error) {
	if o.State != models.OrderStateAwaitingPayment {
		return o, nil, ErrInvalidTransition
	}
	if ev.Reference == "" {
		return o, nil, fmt.Errorf("%w: empty payment reference", ErrInvalidTransition)
	}
	if o.PaymentReference != nil {
		if *o.PaymentReference == ev.Reference {
			return o, nil, ErrDuplicate
		}
		return o, nil, fmt.Errorf("%w: reference already set", ErrInvalidTransition)
	}

	ref := ev.Reference
	o.PaymentReference = &ref
	o.PaymentURL = ev.URL
	return o, nil, nil
}

func settle(o models.Order, ev Event) (models.Order, []Effect, error) {
	if ev.Reference == "" || ev.Reference != o.Reference() {
		return o, nil, ErrReferenceMismatch
	}

	switch o.State {
	case models.OrderStatePaid, models.OrderStateFailed:
		return o, nil, ErrDuplicate
	case models.OrderStateExpired:
		if ev.Kind == EventPaymentSucceeded {
			return o, nil, ErrLateSettlement
		}
		return o, nil, ErrDuplicate
	case models.OrderStateAwaitingPayment:
	default:
		return o, nil, ErrInvalidTransition
	}

	notice := models.NotificationPaid
	o.State = models.OrderStatePaid
	if ev.Kind == EventPaymentFailed {
		notice = models.NotificationFailed
		o.State = models.OrderStateFailed
	}
	return o, terminalEffects(o, notice), nil
}

func expire(o models.Order, ev Event) (models.Order, []Effect, error) {
	if !o.State.Active() {
		return o, nil, ErrInvalidTransition
	}
	last := o.UpdatedAt
	if ev.LastActivity.After(last) {
		last = ev.LastActivity
	}
	if ev.At.Sub(last) < ev.TTL {
		return o, nil, ErrNotStale
	}
	o.State = models.OrderStateExpired
	return o, terminalEffects(o, models.NotificationExpired), nil
}

func terminalEffects(o models.Order, notice models.NotificationKind) []Effect {
	return []Effect{
		{Kind: EffectNotifyCustomer, OrderID: o.ID, CustomerID: o.CustomerID, Amount: o.Amount, Notice: notice},
		{Kind: EffectReleaseSlot, OrderID: o.ID, CustomerID: o.CustomerID},
	}
}

func stateName(s models.OrderState) string {
	if s == "" {
		return "absent"
	}
	return string(s)
}
