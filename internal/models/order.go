package models

import "time"

// OrderState is the lifecycle position of an Order.
type OrderState string

const (
	OrderStateStarted           OrderState = "started"
	OrderStateAwaitingSelection OrderState = "awaiting_selection"
	OrderStateAwaitingPayment   OrderState = "awaiting_payment"
	OrderStatePaid              OrderState = "paid"
	OrderStateFailed            OrderState = "failed"
	OrderStateExpired           OrderState = "expired"
)

// Terminal reports whether no further transition may change the order.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStatePaid, OrderStateFailed, OrderStateExpired:
		return true
	}
	return false
}

// Active reports whether the order occupies its customer's single active slot.
func (s OrderState) Active() bool {
	return s != "" && !s.Terminal()
}

// TerminalStates lists the states that release a customer's active slot.
var TerminalStates = []OrderState{OrderStatePaid, OrderStateFailed, OrderStateExpired}

// Order is one customer's purchase attempt. It is only ever changed through
// orders.Apply and is kept forever once terminal.
type Order struct {
	ID         string `json:"id" gorm:"primaryKey;size:64"`
	CustomerID string `json:"customer_id" gorm:"size:32;not null;index"`

	// Item and Amount are frozen once the order reaches awaiting_payment.
	Item     string `json:"item" gorm:"size:64"`
	Amount   int64  `json:"amount"` // whole currency units
	Currency string `json:"currency" gorm:"size:8"`

	// PaymentReference is the gateway-assigned link id, set exactly once.
	PaymentReference *string `json:"payment_reference,omitempty" gorm:"size:128;uniqueIndex"`
	PaymentURL       string  `json:"payment_url,omitempty" gorm:"size:512"`

	State   OrderState `json:"state" gorm:"size:32;not null;index"`
	Version int        `json:"version" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime:false;index"`
}

// Reference returns the payment reference or "" when none is stored yet.
func (o Order) Reference() string {
	if o.PaymentReference == nil {
		return ""
	}
	return *o.PaymentReference
}

// Clone returns a copy that shares no pointers with o.
func (o Order) Clone() Order {
	if o.PaymentReference != nil {
		ref := *o.PaymentReference
		o.PaymentReference = &ref
	}
	return o
}
