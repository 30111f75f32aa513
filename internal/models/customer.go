package models

import "time"

// Customer is a WhatsApp user, keyed by phone number.
type Customer struct {
	Phone string `json:"phone" gorm:"primaryKey;size:32"`
	Name  string `json:"name" gorm:"size:128"` // last seen profile name

	// ActiveOrderID points at the customer's single non-terminal order.
	ActiveOrderID *string `json:"active_order_id,omitempty" gorm:"size:64;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
