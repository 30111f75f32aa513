package models

import "time"

// Direction tells who authored a conversation turn.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Turn is one immutable message in a customer's conversation.
type Turn struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CustomerID string    `json:"customer_id" gorm:"size:32;not null;index:idx_turns_customer_time,priority:1"`
	Direction  Direction `json:"direction" gorm:"size:16;not null"`
	Text       string    `json:"text" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;index:idx_turns_customer_time,priority:2"`
}
