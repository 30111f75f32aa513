package models

import "time"

// NotificationKind identifies which order outcome a notification announces.
type NotificationKind string

const (
	NotificationPaid    NotificationKind = "paid"
	NotificationFailed  NotificationKind = "failed"
	NotificationExpired NotificationKind = "expired"
)

// Notification is an outbox row written in the same commit as the order
// transition that caused it. At most one row exists per (order, kind).
type Notification struct {
	ID         string           `json:"id" gorm:"primaryKey;size:64"`
	OrderID    string           `json:"order_id" gorm:"size:64;not null;uniqueIndex:idx_notifications_order_kind,priority:1"`
	Kind       NotificationKind `json:"kind" gorm:"size:16;not null;uniqueIndex:idx_notifications_order_kind,priority:2"`
	CustomerID string           `json:"customer_id" gorm:"size:32;not null"`
	Text       string           `json:"text" gorm:"type:text"`
	Attempts   int              `json:"attempts" gorm:"not null;default:0"`
	LastError  string           `json:"last_error,omitempty" gorm:"type:text"`
	SentAt     *time.Time       `json:"sent_at,omitempty" gorm:"index"`
	CreatedAt  time.Time        `json:"created_at"`
}
