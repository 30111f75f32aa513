package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the order changed since it was read (version or
	// payment reference clash). Callers reload and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrActiveOrderExists means the customer's active slot is already taken.
	ErrActiveOrderExists = errors.New("customer already has an active order")
)

// Commit is everything one order transition writes. Stores apply it
// atomically: either all of it is visible or none of it is.
type Commit struct {
	Order models.Order
	// ExpectedVersion is the version the caller read. Zero inserts a new
	// order and claims the customer's active slot.
	ExpectedVersion int
	// ReleaseSlot clears the customer's active order pointer.
	ReleaseSlot bool
	// Notifications are outbox rows. A row whose (order, kind) already
	// exists is skipped silently.
	Notifications []models.Notification
}

// Creates reports whether the commit inserts a new order.
func (c Commit) Creates() bool {
	return c.ExpectedVersion == 0
}

// Store defines the interface for storage operations
type Store interface {
	// Customer and conversation operations
	UpsertCustomer(ctx context.Context, phone, name string, at time.Time) (*models.Customer, error)
	GetCustomer(ctx context.Context, phone string) (*models.Customer, error)
	AppendTurn(ctx context.Context, turn *models.Turn) error
	// ListTurns returns the customer's last limit turns, oldest first.
	ListTurns(ctx context.Context, customerID string, limit int) ([]models.Turn, error)

	// Order operations
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetActiveOrder(ctx context.Context, customerID string) (*models.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	CommitOrder(ctx context.Context, c Commit) error
	// ListStaleOrders returns active orders last changed at or before cutoff
	// whose customer has not written or been written to since.
	ListStaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)

	// Outbox operations
	ListPendingNotifications(ctx context.Context, limit, maxAttempts int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, reason string) error

	Ping(ctx context.Context) error
}
