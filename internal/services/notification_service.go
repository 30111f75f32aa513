package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
	"github.com/Ananth-NQI/cakepe-backend/internal/orders"
	"github.com/Ananth-NQI/cakepe-backend/internal/storage"
)

// NotificationService drains the outbox: it sends committed notification
// rows through the messenger and records them as outbound turns. One
// instance per process must own delivery.
type NotificationService struct {
	store       storage.Store
	messenger   Messenger
	locker      *orders.Locker
	batch       int
	maxAttempts int
	logger      *zap.Logger
	kick        chan struct{}
	now         func() time.Time
}

func NewNotificationService(store storage.Store, messenger Messenger, locker *orders.Locker, batch, maxAttempts int, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		store:       store,
		messenger:   messenger,
		locker:      locker,
		batch:       batch,
		maxAttempts: maxAttempts,
		logger:      logger.Named("outbox"),
		kick:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Kick asks for a delivery pass without waiting for the next tick.
func (n *NotificationService) Kick() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// Kicks is signalled after every Kick.
func (n *NotificationService) Kicks() <-chan struct{} {
	return n.kick
}

// DeliverPending sends one batch of unsent notifications and returns how
// many were delivered.
func (n *NotificationService) DeliverPending(ctx context.Context) (int, error) {
	pending, err := n.store.ListPendingNotifications(ctx, n.batch, n.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	sent := 0
	for _, note := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := n.deliver(ctx, note); err != nil {
			n.logger.Warn("Notification delivery failed",
				zap.String("order_id", note.OrderID),
				zap.String("kind", string(note.Kind)),
				zap.Int("attempt", note.Attempts+1),
				zap.Error(err))
			if err := n.store.MarkNotificationFailed(ctx, note.ID, err.Error()); err != nil {
				return sent, fmt.Errorf("failed to record delivery failure: %w", err)
			}
			continue
		}
		sent++
	}
	return sent, nil
}

func (n *NotificationService) deliver(ctx context.Context, note models.Notification) error {
	if err := n.messenger.SendText(ctx, note.CustomerID, note.Text); err != nil {
		return err
	}

	now := n.now()
	if err := n.store.MarkNotificationSent(ctx, note.ID, now); err != nil {
		// The message went out; a failed mark means it may be sent again.
		n.logger.Error("Failed to mark notification sent", zap.String("order_id", note.OrderID), zap.Error(err))
		return nil
	}

	unlock := n.locker.Lock(orders.CustomerKey(note.CustomerID))
	defer unlock()
	if err := n.store.AppendTurn(ctx, &models.Turn{
		CustomerID: note.CustomerID, Direction: models.DirectionOutbound, Text: note.Text, CreatedAt: now,
	}); err != nil {
		n.logger.Error("Failed to record notification turn", zap.String("order_id", note.OrderID), zap.Error(err))
	}

	n.logger.Info("Notification sent",
		zap.String("order_id", note.OrderID),
		zap.String("customer", note.CustomerID),
		zap.String("kind", string(note.Kind)))
	return nil
}
