package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

// DatabaseStore implements Store on PostgreSQL through gorm. The database
// must be opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a new database-backed storage
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Customer operations
func (d *DatabaseStore) UpsertCustomer(ctx context.Context, phone, name string, at time.Time) (*models.Customer, error) {
	updates := map[string]interface{}{"updated_at": at}
	if name != "" {
		updates["name"] = name
	}

	c := models.Customer{Phone: phone, Name: name, CreatedAt: at, UpdatedAt: at}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&c).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return d.GetCustomer(ctx, phone)
}

func (d *DatabaseStore) GetCustomer(ctx context.Context, phone string) (*models.Customer, error) {
	var c models.Customer
	if err := d.db.WithContext(ctx).First(&c, "phone = ?", phone).Error; err != nil {
		return nil, notFound(err, "customer "+phone)
	}
	return &c, nil
}

func (d *DatabaseStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if err := d.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (d *DatabaseStore) ListTurns(ctx context.Context, customerID string, limit int) ([]models.Turn, error) {
	var turns []models.Turn
	q := d.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Order operations
func (d *DatabaseStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := d.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "order "+id)
	}
	return &o, nil
}

func (d *DatabaseStore) GetActiveOrder(ctx context.Context, customerID string) (*models.Order, error) {
	var o models.Order
	err := d.db.WithContext(ctx).
		Where("customer_id = ? AND state NOT IN ?", customerID, models.TerminalStates).
		Order("created_at DESC").
		First(&o).Error
	if err != nil {
		return nil, notFound(err, "active order for "+customerID)
	}
	return &o, nil
}

func (d *DatabaseStore) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	var o models.Order
	if err := d.db.WithContext(ctx).First(&o, "payment_reference = ?", reference).Error; err != nil {
		return nil, notFound(err, "order with reference "+reference)
	}
	return &o, nil
}

func (d *DatabaseStore) CommitOrder(ctx context.Context, c Commit) error {
	o := c.Order
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cust models.Customer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cust, "phone = ?", o.CustomerID).Error
		if err != nil {
			return notFound(err, "customer "+o.CustomerID)
		}

		if c.Creates() {
			if cust.ActiveOrderID != nil {
				var cur models.Order
				err := tx.Select("state").First(&cur, "id = ?", *cust.ActiveOrderID).Error
				if err == nil && cur.State.Active() {
					return ErrActiveOrderExists
				}
			}
			if err := tx.Create(&o).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Either the partial index on active orders or the
					// reference index fired; both mean the slot is taken
					// or the write raced another one.
					if cust.ActiveOrderID != nil {
						return ErrActiveOrderExists
					}
					return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
				}
				return fmt.Errorf("failed to create order: %w", err)
			}
			if err := tx.Model(&models.Customer{}).Where("phone = ?", o.CustomerID).
				Update("active_order_id", o.ID).Error; err != nil {
				return fmt.Errorf("failed to claim active slot: %w", err)
			}
		} else {
			res := tx.Model(&models.Order{}).
				Where("id = ? AND version = ?", o.ID, c.ExpectedVersion).
				Updates(map[string]interface{}{
					"item":              o.Item,
					"amount":            o.Amount,
					"currency":          o.Currency,
					"payment_reference": o.PaymentReference,
					"payment_url":       o.PaymentURL,
					"state":             o.State,
					"version":           o.Version,
					"updated_at":        o.UpdatedAt,
				})
			if res.Error != nil {
				if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("order %s reference clash: %w", o.ID, ErrConflict)
				}
				return fmt.Errorf("failed to update order: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("order %s not at version %d: %w", o.ID, c.ExpectedVersion, ErrConflict)
			}
		}

		if c.ReleaseSlot {
			err := tx.Model(&models.Customer{}).
				Where("phone = ? AND active_order_id = ?", o.CustomerID, o.ID).
				Update("active_order_id", nil).Error
			if err != nil {
				return fmt.Errorf("failed to release active slot: %w", err)
			}
		}

		if len(c.Notifications) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_id"}, {Name: "kind"}},
				DoNothing: true,
			}).Create(&c.Notifications).Error
			if err != nil {
				return fmt.Errorf("failed to enqueue notifications: %w", err)
			}
		}
		return nil
	})
}

func (d *DatabaseStore) ListStaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := d.db.WithContext(ctx).
		Where("state NOT IN ? AND updated_at <= ?", models.TerminalStates, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM turns WHERE turns.customer_id = orders.customer_id AND turns.created_at > ?)", cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}
	return orders, nil
}

// Outbox operations
func (d *DatabaseStore) ListPendingNotifications(ctx context.Context, limit, maxAttempts int) ([]models.Notification, error) {
	var pending []models.Notification
	q := d.db.WithContext(ctx).Where("sent_at IS NULL")
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	q = q.Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	return pending, nil
}

func (d *DatabaseStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return d.updateNotification(ctx, id, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"sent_at":    at,
		"last_error": "",
	})
}

func (d *DatabaseStore) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	return d.updateNotification(ctx, id, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": reason,
	})
}

func (d *DatabaseStore) updateNotification(ctx context.Context, id string, updates map[string]interface{}) error {
	res := d.db.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (d *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
