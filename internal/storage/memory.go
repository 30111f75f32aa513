package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

// MemoryStore holds all data in memory for tests and local runs. A single
// mutex guards every map so CommitOrder is atomic across them.
type MemoryStore struct {
	mu sync.RWMutex

	customers     map[string]*models.Customer
	orders        map[string]*models.Order
	references    map[string]string // payment reference -> order id
	turns         map[string][]models.Turn
	notifications map[string]*models.Notification
	outboxKeys    map[string]string // order id + kind -> notification id

	// Counter for turn ID generation
	turnCounter uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]*models.Customer),
		orders:        make(map[string]*models.Order),
		references:    make(map[string]string),
		turns:         make(map[string][]models.Turn),
		notifications: make(map[string]*models.Notification),
		outboxKeys:    make(map[string]string),
	}
}

// Customer operations
func (m *MemoryStore) UpsertCustomer(_ context.Context, phone, name string, at time.Time) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.customers[phone]
	if !exists {
		c = &models.Customer{Phone: phone, CreatedAt: at}
		m.customers[phone] = c
	}
	if name != "" {
		c.Name = name
	}
	c.UpdatedAt = at
	return copyCustomer(c), nil
}

func (m *MemoryStore) GetCustomer(_ context.Context, phone string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.customers[phone]
	if !exists {
		return nil, fmt.Errorf("customer %s: %w", phone, ErrNotFound)
	}
	return copyCustomer(c), nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, turn *models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turnCounter++
	turn.ID = m.turnCounter
	m.turns[turn.CustomerID] = append(m.turns[turn.CustomerID], *turn)
	return nil
}

func (m *MemoryStore) ListTurns(_ context.Context, customerID string, limit int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[customerID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Turn, len(all))
	copy(out, all)
	return out, nil
}

// Order operations
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, exists := m.orders[id]
	if !exists {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetActiveOrder(_ context.Context, customerID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.customers[customerID]
	if !exists || c.ActiveOrderID == nil {
		return nil, fmt.Errorf("active order for %s: %w", customerID, ErrNotFound)
	}
	o, exists := m.orders[*c.ActiveOrderID]
	if !exists || !o.State.Active() {
		return nil, fmt.Errorf("active order for %s: %w", customerID, ErrNotFound)
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetOrderByReference(_ context.Context, reference string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.references[reference]
	if !exists {
		return nil, fmt.Errorf("order with reference %s: %w", reference, ErrNotFound)
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) CommitOrder(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := c.Order.Clone()
	cust, exists := m.customers[o.CustomerID]
	if !exists {
		return fmt.Errorf("customer %s: %w", o.CustomerID, ErrNotFound)
	}

	// Validate everything before the first write.
	if c.Creates() {
		if _, taken := m.orders[o.ID]; taken {
			return fmt.Errorf("order %s already exists: %w", o.ID, ErrConflict)
		}
		if cust.ActiveOrderID != nil {
			if cur, ok := m.orders[*cust.ActiveOrderID]; ok && cur.State.Active() {
				return ErrActiveOrderExists
			}
		}
	} else {
		cur, ok := m.orders[o.ID]
		if !ok {
			return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
		}
		if cur.Version != c.ExpectedVersion {
			return fmt.Errorf("order %s at version %d, expected %d: %w", o.ID, cur.Version, c.ExpectedVersion, ErrConflict)
		}
	}
	if ref := o.Reference(); ref != "" {
		if owner, ok := m.references[ref]; ok && owner != o.ID {
			return fmt.Errorf("reference %s belongs to order %s: %w", ref, owner, ErrConflict)
		}
	}

	m.orders[o.ID] = &o
	if ref := o.Reference(); ref != "" {
		m.references[ref] = o.ID
	}
	if c.Creates() {
		id := o.ID
		cust.ActiveOrderID = &id
	}
	if c.ReleaseSlot && cust.ActiveOrderID != nil && *cust.ActiveOrderID == o.ID {
		cust.ActiveOrderID = nil
	}
	for _, n := range c.Notifications {
		key := n.OrderID + "/" + string(n.Kind)
		if _, dup := m.outboxKeys[key]; dup {
			continue
		}
		n := n
		m.notifications[n.ID] = &n
		m.outboxKeys[key] = n.ID
	}
	return nil
}

func (m *MemoryStore) ListStaleOrders(_ context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []models.Order
	for _, o := range m.orders {
		if !o.State.Active() || o.UpdatedAt.After(cutoff) {
			continue
		}
		if last, ok := m.lastTurnAt(o.CustomerID); ok && last.After(cutoff) {
			continue
		}
		stale = append(stale, o.Clone())
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *MemoryStore) lastTurnAt(customerID string) (time.Time, bool) {
	turns := m.turns[customerID]
	if len(turns) == 0 {
		return time.Time{}, false
	}
	return turns[len(turns)-1].CreatedAt, true
}

// Outbox operations
func (m *MemoryStore) ListPendingNotifications(_ context.Context, limit, maxAttempts int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []models.Notification
	for _, n := range m.notifications {
		if n.SentAt == nil && (maxAttempts <= 0 || n.Attempts < maxAttempts) {
			pending = append(pending, *n)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *MemoryStore) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.notifications[id]
	if !exists {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Attempts++
	n.SentAt = &at
	n.LastError = ""
	return nil
}

func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.notifications[id]
	if !exists {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Attempts++
	n.LastError = reason
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Notifications returns every outbox row for an order, sent or not.
func (m *MemoryStore) Notifications(orderID string) []models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Notification
	for _, n := range m.notifications {
		if n.OrderID == orderID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func copyCustomer(c *models.Customer) *models.Customer {
	cp := *c
	if c.ActiveOrderID != nil {
		id := *c.ActiveOrderID
		cp.ActiveOrderID = &id
	}
	return &cp
}

func copyOrder(o *models.Order) *models.Order {
	cp := o.Clone()
	return &cp
}
