package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/agent"
	"github.com/Ananth-NQI/cakepe-backend/internal/catalog"
	"github.com/Ananth-NQI/cakepe-backend/internal/models"
	"github.com/Ananth-NQI/cakepe-backend/internal/orders"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
	"github.com/Ananth-NQI/cakepe-backend/internal/storage"
)

// ErrOrphanReference marks a settlement for a reference no order carries.
var ErrOrphanReference = errors.New("no order for payment reference")

// commitAttempts bounds reload-and-retry on optimistic version conflicts,
// which only occur when several processes share one database.
const commitAttempts = 3

// Agent runs one conversation turn.
type Agent interface {
	Run(ctx context.Context, in agent.Input) (agent.Result, error)
}

// Kicker is told when new outbox rows were committed.
type Kicker interface {
	Kick()
}

// OrderOptions tunes an OrderService.
type OrderOptions struct {
	TTL          time.Duration
	HistoryLimit int
	Currency     string
	BusinessName string
}

// InboundMessage is one customer message after validation.
type InboundMessage struct {
	Phone string
	Name  string
	Text  string
}

// MessageResult is what a handled message produced.
type MessageResult struct {
	Reply      string
	OrderID    string
	OrderState models.OrderState
}

// SettlementOutcome tells the webhook handler how a payment event ended.
// Every outcome is acknowledged to the gateway.
type SettlementOutcome string

const (
	OutcomeProcessed SettlementOutcome = "processed"
	OutcomeDuplicate SettlementOutcome = "duplicate"
	OutcomeOrphan    SettlementOutcome = "orphan"
	OutcomeIgnored   SettlementOutcome = "ignored"
	OutcomeLate      SettlementOutcome = "late"
)

// OrderService is the only writer of order state. It serializes work per
// customer and per order, runs the agent, and executes transition effects.
type OrderService struct {
	store     storage.Store
	agent     Agent
	catalog   *catalog.Catalog
	messenger Messenger
	outbox    Kicker
	locker    *orders.Locker
	opts      OrderOptions
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewOrderService(store storage.Store, ag Agent, cat *catalog.Catalog, messenger Messenger, outbox Kicker, locker *orders.Locker, opts OrderOptions, logger *zap.Logger) *OrderService {
	return &OrderService{
		store:     store,
		agent:     ag,
		catalog:   cat,
		messenger: messenger,
		outbox:    outbox,
		locker:    locker,
		opts:      opts,
		logger:    logger.Named("orders"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// HandleMessage runs one inbound message through the conversation: it
// records the turn, expires or opens the order as needed, asks the agent
// for a reply, applies the agent's proposal and sends the reply.
func (s *OrderService) HandleMessage(ctx context.Context, msg InboundMessage) (*MessageResult, error) {
	unlock := s.locker.Lock(orders.CustomerKey(msg.Phone))
	defer unlock()

	now := s.now()
	customer, err := s.store.UpsertCustomer(ctx, msg.Phone, msg.Name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}

	order, err := s.activeOrder(ctx, msg.Phone)
	if err != nil {
		return nil, err
	}
	if order != nil {
		order, err = s.expireIfStale(ctx, *order, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.AppendTurn(ctx, &models.Turn{
		CustomerID: msg.Phone, Direction: models.DirectionInbound, Text: msg.Text, CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record inbound turn: %w", err)
	}

	if order == nil && DetectIntent(msg.Text, s.catalog) {
		order, err = s.openOrder(ctx, msg.Phone, now)
		if err != nil {
			return nil, err
		}
	}

	history, err := s.store.ListTurns(ctx, msg.Phone, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	res, err := s.agent.Run(ctx, agent.Input{Customer: *customer, History: history, Order: order})
	if err != nil {
		s.logger.Warn("Agent turn degraded", zap.String("customer", msg.Phone), zap.Int("rounds", res.Rounds), zap.Error(err))
	}

	reply := res.Reply
	if order != nil && res.Proposal.Kind != agent.ProposalNone {
		updated, err := s.applyProposal(ctx, order.ID, res.Proposal)
		if err != nil {
			s.logger.Warn("Agent proposal rejected",
				zap.String("order_id", order.ID),
				zap.String("event", res.Proposal.Kind.String()),
				zap.Error(err))
			if !errors.Is(err, orders.ErrDuplicate) {
				reply = MsgOrderChanged
			}
		} else {
			order = updated
		}
	}

	if err := s.store.AppendTurn(ctx, &models.Turn{
		CustomerID: msg.Phone, Direction: models.DirectionOutbound, Text: reply, CreatedAt: s.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to record outbound turn: %w", err)
	}
	if err := s.messenger.SendText(ctx, msg.Phone, reply); err != nil {
		s.logger.Error("Failed to send reply", zap.String("customer", msg.Phone), zap.Error(err))
	}

	result := &MessageResult{Reply: reply}
	if order != nil {
		result.OrderID = order.ID
		result.OrderState = order.State
	}
	return result, nil
}

// SettlePayment applies a verified payment event to the order that owns its
// reference. Only store failures return an error.
func (s *OrderService) SettlePayment(ctx context.Context, ev payments.Event) (SettlementOutcome, error) {
	kind := orders.EventPaymentSucceeded
	switch ev.Kind {
	case payments.EventSucceeded:
	case payments.EventFailed:
		kind = orders.EventPaymentFailed
	default:
		s.logger.Info("Payment event ignored", zap.String("event", ev.Type), zap.String("status", ev.Status), zap.String("reference", ev.Reference))
		return OutcomeIgnored, nil
	}

	_, err := s.settle(ctx, ev.Reference, kind)
	switch {
	case err == nil:
		return OutcomeProcessed, nil
	case errors.Is(err, ErrOrphanReference):
		s.logger.Warn("Orphan payment webhook acknowledged", zap.String("reference", ev.Reference), zap.String("event", ev.Type))
		return OutcomeOrphan, nil
	case errors.Is(err, orders.ErrDuplicate):
		s.logger.Info("Duplicate payment webhook acknowledged", zap.String("reference", ev.Reference), zap.String("event", ev.Type))
		return OutcomeDuplicate, nil
	case errors.Is(err, orders.ErrLateSettlement):
		s.logger.Error("Payment settled on expired order, needs manual refund or fulfilment",
			zap.String("reference", ev.Reference), zap.String("event", ev.Type))
		return OutcomeLate, nil
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrReferenceMismatch):
		s.logger.Warn("Payment webhook does not apply to order", zap.String("reference", ev.Reference), zap.Error(err))
		return OutcomeIgnored, nil
	}
	return "", err
}

func (s *OrderService) settle(ctx context.Context, reference string, kind orders.EventKind) (*models.Order, error) {
	o, err := s.store.GetOrderByReference(ctx, reference)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrphanReference, reference)
	}
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o.ID, func(models.Order) ([]orders.Event, error) {
		return []orders.Event{{Kind: kind, At: s.now(), Reference: reference}}, nil
	})
}

// ExpireStale moves every order idle for longer than the TTL to expired and
// returns how many it expired.
func (s *OrderService) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := s.now()
	stale, err := s.store.ListStaleOrders(ctx, now.Add(-s.opts.TTL), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	expired := 0
	for _, o := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := s.transition(ctx, o.ID, func(cur models.Order) ([]orders.Event, error) {
			last, err := s.lastActivity(ctx, cur.CustomerID)
			if err != nil {
				return nil, err
			}
			return []orders.Event{{Kind: orders.EventTimedOut, At: now, TTL: s.opts.TTL, LastActivity: last}}, nil
		})
		switch {
		case err == nil:
			expired++
			s.logger.Info("Order expired", zap.String("order_id", o.ID), zap.String("customer", o.CustomerID))
		case errors.Is(err, orders.ErrNotStale), errors.Is(err, orders.ErrInvalidTransition):
			// Touched or settled since it was listed.
		default:
			s.logger.Error("Failed to expire order", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return expired, nil
}

func (s *OrderService) activeOrder(ctx context.Context, phone string) (*models.Order, error) {
	o, err := s.store.GetActiveOrder(ctx, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active order: %w", err)
	}
	return o, nil
}

// expireIfStale expires the order lazily on the customer's next message and
// returns nil when it did.
func (s *OrderService) expireIfStale(ctx context.Context, o models.Order, now time.Time) (*models.Order, error) {
	last, err := s.lastActivity(ctx, o.CustomerID)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, o.ID, func(models.Order) ([]orders.Event, error) {
		return []orders.Event{{Kind: orders.EventTimedOut, At: now, TTL: s.opts.TTL, LastActivity: last}}, nil
	})
	switch {
	case err == nil:
		s.logger.Info("Stale order expired on new message", zap.String("order_id", o.ID), zap.String("customer", o.CustomerID))
		return nil, nil
	case errors.Is(err, orders.ErrNotStale):
		return &o, nil
	case errors.Is(err, orders.ErrInvalidTransition):
		// Settled or expired concurrently.
		if updated != nil && updated.State.Active() {
			return updated, nil
		}
		return nil, nil
	}
	return nil, err
}

func (s *OrderService) lastActivity(ctx context.Context, customerID string) (time.Time, error) {
	turns, err := s.store.ListTurns(ctx, customerID, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last turn: %w", err)
	}
	if len(turns) == 0 {
		return time.Time{}, nil
	}
	return turns[0].CreatedAt, nil
}

func (s *OrderService) openOrder(ctx context.Context, phone string, now time.Time) (*models.Order, error) {
	next, _, err := orders.Apply(models.Order{}, orders.Event{
		Kind:       orders.EventIntentDetected,
		At:         now,
		OrderID:    s.newID(),
		CustomerID: phone,
		Currency:   s.opts.Currency,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.CommitOrder(ctx, storage.Commit{Order: next})
	if errors.Is(err, storage.ErrActiveOrderExists) {
		// Another process opened one first.
		return s.activeOrder(ctx, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.Info("Order started", zap.String("order_id", next.ID), zap.String("customer", phone))
	return &next, nil
}

// applyProposal maps an agent proposal onto state machine events against
// the freshly loaded order.
func (s *OrderService) applyProposal(ctx context.Context, orderID string, p agent.Proposal) (*models.Order, error) {
	return s.transition(ctx, orderID, func(cur models.Order) ([]orders.Event, error) {
		now := s.now()
		var events []orders.Event

		switch p.Kind {
		case agent.ProposalNegotiate:
			if cur.State == models.OrderStateStarted {
				events = append(events, orders.Event{Kind: orders.EventNegotiating, At: now})
			}
			return events, nil
		case agent.ProposalSelectItem, agent.ProposalLinkCreated:
			if cur.State != models.OrderStateAwaitingPayment || cur.Item != p.Item {
				events = append(events, orders.Event{Kind: orders.EventItemSelected, At: now, Item: p.Item, Amount: p.Amount})
			}
		}
		if p.Kind == agent.ProposalLinkCreated {
			events = append(events, orders.Event{Kind: orders.EventLinkCreated, At: now, Reference: p.Reference, URL: p.URL})
		}
		return events, nil
	})
}

// transition reloads the order under its lock, applies the events built
// for it in sequence and commits the result with its effects. On error the
// last committed order is returned when it is known.
func (s *OrderService) transition(ctx context.Context, orderID string, build func(models.Order) ([]orders.Event, error)) (*models.Order, error) {
	unlock := s.locker.Lock(orders.OrderKey(orderID))
	defer unlock()

	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		var cur *models.Order
		cur, err = s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order: %w", err)
		}

		var events []orders.Event
		events, err = build(*cur)
		if err != nil {
			return cur, err
		}

		next := *cur
		var effects []orders.Effect
		for _, ev := range events {
			var eff []orders.Effect
			next, eff, err = orders.Apply(next, ev)
			if err != nil {
				return cur, err
			}
			effects = append(effects, eff...)
		}
		if next.Version == cur.Version {
			s.logPendingLink(next, effects)
			return cur, nil
		}

		commit := storage.Commit{Order: next, ExpectedVersion: cur.Version}
		if err := s.runEffects(&commit, next, effects); err != nil {
			return cur, err
		}

		err = s.store.CommitOrder(ctx, commit)
		if errors.Is(err, storage.ErrConflict) {
			s.logger.Warn("Order changed underneath, retrying", zap.String("order_id", orderID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("failed to commit order: %w", err)
		}

		s.logger.Debug("Order transition committed",
			zap.String("order_id", next.ID),
			zap.String("from", string(cur.State)),
			zap.String("to", string(next.State)),
			zap.Int("version", next.Version))
		s.logPendingLink(next, effects)
		if len(commit.Notifications) > 0 && s.outbox != nil {
			s.outbox.Kick()
		}
		return &next, nil
	}
	return nil, err
}

// runEffects folds transition effects into the commit. Payment link
// requests are served by the agent inside the same turn, so here they are
// only checked.
func (s *OrderService) runEffects(c *storage.Commit, o models.Order, effects []orders.Effect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case orders.EffectNotifyCustomer:
			text, err := RenderTemplate(eff.Notice, NoticeParams(o, s.opts.BusinessName))
			if err != nil {
				return fmt.Errorf("failed to render %s notice: %w", eff.Notice, err)
			}
			c.Notifications = append(c.Notifications, models.Notification{
				ID:         s.newID(),
				OrderID:    eff.OrderID,
				CustomerID: eff.CustomerID,
				Kind:       eff.Notice,
				Text:       text,
				CreatedAt:  s.now(),
			})
		case orders.EffectReleaseSlot:
			c.ReleaseSlot = true
		case orders.EffectRequestPaymentLink:
		}
	}
	return nil
}

func (s *OrderService) logPendingLink(o models.Order, effects []orders.Effect) {
	for _, eff := range effects {
		if eff.Kind == orders.EffectRequestPaymentLink && o.Reference() == "" {
			s.logger.Warn("Order awaiting payment without a link",
				zap.String("order_id", o.ID),
				zap.Int64("amount", eff.Amount))
		}
	}
}
